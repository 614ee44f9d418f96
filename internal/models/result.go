package models

import (
	"errors"
	"fmt"
	"sort"
)

// StructuredResult is the schema-validated record produced by the terminal
// step of a run.
type StructuredResult interface {
	Validate() error
}

type ProtocolSection struct {
	SectionTitle string `json:"section_title"`
	Content      string `json:"content"`
}

type ClinicalProtocol struct {
	Title            string            `json:"title"`
	ProtocolSections []ProtocolSection `json:"protocol_sections"`
	Summary          string            `json:"summary"`
}

func (p *ClinicalProtocol) Validate() error {
	var errs []error
	if p.Title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if len(p.ProtocolSections) == 0 {
		errs = append(errs, errors.New("protocol_sections must not be empty"))
	}
	for i, s := range p.ProtocolSections {
		if s.SectionTitle == "" {
			errs = append(errs, fmt.Errorf("protocol_sections[%d].section_title is required", i))
		}
		if s.Content == "" {
			errs = append(errs, fmt.Errorf("protocol_sections[%d].content is required", i))
		}
	}
	if p.Summary == "" {
		errs = append(errs, errors.New("summary is required"))
	}
	return errors.Join(errs...)
}

type SocialMediaPost struct {
	Platform string `json:"platform"`
	Content  string `json:"content"`
}

type ContentOutput struct {
	Article          string            `json:"article"`
	SocialMediaPosts []SocialMediaPost `json:"social_media_posts"`
}

func (c *ContentOutput) Validate() error {
	var errs []error
	if c.Article == "" {
		errs = append(errs, errors.New("article is required"))
	}
	if c.SocialMediaPosts == nil {
		errs = append(errs, errors.New("social_media_posts is required"))
	}
	for i, p := range c.SocialMediaPosts {
		if p.Platform == "" {
			errs = append(errs, fmt.Errorf("social_media_posts[%d].platform is required", i))
		}
		if p.Content == "" {
			errs = append(errs, fmt.Errorf("social_media_posts[%d].content is required", i))
		}
	}
	return errors.Join(errs...)
}

// resultSchemas maps schema names used in crew.yaml to constructors.
var resultSchemas = map[string]func() StructuredResult{
	"clinical_protocol": func() StructuredResult { return &ClinicalProtocol{} },
	"content_output":    func() StructuredResult { return &ContentOutput{} },
}

// resultExamples are JSON shapes shown to the model for each schema.
var resultExamples = map[string]string{
	"clinical_protocol": `{"title": "...", "protocol_sections": [{"section_title": "...", "content": "..."}], "summary": "..."}`,
	"content_output":    `{"article": "...markdown...", "social_media_posts": [{"platform": "...", "content": "..."}]}`,
}

// NewResult returns an empty result for the named schema.
func NewResult(schema string) (StructuredResult, bool) {
	ctor, ok := resultSchemas[schema]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// ResultExample returns the example JSON shape for the named schema.
func ResultExample(schema string) string {
	return resultExamples[schema]
}

// ResultSchemas lists the registered schema names.
func ResultSchemas() []string {
	names := make([]string, 0, len(resultSchemas))
	for name := range resultSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
