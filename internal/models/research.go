package models

import (
	"errors"
	"fmt"
)

// Analyst is a synthetic persona that interviews the expert.
type Analyst struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Affiliation string `json:"affiliation"`
	Description string `json:"description"`
}

func (a Analyst) Persona() string {
	return fmt.Sprintf("Name: %s\nRole: %s\nAffiliation: %s\nDescription: %s\n",
		a.Name, a.Role, a.Affiliation, a.Description)
}

// Perspectives is the structured output of analyst generation.
type Perspectives struct {
	Analysts []Analyst `json:"analysts"`
}

func (p *Perspectives) Validate() error {
	if len(p.Analysts) == 0 {
		return errors.New("analysts must not be empty")
	}
	for i, a := range p.Analysts {
		if a.Name == "" || a.Role == "" {
			return fmt.Errorf("analysts[%d] requires name and role", i)
		}
	}
	return nil
}

// SearchQuery is the structured output of query rewriting.
type SearchQuery struct {
	SearchQuery string `json:"search_query"`
}

func (q *SearchQuery) Validate() error {
	if q.SearchQuery == "" {
		return errors.New("search_query is required")
	}
	return nil
}

// Document is a single search hit.
type Document struct {
	URL     string
	Title   string
	Content string
	Source  string
	Page    string
}

// ResearchReport is the terminal result of the research graph.
type ResearchReport struct {
	Topic        string    `json:"topic"`
	Analysts     []Analyst `json:"analysts"`
	Sections     []string  `json:"sections"`
	Introduction string    `json:"introduction"`
	Content      string    `json:"content"`
	Conclusion   string    `json:"conclusion"`
	FinalReport  string    `json:"final_report"`
}

func (r *ResearchReport) Validate() error {
	if r.FinalReport == "" {
		return errors.New("final_report is required")
	}
	return nil
}
