package models

import "time"

// Verdict is the legitimacy classification of a workflow template.
type Verdict string

const (
	VerdictGood Verdict = "GOOD"
	VerdictBad  Verdict = "BAD"
)

// WorkflowRecord is the metadata stored for an ingested n8n template.
type WorkflowRecord struct {
	TemplateID int64
	Name       string
	HTML       string
	Verdict    Verdict
	Summary    string
	Nodes      string
	Variations string
	IngestedAt time.Time
}

// Content is the text that gets embedded for similarity search.
func (w *WorkflowRecord) Content() string {
	return w.Summary + "\n\n" + w.Nodes + "\n\n" + w.Variations
}
