package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/crew/internal/models"
)

// ValidationError reports structured output that did not decode into, or
// did not satisfy, the requested schema.
type ValidationError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("output failed %s validation: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Structured asks for a JSON object shaped like example and decodes the
// reply into out. Decoding or validation failures return *ValidationError;
// nothing is repaired or retried.
func Structured(ctx context.Context, r Reasoner, req Request, schema, example string, out models.StructuredResult) (*Response, error) {
	req.System = strings.TrimSpace(req.System + "\n\n" + SchemaInstructions(example))

	resp, err := r.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := DecodeResult(resp.Content, schema, out); err != nil {
		return resp, err
	}
	return resp, nil
}

// SchemaInstructions is appended to prompts that expect JSON back.
func SchemaInstructions(example string) string {
	return "Respond with a single JSON object and nothing else. It must have this shape:\n" + example
}

// DecodeResult extracts the JSON object from text, decodes it into out and
// validates it.
func DecodeResult(text, schema string, out models.StructuredResult) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return &ValidationError{Schema: schema, Raw: text, Err: fmt.Errorf("no JSON object found")}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &ValidationError{Schema: schema, Raw: raw, Err: err}
	}
	if err := out.Validate(); err != nil {
		return &ValidationError{Schema: schema, Raw: raw, Err: err}
	}
	return nil
}

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and prose around it.
func ExtractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
