// Package ingest pulls workflow templates from the public n8n template API,
// screens and summarises them with the reasoning service, and stores their
// embeddings and metadata.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client reads the n8n template API.
type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// TemplateURL is the API address of template id.
func (c *Client) TemplateURL(id int64) string {
	return fmt.Sprintf("%s/api/templates/workflows/%d", c.baseURL, id)
}

// FetchWorkflow returns the raw template document. Any non-200 status
// reports the template as absent rather than failing.
func (c *Client) FetchWorkflow(ctx context.Context, id int64) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.TemplateURL(id), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch workflow %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read workflow %d: %w", id, err)
	}
	if !json.Valid(body) {
		return nil, false, fmt.Errorf("workflow %d: response is not valid JSON", id)
	}
	return body, true, nil
}

// ProcessWorkflow renders the nested workflow.workflow object as an
// <n8n-demo> component. Single quotes in the JSON are backslash-escaped so
// the attribute stays intact. Input without that object reports false.
func ProcessWorkflow(raw json.RawMessage) (string, bool) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return "", false
	}
	var mid map[string]json.RawMessage
	if err := json.Unmarshal(outer["workflow"], &mid); err != nil {
		return "", false
	}
	inner, ok := mid["workflow"]
	if !ok {
		return "", false
	}

	encoded, err := pyDumps(inner)
	if err != nil {
		return "", false
	}
	escaped := strings.ReplaceAll(encoded, "'", `\'`)
	return "<n8n-demo workflow='" + escaped + "'></n8n-demo>", true
}

// workflowName extracts workflow.name from a template document.
func workflowName(raw json.RawMessage) string {
	var doc struct {
		Workflow struct {
			Name string `json:"name"`
		} `json:"workflow"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return doc.Workflow.Name
}
