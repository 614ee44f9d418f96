// Package workspace manages the per-run artifact directory:
//
//	run-N/
//	  run.json      run metadata
//	  context.md    log of every agent output, in order
//	  tasks/        one markdown file per task output
//	  result.json   structured result, when the run produced one
//	  report.md     final research report
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type Workspace struct {
	Path string
}

type RunMetadata struct {
	RunID          int64             `json:"run_id"`
	Kind           string            `json:"kind"`
	SpecName       string            `json:"spec_name"`
	InitialPrompt  string            `json:"initial_prompt"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	CurrentAgent   string            `json:"current_agent,omitempty"`
	Iteration      int               `json:"iteration"`
	PreviousAgents []string          `json:"previous_agents,omitempty"`
}

func runDir(baseDir string, runID int64) string {
	return filepath.Join(baseDir, fmt.Sprintf("run-%d", runID))
}

func Create(baseDir string, runID int64) (*Workspace, error) {
	w := &Workspace{Path: runDir(baseDir, runID)}

	if err := os.MkdirAll(filepath.Join(w.Path, "tasks"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	return w, nil
}

func Open(baseDir string, runID int64) (*Workspace, error) {
	path := runDir(baseDir, runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %d does not exist", runID)
	}

	return &Workspace{Path: path}, nil
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}

func (w *Workspace) contextPath() string {
	return filepath.Join(w.Path, "context.md")
}

// InitContext starts context.md with the run's title and prompt. An
// existing context log is left untouched so resumed runs keep history.
func (w *Workspace) InitContext(title, prompt string) error {
	f, err := os.OpenFile(w.contextPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create context.md: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "# %s\n\n## Prompt\n\n%s\n", title, strings.TrimSpace(prompt))
	if err != nil {
		return fmt.Errorf("failed to write context.md: %w", err)
	}
	return nil
}

// AppendContext adds one agent output to context.md.
func (w *Workspace) AppendContext(agent, task, output string) error {
	f, err := os.OpenFile(w.contextPath(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open context.md: %w", err)
	}
	defer f.Close()

	heading := agent
	if task != "" {
		heading = task + " (" + agent + ")"
	}
	_, err = fmt.Fprintf(f, "\n---\n\n## %s\n\n_%s_\n\n%s\n", heading, time.Now().Format(time.RFC3339), strings.TrimSpace(output))
	if err != nil {
		return fmt.Errorf("failed to append context: %w", err)
	}
	return nil
}

func (w *Workspace) ReadContext() (string, error) {
	data, err := os.ReadFile(w.contextPath())
	if err != nil {
		return "", fmt.Errorf("failed to read context.md: %w", err)
	}
	return string(data), nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// WriteTaskOutput stores a task's output as tasks/NN-name.md and returns
// the file path.
func (w *Workspace) WriteTaskOutput(seq int, name, output string) (string, error) {
	slug := strings.Trim(unsafeName.ReplaceAllString(name, "-"), "-")
	path := filepath.Join(w.Path, "tasks", fmt.Sprintf("%02d-%s.md", seq, slug))
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return "", fmt.Errorf("failed to write task output: %w", err)
	}
	return path, nil
}

// WriteResult stores v as indented JSON in result.json.
func (w *Workspace) WriteResult(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.Path, "result.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write result.json: %w", err)
	}
	return nil
}

// ReadResult returns the raw contents of result.json.
func (w *Workspace) ReadResult() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "result.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read result.json: %w", err)
	}
	return data, nil
}

func (w *Workspace) WriteReport(markdown string) error {
	if err := os.WriteFile(filepath.Join(w.Path, "report.md"), []byte(markdown), 0644); err != nil {
		return fmt.Errorf("failed to write report.md: %w", err)
	}
	return nil
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.Path, "run.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}
