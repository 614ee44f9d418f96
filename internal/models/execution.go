package models

import "time"

type ExecStatus string

const (
	ExecStatusPending  ExecStatus = "pending"
	ExecStatusRunning  ExecStatus = "running"
	ExecStatusComplete ExecStatus = "complete"
	ExecStatusFailed   ExecStatus = "failed"
)

// Execution is one agent invocation inside a run: a crew task, a research
// graph node or a Lua run() call.
type Execution struct {
	ID          int64
	RunID       int64
	AgentName   string
	TaskName    string
	Status      ExecStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Output      string
	Error       string
	SequenceNum int
	CallIndex   int    // position in Lua script execution (for Lua workflows)
	Prompt      string // prompt passed to this specific run() call
	TokensIn    int64
	TokensOut   int64
}

// Duration returns the wall time of a finished execution, or zero.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}
