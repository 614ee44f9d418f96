package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusStuck    RunStatus = "stuck"
)

// RunKind identifies which pipeline produced a run.
type RunKind string

const (
	RunKindCrew     RunKind = "crew"
	RunKindLua      RunKind = "lua"
	RunKindResearch RunKind = "research"
	RunKindIngest   RunKind = "ingest"
)

type Run struct {
	ID            int64
	Kind          RunKind
	CreatedAt     time.Time
	CompletedAt   *time.Time
	InitialPrompt string
	Inputs        map[string]string
	SpecName      string
	SpecPath      string // set for Lua workflows
	WorkspacePath string
	Status        RunStatus
	CurrentAgent  string
	Error         string
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	switch r.Status {
	case RunStatusComplete, RunStatusFailed, RunStatusStuck:
		return true
	}
	return false
}
