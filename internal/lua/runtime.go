// Package lua runs scripted crew workflows. A crew's workflow.lua defines
// workflow(prompt) and drives the crew's agents through run(); every run()
// call is recorded by call index so a resumed script replays finished calls
// instead of repeating them.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/crew/internal/agent"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/workspace"
)

const (
	statusDone  = "DONE"
	statusError = "ERROR"
)

// Runtime executes Lua workflow scripts in a sandboxed environment
type Runtime struct {
	storage   *storage.Storage
	run       *models.Run
	ws        *workspace.Workspace
	agents    map[string]*agent.Agent
	logger    *slog.Logger
	ctx       context.Context
	callIndex int
	logs      []string
	previous  []string

	// stuckReason is set when stuck() is called
	stuckReason string
	isStuck     bool
}

type Option func(*Runtime)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime creates a runtime for one run. agents are the crew's agents
// keyed by name; scripts may only call those.
func NewRuntime(store *storage.Storage, run *models.Run, ws *workspace.Workspace, agents map[string]*agent.Agent, opts ...Option) *Runtime {
	r := &Runtime{
		storage: store,
		run:     run,
		ws:      ws,
		agents:  agents,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the script's workflow function with prompt and records the
// final run status. A script that calls stuck() ends the run as stuck
// without returning an error.
func (r *Runtime) Execute(ctx context.Context, scriptPath, prompt string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	r.ctx = ctx
	r.callIndex = 0
	r.previous = nil

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return r.markFailed(fmt.Errorf("failed to load script: %w", err))
	}

	workflow := L.GetGlobal("workflow")
	if workflow.Type() != lua.LTFunction {
		return r.markFailed(errors.New("script must define a 'workflow' function"))
	}

	L.Push(workflow)
	L.Push(lua.LString(prompt))
	err = L.PCall(1, 0, nil)

	if r.isStuck {
		return r.markStuck()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.markFailed(ctxErr)
		}
		return r.markFailed(fmt.Errorf("workflow execution failed: %w", err))
	}
	return r.markComplete()
}

// openSafeLibs loads base, table, string and math without the functions
// that touch the filesystem or make a replay diverge.
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("run", L.NewFunction(r.luaRun))
	L.SetGlobal("stuck", L.NewFunction(r.luaStuck))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaRun implements run(agent, prompt?). It returns a table with status
// DONE and output, or status ERROR and reason.
func (r *Runtime) luaRun(L *lua.LState) int {
	name := L.CheckString(1)
	prompt := L.OptString(2, "")

	a, ok := r.agents[name]
	if !ok {
		L.RaiseError("unknown agent %q", name)
		return 0
	}

	r.callIndex++

	exec, err := r.storage.GetExecutionByCallIndex(r.run.ID, r.callIndex)
	if err != nil {
		L.RaiseError("failed to check execution cache: %v", err)
		return 0
	}

	if exec != nil && exec.AgentName != name {
		r.logf("WARNING: determinism violation at call %d: expected %s, got %s", r.callIndex, exec.AgentName, name)
		if err := r.storage.InvalidateExecutionsAfterIndex(r.run.ID, r.callIndex-1); err != nil {
			L.RaiseError("failed to invalidate executions: %v", err)
			return 0
		}
		exec = nil
	}

	var result map[string]string
	switch {
	case exec != nil && exec.Status == models.ExecStatusComplete:
		r.logger.Debug("replaying cached call", "run", r.run.ID, "call", r.callIndex, "agent", name)
		result = map[string]string{"status": statusDone, "output": exec.Output}
	default:
		if exec == nil {
			exec = &models.Execution{
				RunID:     r.run.ID,
				AgentName: name,
				Status:    models.ExecStatusPending,
				CallIndex: r.callIndex,
				Prompt:    prompt,
			}
			if exec.ID, err = r.storage.CreateExecution(exec); err != nil {
				L.RaiseError("failed to record execution: %v", err)
				return 0
			}
		}
		result, err = r.runAgent(a, prompt, exec)
		if err != nil {
			L.RaiseError("failed to run agent: %v", err)
			return 0
		}
	}

	if result["status"] == statusDone {
		r.previous = append(r.previous, result["output"])
	}

	tbl := L.NewTable()
	for k, v := range result {
		L.SetField(tbl, k, lua.LString(v))
	}
	L.Push(tbl)
	return 1
}

// runAgent executes a and records the outcome on exec. Agent failures are
// reported to the script; storage failures and cancellation are returned.
func (r *Runtime) runAgent(a *agent.Agent, prompt string, exec *models.Execution) (map[string]string, error) {
	r.run.CurrentAgent = a.Name()
	if err := r.storage.UpdateRun(r.run); err != nil {
		return nil, err
	}

	meta := &workspace.RunMetadata{
		RunID:          r.run.ID,
		Kind:           string(r.run.Kind),
		SpecName:       r.run.SpecName,
		InitialPrompt:  r.run.InitialPrompt,
		CurrentAgent:   a.Name(),
		Iteration:      r.callIndex,
		PreviousAgents: r.previousAgents(),
	}
	if err := r.ws.WriteRunMetadata(meta); err != nil {
		return nil, err
	}

	now := time.Now()
	exec.StartedAt = &now
	exec.CompletedAt = nil
	exec.Status = models.ExecStatusRunning
	exec.Output = ""
	exec.Error = ""
	if err := r.storage.UpdateExecution(exec); err != nil {
		return nil, err
	}

	r.logger.Info("agent started", "run", r.run.ID, "call", r.callIndex, "agent", a.Name())
	res, runErr := a.Execute(r.ctx, r.buildAgentPrompt(prompt))

	completedAt := time.Now()
	exec.CompletedAt = &completedAt
	if res != nil {
		exec.TokensIn = res.Usage.InputTokens
		exec.TokensOut = res.Usage.OutputTokens
	}

	if runErr != nil {
		exec.Status = models.ExecStatusFailed
		exec.Error = runErr.Error()
		if err := r.storage.UpdateExecution(exec); err != nil {
			return nil, err
		}
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("agent failed", "run", r.run.ID, "agent", a.Name(), "error", runErr)
		return map[string]string{"status": statusError, "reason": runErr.Error()}, nil
	}

	exec.Status = models.ExecStatusComplete
	exec.Output = res.Output
	if err := r.storage.UpdateExecution(exec); err != nil {
		return nil, err
	}
	if err := r.ws.AppendContext(a.Name(), "", res.Output); err != nil {
		return nil, err
	}

	return map[string]string{"status": statusDone, "output": res.Output}, nil
}

func (r *Runtime) previousAgents() []string {
	execs, err := r.storage.GetExecutionsForRun(r.run.ID)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range execs {
		if e.CallIndex < r.callIndex && e.Status == models.ExecStatusComplete {
			names = append(names, e.AgentName)
		}
	}
	return names
}

// buildAgentPrompt falls back to the run's prompt and appends the outputs
// of earlier run() calls.
func (r *Runtime) buildAgentPrompt(prompt string) string {
	result := prompt
	if result == "" {
		result = r.run.InitialPrompt
	}
	if len(r.previous) > 0 {
		result += "\n\nThis is the context you're working with:\n" + strings.Join(r.previous, "\n\n----------\n\n")
	}
	return result
}

// luaStuck implements stuck(reason?)
func (r *Runtime) luaStuck(L *lua.LState) int {
	r.stuckReason = L.OptString(1, "workflow stuck")
	r.isStuck = true
	L.RaiseError("stuck: %s", r.stuckReason)
	return 0
}

// luaContext implements context()
func (r *Runtime) luaContext(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "run_id", lua.LNumber(r.run.ID))
	L.SetField(tbl, "workspace", lua.LString(r.ws.Path))
	L.SetField(tbl, "iteration", lua.LNumber(r.callIndex))
	L.SetField(tbl, "prompt", lua.LString(r.run.InitialPrompt))

	inputs := L.NewTable()
	for k, v := range r.run.Inputs {
		L.SetField(inputs, k, lua.LString(v))
	}
	L.SetField(tbl, "inputs", inputs)

	L.Push(tbl)
	return 1
}

// luaLog implements log(message)
func (r *Runtime) luaLog(L *lua.LState) int {
	r.logf("%s", L.CheckString(1))
	return 0
}

func (r *Runtime) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.logs = append(r.logs, msg)
	r.logger.Info("lua", "run", r.run.ID, "message", msg)
}

func (r *Runtime) markComplete() error {
	now := time.Now()
	r.run.Status = models.RunStatusComplete
	r.run.CompletedAt = &now
	r.run.CurrentAgent = ""
	return r.storage.UpdateRun(r.run)
}

func (r *Runtime) markStuck() error {
	now := time.Now()
	r.run.Status = models.RunStatusStuck
	r.run.CompletedAt = &now
	r.run.Error = r.stuckReason
	return r.storage.UpdateRun(r.run)
}

// markFailed records err on the run and returns it.
func (r *Runtime) markFailed(err error) error {
	now := time.Now()
	r.run.Status = models.RunStatusFailed
	r.run.CompletedAt = &now
	r.run.Error = err.Error()
	if uerr := r.storage.UpdateRun(r.run); uerr != nil {
		return errors.Join(err, uerr)
	}
	return err
}

// GetLogs returns the messages logged during execution
func (r *Runtime) GetLogs() []string {
	return r.logs
}

// IsLuaSpec checks if a file is a Lua script
func IsLuaSpec(path string) bool {
	return filepath.Ext(path) == ".lua"
}
