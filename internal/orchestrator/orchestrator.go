// Package orchestrator owns the run lifecycle: it creates run records and
// workspaces, drives crews, Lua workflows, research and ingestion, and
// persists every agent execution as it happens.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/crew/internal/agent"
	"github.com/mpataki/crew/internal/crew"
	"github.com/mpataki/crew/internal/ingest"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/lua"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/research"
	"github.com/mpataki/crew/internal/spec"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/tools"
	"github.com/mpataki/crew/internal/workspace"
)

// ErrKilled is the cause recorded on runs stopped by KillRun.
var ErrKilled = errors.New("run killed")

// ErrNoReasoner is returned when a run is executed without a model client.
var ErrNoReasoner = errors.New("no reasoning service configured (set ANTHROPIC_API_KEY)")

type Orchestrator struct {
	storage      *storage.Storage
	workspaceDir string
	reasoner     llm.Reasoner
	registry     *tools.Registry
	web, wiki    tools.Searcher
	pipeline     *ingest.Pipeline
	research     research.Config
	logger       *slog.Logger
	maxTokens    int64

	mu      sync.Mutex
	cancels map[int64]context.CancelCauseFunc
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMaxTokens(n int64) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithRegistry sets the tools crew agents may use.
func WithRegistry(r *tools.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithSearchers sets the research graph's web and encyclopedia sources.
func WithSearchers(web, wiki tools.Searcher) Option {
	return func(o *Orchestrator) { o.web, o.wiki = web, wiki }
}

func WithResearchConfig(cfg research.Config) Option {
	return func(o *Orchestrator) { o.research = cfg }
}

func WithIngestPipeline(p *ingest.Pipeline) Option {
	return func(o *Orchestrator) { o.pipeline = p }
}

func New(store *storage.Storage, workspaceDir string, reasoner llm.Reasoner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:      store,
		workspaceDir: workspaceDir,
		reasoner:     reasoner,
		registry:     tools.NewRegistry(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		cancels:      make(map[int64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRun records a pending crew run and creates its workspace. Crews with
// a workflow.lua become Lua runs. A free-text prompt fills the crew's only
// input when no inputs are given, and an empty prompt is derived from
// inputs. Invalid crews and missing inputs are refused before anything is
// recorded.
func (o *Orchestrator) StartRun(c *models.CrewSpec, prompt string, inputs map[string]string) (*models.Run, error) {
	if err := checkCrew(c); err != nil {
		return nil, err
	}
	inputs = crew.BindInputs(c, prompt, inputs)
	if err := crew.CheckInputs(c, inputs); err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = DescribeInputs(inputs)
	}
	run := &models.Run{
		Kind:          models.RunKindCrew,
		InitialPrompt: prompt,
		Inputs:        inputs,
		SpecName:      c.Name,
		SpecPath:      c.Dir,
		Status:        models.RunStatusPending,
	}
	if c.Script != "" {
		run.Kind = models.RunKindLua
		run.SpecPath = c.Script
	}
	return o.startRun(run, c.Name)
}

// StartResearch records a pending research run on topic.
func (o *Orchestrator) StartResearch(topic string) (*models.Run, error) {
	return o.startRun(&models.Run{
		Kind:          models.RunKindResearch,
		InitialPrompt: topic,
		SpecName:      "research",
		Status:        models.RunStatusPending,
	}, "Research: "+topic)
}

// StartIngest records a pending ingestion run over ids.
func (o *Orchestrator) StartIngest(ids []int64) (*models.Run, error) {
	if len(ids) == 0 {
		return nil, errors.New("no template ids to ingest")
	}
	inputs := encodeIDs(ids)
	return o.startRun(&models.Run{
		Kind:          models.RunKindIngest,
		InitialPrompt: DescribeInputs(inputs),
		Inputs:        inputs,
		SpecName:      "ingest",
		Status:        models.RunStatusPending,
	}, "Ingest n8n templates")
}

func (o *Orchestrator) startRun(run *models.Run, title string) (*models.Run, error) {
	runID, err := o.storage.CreateRun(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	run.ID = runID

	ws, err := workspace.Create(o.workspaceDir, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	run.WorkspacePath = ws.Path
	if err := o.storage.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("failed to update run with workspace path: %w", err)
	}

	if err := ws.InitContext(title, run.InitialPrompt); err != nil {
		return nil, fmt.Errorf("failed to initialize context: %w", err)
	}
	if err := ws.WriteRunMetadata(&workspace.RunMetadata{
		RunID:         run.ID,
		Kind:          string(run.Kind),
		SpecName:      run.SpecName,
		InitialPrompt: run.InitialPrompt,
		Inputs:        run.Inputs,
	}); err != nil {
		return nil, err
	}

	return run, nil
}

// Execute drives run to completion according to its kind. c is required
// for crew and Lua runs and ignored otherwise.
func (o *Orchestrator) Execute(ctx context.Context, run *models.Run, c *models.CrewSpec) error {
	switch run.Kind {
	case models.RunKindCrew:
		_, err := o.RunCrew(ctx, run, c)
		return err
	case models.RunKindLua:
		return o.RunLua(ctx, run, c)
	case models.RunKindResearch:
		_, err := o.RunResearch(ctx, run)
		return err
	case models.RunKindIngest:
		ids, err := DecodeIDs(run.Inputs)
		if err != nil {
			return err
		}
		_, err = o.RunIngest(ctx, run, ids)
		return err
	default:
		return fmt.Errorf("unknown run kind %q", run.Kind)
	}
}

// begin marks run as running and returns a context KillRun can cancel.
func (o *Orchestrator) begin(ctx context.Context, run *models.Run) (*workspace.Workspace, context.Context, func(), error) {
	if o.reasoner == nil {
		return nil, nil, nil, ErrNoReasoner
	}
	ws, err := workspace.Open(o.workspaceDir, run.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	run.Status = models.RunStatusRunning
	run.CompletedAt = nil
	run.Error = ""
	if err := o.storage.UpdateRun(run); err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.cancels[run.ID] = cancel
	o.mu.Unlock()

	done := func() {
		o.mu.Lock()
		delete(o.cancels, run.ID)
		o.mu.Unlock()
		cancel(nil)
	}
	return ws, ctx, done, nil
}

// finish records the terminal state of run and returns err.
func (o *Orchestrator) finish(ctx context.Context, run *models.Run, err error) error {
	if err != nil && context.Cause(ctx) != nil {
		err = context.Cause(ctx)
	}
	now := time.Now()
	run.CompletedAt = &now
	run.CurrentAgent = ""
	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		o.logger.Error("run failed", "run", run.ID, "kind", run.Kind, "error", err)
		if ferr := o.storage.FailRunningExecutions(run.ID, err.Error()); ferr != nil {
			o.logger.Warn("failed to close executions", "run", run.ID, "error", ferr)
		}
	} else {
		run.Status = models.RunStatusComplete
		o.logger.Info("run completed", "run", run.ID, "kind", run.Kind)
	}
	if uerr := o.storage.UpdateRun(run); uerr != nil {
		return errors.Join(err, fmt.Errorf("failed to update run: %w", uerr))
	}
	return err
}

func checkCrew(c *models.CrewSpec) error {
	if c == nil {
		return errors.New("crew spec is required")
	}
	if err := spec.Validate(c); err != nil {
		return fmt.Errorf("invalid crew %s: %w", c.Name, err)
	}
	return nil
}

// reject fails run without executing it.
func (o *Orchestrator) reject(run *models.Run, err error) error {
	return o.finish(context.Background(), run, err)
}

// RunCrew executes a crew's tasks. Tasks already completed by an earlier
// attempt of the same run are replayed from storage.
func (o *Orchestrator) RunCrew(ctx context.Context, run *models.Run, c *models.CrewSpec) (*crew.Outcome, error) {
	if err := checkCrew(c); err != nil {
		return nil, o.reject(run, err)
	}
	prior, err := o.completedTasks(run.ID)
	if err != nil {
		return nil, err
	}

	ws, ctx, done, err := o.begin(ctx, run)
	if err != nil {
		return nil, err
	}
	defer done()

	var current *models.Execution
	hooks := crew.Hooks{
		OnTaskStart: func(task *models.TaskSpec, prompt string) error {
			now := time.Now()
			current = &models.Execution{
				RunID:     run.ID,
				AgentName: task.Agent,
				TaskName:  task.Name,
				Status:    models.ExecStatusRunning,
				StartedAt: &now,
				Prompt:    prompt,
			}
			id, err := o.storage.CreateExecution(current)
			if err != nil {
				return fmt.Errorf("failed to record execution: %w", err)
			}
			current.ID = id

			run.CurrentAgent = task.Agent
			if err := o.storage.UpdateRun(run); err != nil {
				return err
			}
			return ws.WriteRunMetadata(&workspace.RunMetadata{
				RunID:         run.ID,
				Kind:          string(run.Kind),
				SpecName:      run.SpecName,
				InitialPrompt: run.InitialPrompt,
				Inputs:        run.Inputs,
				CurrentAgent:  task.Agent,
				Iteration:     current.SequenceNum,
			})
		},
		OnTaskDone: func(task *models.TaskSpec, out *crew.TaskOutput, err error) {
			o.completeExecution(current, out.Output, out.Usage, err)
			if out.Output == "" {
				return
			}
			if _, werr := ws.WriteTaskOutput(current.SequenceNum, task.Name, out.Output); werr != nil {
				o.logger.Warn("failed to write task output", "run", run.ID, "task", task.Name, "error", werr)
			}
			if werr := ws.AppendContext(task.Agent, task.Name, out.Output); werr != nil {
				o.logger.Warn("failed to append context", "run", run.ID, "task", task.Name, "error", werr)
			}
		},
	}

	runner := crew.NewRunner(o.reasoner, o.registry,
		crew.WithLogger(o.logger),
		crew.WithMaxTokens(o.maxTokens),
		crew.WithHooks(hooks),
		crew.WithPrior(prior),
	)
	outcome, err := runner.Run(ctx, c, run.Inputs)
	if err == nil && outcome.Result != nil {
		err = ws.WriteResult(outcome.Result)
	}
	return outcome, o.finish(ctx, run, err)
}

func (o *Orchestrator) completedTasks(runID int64) (map[string]*crew.TaskOutput, error) {
	execs, err := o.storage.GetExecutionsForRun(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	prior := make(map[string]*crew.TaskOutput)
	for _, e := range execs {
		if e.TaskName == "" || e.Status != models.ExecStatusComplete {
			continue
		}
		out := &crew.TaskOutput{
			Task:     e.TaskName,
			Agent:    e.AgentName,
			Prompt:   e.Prompt,
			Output:   e.Output,
			Usage:    llm.Usage{InputTokens: e.TokensIn, OutputTokens: e.TokensOut},
			Duration: e.Duration(),
		}
		if e.StartedAt != nil {
			out.StartedAt = *e.StartedAt
		}
		prior[e.TaskName] = out
	}
	return prior, nil
}

func (o *Orchestrator) completeExecution(exec *models.Execution, output string, usage llm.Usage, err error) {
	if exec == nil {
		return
	}
	now := time.Now()
	exec.CompletedAt = &now
	exec.Output = output
	exec.TokensIn = usage.InputTokens
	exec.TokensOut = usage.OutputTokens
	exec.Status = models.ExecStatusComplete
	if err != nil {
		exec.Status = models.ExecStatusFailed
		exec.Error = err.Error()
	}
	if uerr := o.storage.UpdateExecution(exec); uerr != nil {
		o.logger.Warn("failed to update execution", "execution", exec.ID, "error", uerr)
	}
}

// RunLua executes the crew's workflow.lua. Finished run() calls of an
// earlier attempt are replayed by call index.
func (o *Orchestrator) RunLua(ctx context.Context, run *models.Run, c *models.CrewSpec) error {
	if err := checkCrew(c); err != nil {
		return o.reject(run, err)
	}
	if c.Script == "" {
		return o.reject(run, fmt.Errorf("crew %s has no workflow script", c.Name))
	}
	agents, err := agent.BuildAll(c.Agents, o.reasoner, o.registry,
		agent.WithLogger(o.logger), agent.WithMaxTokens(o.maxTokens))
	if err != nil {
		return err
	}

	ws, ctx, done, err := o.begin(ctx, run)
	if err != nil {
		return err
	}
	defer done()

	// The runtime records the run's terminal status itself.
	rt := lua.NewRuntime(o.storage, run, ws, agents, lua.WithLogger(o.logger))
	err = rt.Execute(ctx, c.Script, run.InitialPrompt)
	if logs := rt.GetLogs(); len(logs) > 0 {
		if lerr := ws.AppendContext("workflow", "log", strings.Join(logs, "\n")); lerr != nil {
			o.logger.Warn("failed to append workflow log", "run", run.ID, "error", lerr)
		}
	}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		if ferr := o.storage.FailRunningExecutions(run.ID, err.Error()); ferr != nil {
			o.logger.Warn("failed to close executions", "run", run.ID, "error", ferr)
		}
	}
	return err
}

// RunResearch runs the research graph on the run's prompt and stores the
// report in the workspace.
func (o *Orchestrator) RunResearch(ctx context.Context, run *models.Run) (*models.ResearchReport, error) {
	ws, ctx, done, err := o.begin(ctx, run)
	if err != nil {
		return nil, err
	}
	defer done()

	var mu sync.Mutex
	cfg := o.research
	userStep := cfg.OnStep
	cfg.Logger = o.logger
	cfg.MaxTokens = o.maxTokens
	cfg.OnStep = func(ev research.StepEvent) {
		name := ev.Analyst
		if name == "" {
			name = "research"
		}

		mu.Lock()
		defer mu.Unlock()
		if userStep != nil {
			userStep(ev)
		}
		now := time.Now()
		exec := &models.Execution{
			RunID:       run.ID,
			AgentName:   name,
			TaskName:    string(ev.State),
			Status:      models.ExecStatusComplete,
			StartedAt:   &now,
			CompletedAt: &now,
			Output:      ev.Output,
			TokensIn:    ev.Usage.InputTokens,
			TokensOut:   ev.Usage.OutputTokens,
		}
		if _, err := o.storage.CreateExecution(exec); err != nil {
			o.logger.Warn("failed to record research step", "run", run.ID, "state", ev.State, "error", err)
		}
		if ev.State == research.StateWriteSection {
			if err := ws.AppendContext(name, string(ev.State), ev.Output); err != nil {
				o.logger.Warn("failed to append context", "run", run.ID, "error", err)
			}
		}
	}

	report, err := research.New(o.reasoner, o.web, o.wiki, cfg).Run(ctx, run.InitialPrompt)
	if err == nil {
		err = ws.WriteReport(report.FinalReport)
	}
	if err == nil {
		err = ws.WriteResult(report)
	}
	return report, o.finish(ctx, run, err)
}

// RunIngest ingests the given template ids, recording one execution per id.
func (o *Orchestrator) RunIngest(ctx context.Context, run *models.Run, ids []int64) (ingest.Stats, error) {
	if o.pipeline == nil {
		return nil, errors.New("ingestion is not configured")
	}
	ws, ctx, done, err := o.begin(ctx, run)
	if err != nil {
		return nil, err
	}
	defer done()

	observe := func(id int64, res ingest.Result, err error) {
		now := time.Now()
		exec := &models.Execution{
			RunID:       run.ID,
			AgentName:   "ingest",
			TaskName:    fmt.Sprintf("template %d", id),
			Status:      models.ExecStatusComplete,
			StartedAt:   &now,
			CompletedAt: &now,
			Output:      string(res),
		}
		if err != nil {
			exec.Status = models.ExecStatusFailed
			exec.Error = err.Error()
		}
		if _, cerr := o.storage.CreateExecution(exec); cerr != nil {
			o.logger.Warn("failed to record ingestion", "run", run.ID, "template_id", id, "error", cerr)
		}
	}

	stats, err := o.pipeline.Observe(observe).Ingest(ctx, ids)
	if err == nil {
		err = ws.WriteResult(stats)
	}
	if err == nil {
		err = ws.AppendContext("ingest", "summary", FormatStats(stats))
	}
	return stats, o.finish(ctx, run, err)
}

// ResumeRun re-executes a run that did not complete. Crew runs skip tasks
// that already finished and Lua runs replay cached calls.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID int64) error {
	run, err := o.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status == models.RunStatusComplete {
		return fmt.Errorf("run %d is already complete", runID)
	}
	if o.isActive(runID) {
		return fmt.Errorf("run %d is already running", runID)
	}

	var c *models.CrewSpec
	switch run.Kind {
	case models.RunKindCrew:
		c, err = spec.Parse(run.SpecPath)
	case models.RunKindLua:
		c, err = spec.Parse(filepath.Dir(run.SpecPath))
	}
	if err != nil {
		return fmt.Errorf("failed to load crew %s: %w", run.SpecName, err)
	}
	o.logger.Info("resuming run", "run", run.ID, "kind", run.Kind)
	return o.Execute(ctx, run, c)
}

func (o *Orchestrator) isActive(runID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[runID]
	return ok
}

// Read methods for TUI

func (o *Orchestrator) ListRuns(limit int) ([]*models.Run, error) {
	return o.storage.ListRuns(limit)
}

func (o *Orchestrator) GetRun(id int64) (*models.Run, error) {
	return o.storage.GetRun(id)
}

func (o *Orchestrator) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	return o.storage.GetExecutionsForRun(runID)
}

// ReadContext returns the context log of a run's workspace.
func (o *Orchestrator) ReadContext(runID int64) (string, error) {
	ws, err := workspace.Open(o.workspaceDir, runID)
	if err != nil {
		return "", err
	}
	return ws.ReadContext()
}

// KillRun cancels a run executing in this process and marks the run and
// its running executions failed.
func (o *Orchestrator) KillRun(runID int64) error {
	run, err := o.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel(ErrKilled)
	}

	if err := o.storage.FailRunningExecutions(runID, ErrKilled.Error()); err != nil {
		return fmt.Errorf("failed to update executions: %w", err)
	}

	if run.Finished() {
		return nil
	}
	now := time.Now()
	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.Error = ErrKilled.Error()
	return o.storage.UpdateRun(run)
}

func (o *Orchestrator) DeleteRun(runID int64) error {
	run, err := o.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[runID]; ok {
		cancel(ErrKilled)
	}
	o.mu.Unlock()

	if run.WorkspacePath != "" {
		ws := &workspace.Workspace{Path: run.WorkspacePath}
		if err := ws.Remove(); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}

	return o.storage.DeleteRun(runID)
}

// DescribeInputs renders inputs as "k=v" pairs sorted by key.
func DescribeInputs(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+inputs[k])
	}
	return strings.Join(parts, ", ")
}

// FormatStats renders ingestion counts in a fixed order.
func FormatStats(stats ingest.Stats) string {
	order := []ingest.Result{
		ingest.ResultIngested, ingest.ResultRejected, ingest.ResultExisting,
		ingest.ResultMissing, ingest.ResultFailed,
	}
	parts := make([]string, 0, len(order))
	for _, r := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", r, stats[r]))
	}
	return strings.Join(parts, " ")
}

// encodeIDs stores a contiguous range as from/to and anything else as a
// comma separated list.
func encodeIDs(ids []int64) map[string]string {
	contiguous := true
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			contiguous = false
			break
		}
	}
	if contiguous {
		return map[string]string{
			"from": strconv.FormatInt(ids[0], 10),
			"to":   strconv.FormatInt(ids[len(ids)-1], 10),
		}
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return map[string]string{"ids": strings.Join(parts, ",")}
}

// DecodeIDs is the inverse of the inputs written by StartIngest.
func DecodeIDs(inputs map[string]string) ([]int64, error) {
	if list, ok := inputs["ids"]; ok {
		var ids []int64
		for _, part := range strings.Split(list, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid template id %q: %w", part, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	from, err := strconv.ParseInt(inputs["from"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range start: %w", err)
	}
	to, err := strconv.ParseInt(inputs["to"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range end: %w", err)
	}
	return ingest.IDRange(from, to), nil
}
