// Package agent runs a capability agent: a persona bound to a reasoning
// service and a set of tools, driven through a bounded tool-use loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/tools"
)

const DefaultMaxIterations = 5

// ErrMaxIterations is returned when the agent is still requesting tools
// after its iteration budget is spent.
var ErrMaxIterations = errors.New("agent exceeded max iterations")

type Agent struct {
	spec      *models.AgentSpec
	reasoner  llm.Reasoner
	tools     map[string]tools.Tool
	defs      []llm.ToolDefinition
	maxTokens int64
	logger    *slog.Logger
}

type Option func(*Agent)

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

func WithMaxTokens(n int64) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// Result is the outcome of one Execute call.
type Result struct {
	Output     string
	Usage      llm.Usage
	Iterations int
	ToolCalls  int
}

func New(spec *models.AgentSpec, r llm.Reasoner, toolset []tools.Tool, opts ...Option) *Agent {
	a := &Agent{
		spec:     spec,
		reasoner: r,
		tools:    make(map[string]tools.Tool, len(toolset)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, t := range toolset {
		def := t.Definition()
		a.tools[def.Name] = t
		a.defs = append(a.defs, def)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string {
	return a.spec.Name
}

// Execute sends prompt under the agent's persona and services tool calls
// until the reasoner ends its turn.
func (a *Agent) Execute(ctx context.Context, prompt string) (*Result, error) {
	maxIter := a.spec.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	res := &Result{}

	for res.Iterations < maxIter {
		res.Iterations++

		resp, err := a.reasoner.Complete(ctx, llm.Request{
			System:    a.spec.Persona(),
			Messages:  messages,
			Tools:     a.defs,
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return res, fmt.Errorf("agent %s: %w", a.spec.Name, err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			res.Output = resp.Content
			return res, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			res.ToolCalls++
			results = append(results, a.callTool(ctx, call))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	return res, fmt.Errorf("agent %s: %w (%d)", a.spec.Name, ErrMaxIterations, maxIter)
}

// callTool never fails the loop; errors go back to the reasoner as an
// error result so it can adjust.
func (a *Agent) callTool(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	t, ok := a.tools[call.Name]
	if !ok {
		a.logger.Warn("unknown tool requested", "agent", a.spec.Name, "tool", call.Name)
		return llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}

	a.logger.Debug("calling tool", "agent", a.spec.Name, "tool", call.Name)
	out, err := t.Call(ctx, call.Input)
	if err != nil {
		a.logger.Warn("tool failed", "agent", a.spec.Name, "tool", call.Name, "error", err)
		return llm.ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
	}
	return llm.ToolResult{CallID: call.ID, Content: out}
}

// BuildAll constructs one agent per spec, resolving each agent's tools
// against registry.
func BuildAll(specs map[string]*models.AgentSpec, r llm.Reasoner, registry *tools.Registry, opts ...Option) (map[string]*Agent, error) {
	agents := make(map[string]*Agent, len(specs))
	for name, spec := range specs {
		toolset, err := registry.Resolve(spec.Tools)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		agents[name] = New(spec, r, toolset, opts...)
	}
	return agents, nil
}
