package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/testutil"
	"github.com/mpataki/crew/internal/tools"
)

type echoTool struct {
	err error
}

func (e *echoTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: "echo", Description: "echo input"}
}

func (e *echoTool) Call(_ context.Context, input json.RawMessage) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "echo:" + string(input), nil
}

var researcher = &models.AgentSpec{
	Name:      "researcher",
	Role:      "Senior Researcher",
	Goal:      "Find facts",
	Backstory: "You read a lot.",
	Tools:     []string{"echo"},
}

func toolCall(id, name, input string) *llm.Response {
	return &llm.Response{
		StopReason: "tool_use",
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Input: json.RawMessage(input)}},
		Usage:      llm.Usage{InputTokens: 3, OutputTokens: 2},
	}
}

func TestExecuteWithoutTools(t *testing.T) {
	r := testutil.NewReasoner("final answer")
	a := New(researcher, r, nil)

	res, err := a.Execute(context.Background(), "do it")
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Output)
	assert.Equal(t, 1, res.Iterations)

	reqs := r.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "You are Senior Researcher.")
	assert.Equal(t, "do it", reqs[0].Messages[0].Content)
}

func TestExecuteToolLoop(t *testing.T) {
	r := testutil.NewReasoner()
	r.Push(toolCall("t1", "echo", `{"q":1}`))
	r.Push(&llm.Response{Content: "done", Usage: llm.Usage{InputTokens: 4, OutputTokens: 1}})

	a := New(researcher, r, []tools.Tool{&echoTool{}})
	res, err := a.Execute(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, llm.Usage{InputTokens: 7, OutputTokens: 3}, res.Usage)

	reqs := r.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	assert.Equal(t, []llm.ToolResult{{CallID: "t1", Content: `echo:{"q":1}`}}, second[2].ToolResults)
}

func TestToolErrorsAreReturnedToReasoner(t *testing.T) {
	r := testutil.NewReasoner()
	r.Push(toolCall("t1", "echo", `{}`), toolCall("t2", "missing", `{}`))
	r.Push(&llm.Response{Content: "recovered"})

	a := New(researcher, r, []tools.Tool{&echoTool{err: errors.New("boom")}})
	res, err := a.Execute(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Output)

	reqs := r.Requests()
	first := reqs[1].Messages[2].ToolResults[0]
	assert.True(t, first.IsError)
	assert.Equal(t, "boom", first.Content)

	second := reqs[2].Messages[4].ToolResults[0]
	assert.True(t, second.IsError)
	assert.Contains(t, second.Content, `unknown tool "missing"`)
}

func TestExecuteMaxIterations(t *testing.T) {
	spec := *researcher
	spec.MaxIterations = 2
	r := testutil.NewReasoner()
	r.Push(toolCall("a", "echo", `{}`), toolCall("b", "echo", `{}`), toolCall("c", "echo", `{}`))

	_, err := New(&spec, r, []tools.Tool{&echoTool{}}).Execute(context.Background(), "loop")
	require.ErrorIs(t, err, ErrMaxIterations)
	assert.Len(t, r.Requests(), 2)
}

func TestExecuteReasonerError(t *testing.T) {
	a := New(researcher, testutil.NewReasoner(), nil)
	_, err := a.Execute(context.Background(), "x")
	assert.ErrorIs(t, err, testutil.ErrNoReply)
	assert.Equal(t, "researcher", a.Name())
}

func TestBuildAll(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&echoTool{})
	writer := &models.AgentSpec{Name: "writer", Role: "Writer"}

	agents, err := BuildAll(map[string]*models.AgentSpec{"researcher": researcher, "writer": writer}, testutil.NewReasoner(), registry)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
	assert.Equal(t, "writer", agents["writer"].Name())

	_, err = BuildAll(map[string]*models.AgentSpec{"researcher": researcher}, testutil.NewReasoner(), tools.NewRegistry())
	assert.ErrorContains(t, err, "agent researcher")
}
