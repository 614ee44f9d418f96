package tui

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/testutil"
)

func newTestApp(t *testing.T) (*App, *orchestrator.Orchestrator) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := orchestrator.New(store, filepath.Join(dir, "workspaces"), testutil.NewReasoner())
	crews := map[string]*models.CrewSpec{
		"content":  {Name: "content", Description: "Articles", Inputs: []string{"topic"}},
		"clinical": {Name: "clinical", Inputs: []string{"topic", "population"}},
	}
	return NewApp(context.Background(), orch, crews), orch
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// send applies msg and then runs the returned command once, feeding its
// message back in.
func send(a *App, msg tea.Msg) {
	_, cmd := a.Update(msg)
	if cmd == nil {
		return
	}
	if next := cmd(); next != nil {
		if _, ok := next.(tickMsg); !ok {
			a.Update(next)
		}
	}
}

func TestRunListAndDetail(t *testing.T) {
	a, orch := newTestApp(t)
	run, err := orch.StartResearch("remote work")
	require.NoError(t, err)

	a.Update(a.loadRuns())
	require.Len(t, a.runs, 1)
	assert.Contains(t, a.View(), "remote work")
	assert.Contains(t, a.View(), "pending")

	send(a, key("enter"))
	assert.Equal(t, ViewRunDetail, a.view)
	require.NotNil(t, a.selectedRun)
	assert.Equal(t, run.ID, a.selectedRun.ID)
	assert.Contains(t, a.View(), "(no executions yet)")

	send(a, key("c"))
	assert.Equal(t, ViewOutput, a.view)
	assert.Contains(t, a.View(), "Research: remote work")

	send(a, key("esc"))
	assert.Equal(t, ViewRunDetail, a.view)
	send(a, key("esc"))
	assert.Equal(t, ViewRunList, a.view)
}

func TestKillAndDelete(t *testing.T) {
	a, orch := newTestApp(t)
	_, err := orch.StartResearch("x")
	require.NoError(t, err)
	a.Update(a.loadRuns())

	send(a, key("x"))
	// runKilledMsg reloads the list.
	a.Update(a.loadRuns())
	assert.Equal(t, models.RunStatusFailed, a.runs[0].Status)

	send(a, key("d"))
	a.Update(a.loadRuns())
	assert.Empty(t, a.runs)
}

func TestNewRunSelection(t *testing.T) {
	a, _ := newTestApp(t)
	send(a, key("n"))
	assert.Equal(t, ViewNewRun, a.view)
	assert.Contains(t, a.View(), "clinical")

	send(a, key("j"))
	assert.Equal(t, 1, a.selectedCrew)
	send(a, key("enter"))
	assert.True(t, a.typing)
	assert.Equal(t, "topic=...", a.input.Placeholder)

	send(a, key("esc"))
	assert.False(t, a.typing)
	send(a, key("esc"))
	assert.Equal(t, ViewRunList, a.view)
}

func TestExecutionOutput(t *testing.T) {
	a, _ := newTestApp(t)
	msg := showExecution(&models.Execution{AgentName: "writer", TaskName: "write", Output: "draft", Error: "boom"})()
	a.Update(msg)
	assert.Equal(t, ViewOutput, a.view)
	view := a.View()
	assert.Contains(t, view, "write (writer)")
	assert.Contains(t, view, "draft")
	assert.Contains(t, view, "Error: boom")
}

func TestParseInputLine(t *testing.T) {
	single := &models.CrewSpec{Inputs: []string{"topic"}}
	multi := &models.CrewSpec{Inputs: []string{"topic", "population"}}

	prompt, inputs := ParseInputLine("topic=sleep population=adults", multi)
	assert.Empty(t, prompt)
	assert.Equal(t, map[string]string{"topic": "sleep", "population": "adults"}, inputs)

	prompt, inputs = ParseInputLine("  sleep apnea  ", single)
	assert.Equal(t, "sleep apnea", prompt)
	assert.Equal(t, map[string]string{"topic": "sleep apnea"}, inputs)

	prompt, inputs = ParseInputLine("write something", multi)
	assert.Equal(t, "write something", prompt)
	assert.Nil(t, inputs)

	prompt, inputs = ParseInputLine("", single)
	assert.Empty(t, prompt)
	assert.Nil(t, inputs)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "1m5s", formatDuration(65*time.Second))
	assert.Equal(t, "2h3m", formatDuration(2*time.Hour+3*time.Minute))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
	assert.Equal(t, "a b", truncate("a\nb", 7))
	assert.Equal(t, "now", formatAge(time.Now()))
}
