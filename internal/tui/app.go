package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/crew/internal/crew"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewNewRun
	ViewOutput
)

const refreshInterval = 2 * time.Second

type App struct {
	ctx          context.Context
	orchestrator *orchestrator.Orchestrator
	crews        map[string]*models.CrewSpec
	crewNames    []string

	view            View
	runs            []*models.Run
	selectedIdx     int
	selectedRun     *models.Run
	executions      []*models.Execution
	selectedExecIdx int

	output      viewport.Model
	outputTitle string

	input        textinput.Model
	selectedCrew int
	typing       bool

	width  int
	height int
	notice string
	err    error
}

// NewApp builds the run browser. Runs started from the TUI execute in the
// background under ctx.
func NewApp(ctx context.Context, orch *orchestrator.Orchestrator, crews map[string]*models.CrewSpec) *App {
	names := make([]string, 0, len(crews))
	for name := range crews {
		names = append(names, name)
	}
	sort.Strings(names)

	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 2000

	return &App{
		ctx:          ctx,
		orchestrator: orch,
		crews:        crews,
		crewNames:    names,
		view:         ViewRunList,
		output:       viewport.New(80, 20),
		input:        input,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 1)
		a.input.Width = max(msg.Width-4, 10)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		switch {
		case a.view == ViewRunList && a.hasRunningRuns():
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.Status == models.RunStatusRunning:
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.executions = msg.executions
			if a.selectedExecIdx >= len(a.executions) {
				a.selectedExecIdx = max(len(a.executions)-1, 0)
			}
			a.view = ViewRunDetail
		}
		return a, nil

	case runStartedMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.notice = fmt.Sprintf("Started run #%d", msg.run.ID)
		a.view = ViewRunList
		a.selectedIdx = 0
		return a, tea.Batch(a.loadRuns, a.executeRun(msg.run, msg.crew))

	case runFinishedMsg:
		if msg.err != nil {
			a.notice = fmt.Sprintf("Run #%d failed: %v", msg.runID, msg.err)
		} else {
			a.notice = fmt.Sprintf("Run #%d finished", msg.runID)
		}
		if a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.ID == msg.runID {
			return a, tea.Batch(a.loadRuns, a.loadRunDetail(msg.runID))
		}
		return a, a.loadRuns

	case runKilledMsg:
		a.err = msg.err
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.runs)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadRuns

	case outputLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.outputTitle = msg.title
		a.output.SetContent(msg.content)
		a.output.GotoTop()
		a.view = ViewOutput
		return a, nil
	}

	if a.view == ViewNewRun && a.typing {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.currentRun(); run != nil {
			a.selectedExecIdx = 0
			return a, a.loadRunDetail(run.ID)
		}

	case "n":
		a.view = ViewNewRun
		a.typing = false
		a.err = nil

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.currentRun(); run != nil {
			return a, a.killRun(run.ID)
		}

	case "d":
		if run := a.currentRun(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) currentRun() *models.Run {
	if a.selectedIdx >= 0 && a.selectedIdx < len(a.runs) {
		return a.runs[a.selectedIdx]
	}
	return nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.executions = nil
		a.selectedExecIdx = 0
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedExecIdx > 0 {
			a.selectedExecIdx--
		}

	case "down", "j":
		if a.selectedExecIdx < len(a.executions)-1 {
			a.selectedExecIdx++
		}

	case "enter", "o":
		if a.selectedExecIdx < len(a.executions) {
			return a, showExecution(a.executions[a.selectedExecIdx])
		}

	case "c":
		if a.selectedRun != nil {
			return a, a.loadContext(a.selectedRun.ID)
		}

	case "r":
		if a.selectedRun != nil && a.selectedRun.Status != models.RunStatusComplete &&
			a.selectedRun.Status != models.RunStatusRunning {
			a.selectedRun.Status = models.RunStatusRunning
			return a, a.resumeRun(a.selectedRun.ID)
		}

	case "x":
		if a.selectedRun != nil {
			return a, tea.Sequence(a.killRun(a.selectedRun.ID), a.loadRunDetail(a.selectedRun.ID))
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.output.SetContent("")
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}

	if a.typing {
		switch msg.String() {
		case "esc":
			a.typing = false
			a.input.Blur()
			return a, nil
		case "enter":
			c := a.crews[a.crewNames[a.selectedCrew]]
			prompt, inputs := ParseInputLine(a.input.Value(), c)
			a.typing = false
			a.input.Blur()
			a.input.SetValue("")
			return a, a.startRun(c, prompt, inputs)
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "esc", "q":
		a.view = ViewRunList

	case "up", "k":
		if a.selectedCrew > 0 {
			a.selectedCrew--
		}

	case "down", "j":
		if a.selectedCrew < len(a.crewNames)-1 {
			a.selectedCrew++
		}

	case "enter":
		if len(a.crewNames) == 0 {
			return a, nil
		}
		c := a.crews[a.crewNames[a.selectedCrew]]
		a.input.Placeholder = inputPlaceholder(c)
		a.typing = true
		return a, a.input.Focus()
	}

	return a, nil
}

// ParseInputLine turns the new-run input line into a prompt and crew
// inputs. "k=v" fields become inputs; free text fills a crew's single
// input, or is used as the prompt.
func ParseInputLine(line string, c *models.CrewSpec) (string, map[string]string) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) > 0 {
		inputs := make(map[string]string, len(fields))
		for _, f := range fields {
			k, v, ok := strings.Cut(f, "=")
			if !ok || k == "" {
				inputs = nil
				break
			}
			inputs[k] = v
		}
		if inputs != nil {
			return "", inputs
		}
	}
	return line, crew.BindInputs(c, line, nil)
}

func inputPlaceholder(c *models.CrewSpec) string {
	if len(c.Inputs) == 0 {
		return "prompt"
	}
	parts := make([]string, len(c.Inputs))
	for i, in := range c.Inputs {
		parts[i] = in + "=..."
	}
	return strings.Join(parts, " ")
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run        *models.Run
	executions []*models.Execution
	err        error
}

type runStartedMsg struct {
	run  *models.Run
	crew *models.CrewSpec
	err  error
}

type runFinishedMsg struct {
	runID int64
	err   error
}

type runKilledMsg struct {
	runID int64
	err   error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

type outputLoadedMsg struct {
	title   string
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orchestrator.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		execs, err := a.orchestrator.GetExecutionsForRun(id)
		return runDetailMsg{run: run, executions: execs, err: err}
	}
}

func (a *App) startRun(c *models.CrewSpec, prompt string, inputs map[string]string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.orchestrator.StartRun(c, prompt, inputs)
		return runStartedMsg{run: run, crew: c, err: err}
	}
}

// executeRun blocks until the run ends; bubbletea runs it off the UI loop.
func (a *App) executeRun(run *models.Run, c *models.CrewSpec) tea.Cmd {
	return func() tea.Msg {
		err := a.orchestrator.Execute(a.ctx, run, c)
		return runFinishedMsg{runID: run.ID, err: err}
	}
}

func (a *App) resumeRun(id int64) tea.Cmd {
	return func() tea.Msg {
		err := a.orchestrator.ResumeRun(a.ctx, id)
		return runFinishedMsg{runID: id, err: err}
	}
}

func (a *App) killRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.orchestrator.KillRun(id); err != nil {
			return runKilledMsg{err: err}
		}
		return runKilledMsg{runID: id}
	}
}

func (a *App) deleteRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.orchestrator.DeleteRun(id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

func (a *App) loadContext(runID int64) tea.Cmd {
	return func() tea.Msg {
		content, err := a.orchestrator.ReadContext(runID)
		return outputLoadedMsg{title: fmt.Sprintf("Run #%d context", runID), content: content, err: err}
	}
}

func showExecution(exec *models.Execution) tea.Cmd {
	return func() tea.Msg {
		title := exec.AgentName
		if exec.TaskName != "" {
			title = exec.TaskName + " (" + exec.AgentName + ")"
		}
		content := exec.Output
		if content == "" {
			content = "(no output)"
		}
		if exec.Error != "" {
			content += "\n\nError: " + exec.Error
		}
		return outputLoadedMsg{title: title, content: content}
	}
}
