package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/crew/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStuck    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	kindStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewNewRun:
		return a.viewNewRun()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

func (a *App) viewRunList() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Crew") + "\n\n")

	if a.err != nil {
		fmt.Fprintf(&b, "%s\n", statusFailed.Render("Error: "+a.err.Error()))
	}
	if a.notice != "" {
		b.WriteString(dimStyle.Render(a.notice) + "\n")
	}

	if len(a.runs) == 0 {
		b.WriteString("No runs yet. Press 'n' to start one.\n")
	} else {
		b.WriteString("Recent Runs\n")
		b.WriteString("───────────\n")

		for i, run := range a.runs {
			line := formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Finished() && run.Status != models.RunStatusStuck:
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("[enter] view  [n] new  [x] kill  [d] delete  [r] refresh  [q] quit"))
	return b.String()
}

func formatRunLine(run *models.Run) string {
	return fmt.Sprintf("#%-3d %-9s %-18s %s  %-4s  %s",
		run.ID, kindStyle.Render(string(run.Kind)), truncate(run.SpecName, 18),
		formatStatus(run.Status), formatAge(run.CreatedAt), truncate(run.InitialPrompt, 35))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusStuck:
		return statusStuck.Render("⚠ stuck")
	case models.RunStatusPending:
		return statusPending.Render("○ pending")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}
	run := a.selectedRun

	var b strings.Builder
	header := fmt.Sprintf("Run #%d: %s", run.ID, run.SpecName)
	b.WriteString(titleStyle.Render(header) + "  " + formatStatus(run.Status) + "\n\n")
	b.WriteString(run.InitialPrompt + "\n\n")

	b.WriteString(labelStyle.Render("Kind: ") + kindStyle.Render(string(run.Kind)) + "\n")
	b.WriteString(labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n")
	if run.Error != "" {
		b.WriteString(labelStyle.Render("Error: ") + statusFailed.Render(truncate(run.Error, 200)) + "\n")
	}
	b.WriteString("\n")

	b.WriteString("Executions\n")
	b.WriteString("──────────\n")

	if len(a.executions) == 0 {
		b.WriteString("(no executions yet)\n")
	}

	var tokensIn, tokensOut int64
	for i, exec := range a.executions {
		tokensIn += exec.TokensIn
		tokensOut += exec.TokensOut

		line := formatExecLine(exec)
		if i == a.selectedExecIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}
	if tokensIn+tokensOut > 0 {
		b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("tokens: %d in / %d out", tokensIn, tokensOut)) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("[↑/↓] select  [enter] output  [c] context  [r] resume  [x] kill  [esc] back"))
	return b.String()
}

// formatExecLine renders "3. writer   write      ✓   12s".
func formatExecLine(exec *models.Execution) string {
	status := "○"
	switch exec.Status {
	case models.ExecStatusComplete:
		status = statusComplete.Render("✓")
	case models.ExecStatusRunning:
		status = statusRunning.Render("●")
	case models.ExecStatusFailed:
		status = statusFailed.Render("✗")
	}

	duration := ""
	switch {
	case exec.StartedAt != nil && exec.CompletedAt != nil:
		duration = dimStyle.Render(formatDuration(exec.Duration()))
	case exec.StartedAt != nil && exec.Status == models.ExecStatusRunning:
		duration = statusRunning.Render(formatDuration(time.Since(*exec.StartedAt)) + "...")
	}

	line := fmt.Sprintf("%d. %-12s %-18s %s", exec.SequenceNum, truncate(exec.AgentName, 12), truncate(exec.TaskName, 18), status)
	if duration != "" {
		line += "  " + fmt.Sprintf("%6s", duration)
	}
	return line
}

func (a *App) viewNewRun() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("New Run") + "\n\n")

	if len(a.crewNames) == 0 {
		b.WriteString("  (no crews found)\n")
	}
	for i, name := range a.crewNames {
		line := name
		if desc := a.crews[name].Description; desc != "" {
			line += "  " + dimStyle.Render(truncate(desc, 50))
		}
		if i == a.selectedCrew {
			line = selectedStyle.Render("▶ " + name)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	if a.typing {
		b.WriteString("\n" + a.input.View() + "\n")
		b.WriteString("\n" + helpStyle.Render("[enter] start  [esc] back"))
	} else {
		b.WriteString("\n" + helpStyle.Render("[↑/↓] select  [enter] choose  [esc] cancel"))
	}
	return b.String()
}

func (a *App) viewOutput() string {
	return titleStyle.Render(a.outputTitle) + "\n\n" +
		a.output.View() + "\n" +
		helpStyle.Render(fmt.Sprintf("[↑/↓] scroll  [esc] back  %3.f%%", a.output.ScrollPercent()*100))
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
