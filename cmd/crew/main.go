package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/crew/internal/crew"
	"github.com/mpataki/crew/internal/ingest"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/spec"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "crew",
		Short:        "Multi-agent crew runner",
		Long:         "Crew runs teams of Claude agents through task pipelines, Lua workflows, research interviews and template ingestion.",
		RunE:         runTUI,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to crew.toml (default: $CREW_DATA_DIR/crew.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResearchCommand())
	rootCmd.AddCommand(newIngestCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newCrewsCommand())
	rootCmd.AddCommand(newWorkflowsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, setupOptions{})
	if err != nil {
		return err
	}
	defer e.close()

	crews, err := loadCrews(e)
	if err != nil {
		return err
	}

	app := tui.NewApp(cmd.Context(), e.orch, crews)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

	_, err = p.Run()
	return err
}

func loadCrews(e *env) (map[string]*models.CrewSpec, error) {
	crews, err := spec.LoadAll(e.cfg.CrewDirs())
	if err != nil {
		return nil, fmt.Errorf("failed to load crews: %w", err)
	}
	return crews, nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <crew> [prompt]",
		Short: "Start a new crew run",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			crewName := args[0]
			prompt := ""
			if len(args) > 1 {
				prompt = args[1]
			}
			noExec, _ := cmd.Flags().GetBool("no-exec")
			rawInputs, _ := cmd.Flags().GetStringArray("input")

			e, err := setup(cmd, setupOptions{reasoning: !noExec})
			if err != nil {
				return err
			}
			defer e.close()

			crews, err := loadCrews(e)
			if err != nil {
				return err
			}
			c, ok := crews[crewName]
			if !ok {
				return fmt.Errorf("crew %q not found", crewName)
			}
			if err := spec.Validate(c); err != nil {
				return fmt.Errorf("invalid crew %q: %w", crewName, err)
			}
			inputs, err := resolveRunInputs(c, prompt, rawInputs)
			if err != nil {
				return err
			}

			run, err := e.orch.StartRun(c, prompt, inputs)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}

			fmt.Printf("Created run #%d (%s)\n", run.ID, run.Kind)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			fmt.Printf("Executing crew %q...\n", crewName)
			execErr := e.orch.Execute(cmd.Context(), run, c)
			if execErr == nil {
				printResult(run)
			}
			return reportRun(e, run.ID, execErr)
		},
	}

	cmd.Flags().Bool("no-exec", false, "Create run but don't execute")
	cmd.Flags().StringArrayP("input", "i", nil, "Crew input as key=value (repeatable)")
	return cmd
}

// parseInputs turns key=value flags into an inputs map.
// resolveRunInputs parses --input values and binds a bare prompt to a
// single-input crew, failing before a run is recorded when inputs are
// still missing.
func resolveRunInputs(c *models.CrewSpec, prompt string, raw []string) (map[string]string, error) {
	inputs, err := parseInputs(raw)
	if err != nil {
		return nil, err
	}
	inputs = crew.BindInputs(c, prompt, inputs)
	if prompt == "" && len(inputs) == 0 {
		return nil, fmt.Errorf("crew %q needs a prompt or --input values (%s)", c.Name, strings.Join(c.Inputs, ", "))
	}
	if err := crew.CheckInputs(c, inputs); err != nil {
		return nil, fmt.Errorf("%w (pass them with --input key=value)", err)
	}
	return inputs, nil
}

func parseInputs(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", kv)
		}
		inputs[strings.TrimSpace(k)] = v
	}
	return inputs, nil
}

// printResult shows the structured result when there is one, otherwise
// the last context entry.
func printResult(run *models.Run) {
	if data, err := os.ReadFile(filepath.Join(run.WorkspacePath, "result.json")); err == nil {
		fmt.Printf("\n%s\n\n", data)
		return
	}
	data, err := os.ReadFile(filepath.Join(run.WorkspacePath, "context.md"))
	if err != nil {
		return
	}
	entries := strings.Split(string(data), "\n---\n")
	fmt.Printf("\n%s\n\n", strings.TrimSpace(entries[len(entries)-1]))
}

func newResearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research <topic>",
		Short: "Research a topic through analyst interviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			interactive, _ := cmd.Flags().GetBool("feedback")

			opts := setupOptions{reasoning: true}
			if interactive {
				opts.feedback = stdinFeedback(cmd)
			}
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.orch.StartResearch(topic)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}
			fmt.Printf("Created run #%d (research)\n", run.ID)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			report, execErr := e.orch.RunResearch(cmd.Context(), run)
			if execErr == nil {
				fmt.Printf("\n%s\n\n", report.FinalReport)
			}
			return reportRun(e, run.ID, execErr)
		},
	}
	cmd.Flags().Bool("feedback", false, "Review generated analysts before the interviews start")
	return cmd
}

// stdinFeedback prints the analysts and reads one line of feedback. An
// empty line accepts them.
func stdinFeedback(cmd *cobra.Command) func(context.Context, []models.Analyst) (string, error) {
	reader := bufio.NewReader(cmd.InOrStdin())
	return func(ctx context.Context, analysts []models.Analyst) (string, error) {
		fmt.Println("\nAnalysts:")
		for i, a := range analysts {
			fmt.Printf("  %d. %s (%s, %s)\n     %s\n", i+1, a.Name, a.Role, a.Affiliation, a.Description)
		}
		fmt.Print("\nFeedback (empty to accept): ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", nil
		}
		return strings.TrimSpace(line), ctx.Err()
	}
}

func newIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [<from> <to>]",
		Short: "Ingest n8n workflow templates into the vector store",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawIDs, _ := cmd.Flags().GetInt64Slice("ids")

			var ids []int64
			switch {
			case len(rawIDs) > 0:
				ids = rawIDs
			case len(args) == 2:
				from, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid start id: %w", err)
				}
				to, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid end id: %w", err)
				}
				if to < from {
					return fmt.Errorf("end id %d is before start id %d", to, from)
				}
				ids = ingest.IDRange(from, to)
			default:
				return errors.New("give an id range or --ids")
			}

			e, err := setup(cmd, setupOptions{reasoning: true, ingest: true})
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.orch.StartIngest(ids)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}
			fmt.Printf("Created run #%d (ingest, %d templates)\n", run.ID, len(ids))
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			stats, execErr := e.orch.RunIngest(cmd.Context(), run, ids)
			if stats != nil {
				fmt.Println(orchestrator.FormatStats(stats))
			}
			return reportRun(e, run.ID, execErr)
		},
	}
	cmd.Flags().Int64Slice("ids", nil, "Explicit template ids (comma separated)")
	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			kind, err := runKind(cmd, runID)
			if err != nil {
				return err
			}

			e, err := setup(cmd, setupOptions{reasoning: true, ingest: kind == models.RunKindIngest})
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.orch.GetRun(runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			fmt.Printf("Resuming run #%d (%s)\n", runID, run.Kind)

			return reportRun(e, runID, e.orch.ResumeRun(cmd.Context(), runID))
		},
	}
}

// runKind looks up a run before the full environment is built, since
// ingest runs need the vector store.
func runKind(cmd *cobra.Command, runID int64) (models.RunKind, error) {
	e, err := setup(cmd, setupOptions{})
	if err != nil {
		return "", err
	}
	defer e.close()

	run, err := e.orch.GetRun(runID)
	if err != nil {
		return "", fmt.Errorf("failed to get run: %w", err)
	}
	return run.Kind, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			run, err := e.orch.GetRun(runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run #%d: %s (%s)\n", run.ID, run.SpecName, run.Kind)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Prompt: %s\n", run.InitialPrompt)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			if run.SpecPath != "" {
				fmt.Printf("Spec Path: %s\n", run.SpecPath)
			}
			if run.CurrentAgent != "" {
				fmt.Printf("Current Agent: %s\n", run.CurrentAgent)
			}
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}
			if current, err := e.store.GetRunningExecutionForRun(runID); err == nil && current != nil && current.StartedAt != nil {
				fmt.Printf("Running: %s since %s ago\n", current.AgentName, storage.FormatTimeAgo(*current.StartedAt))
			}

			execs, err := e.orch.GetExecutionsForRun(runID)
			if err != nil {
				return err
			}

			if len(execs) > 0 {
				fmt.Println("\nExecutions:")
				var tokensIn, tokensOut int64
				for _, exec := range execs {
					tokensIn += exec.TokensIn
					tokensOut += exec.TokensOut

					name := exec.AgentName
					if exec.TaskName != "" {
						name = exec.TaskName + " (" + exec.AgentName + ")"
					}
					if exec.CallIndex > 0 {
						fmt.Printf("  [%d] %s [%s]\n", exec.CallIndex, name, exec.Status)
					} else {
						fmt.Printf("  %d. %s [%s]\n", exec.SequenceNum, name, exec.Status)
					}
				}
				fmt.Printf("\nTokens: %d in / %d out\n", tokensIn, tokensOut)
			}

			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := e.orch.ListRuns(limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("#%d %-8s %s [%s] %s %s\n",
					run.ID, run.Kind, run.SpecName, run.Status,
					storage.FormatTimeAgo(run.CreatedAt), truncate(run.InitialPrompt, 50))
			}

			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	return cmd
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Mark a running run as killed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.orch.KillRun(runID); err != nil {
				return fmt.Errorf("failed to kill run: %w", err)
			}

			fmt.Printf("Killed run #%d\n", runID)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			e, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.orch.DeleteRun(runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func newCrewsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "crews",
		Short: "List available crews",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			crews, err := loadCrews(e)
			if err != nil {
				return err
			}
			if len(crews) == 0 {
				fmt.Printf("No crews found in %s\n", strings.Join(e.cfg.CrewDirs(), ", "))
				return nil
			}

			names := make([]string, 0, len(crews))
			for name := range crews {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				c := crews[name]
				kind := "tasks"
				if c.Script != "" {
					kind = "lua"
				}
				fmt.Printf("%-20s %-5s %s\n", name, kind, truncate(c.Description, 60))
				if len(c.Inputs) > 0 {
					fmt.Printf("%-20s inputs: %s\n", "", strings.Join(c.Inputs, ", "))
				}
			}
			return nil
		},
	}
}

func newWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows [template-id]",
		Short: "Show ingested workflow counts or one stored workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, setupOptions{})
			if err != nil {
				return err
			}
			defer e.close()

			if len(args) == 0 {
				counts, err := e.store.CountWorkflows()
				if err != nil {
					return fmt.Errorf("failed to count workflows: %w", err)
				}
				fmt.Printf("good: %d\nbad: %d\n", counts[models.VerdictGood], counts[models.VerdictBad])
				return nil
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid template id: %w", err)
			}
			rec, err := e.store.GetWorkflow(id)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("template %d has not been ingested", id)
			}
			if err != nil {
				return fmt.Errorf("failed to get workflow: %w", err)
			}

			fmt.Printf("Template #%d: %s [%s]\n", rec.TemplateID, rec.Name, rec.Verdict)
			fmt.Printf("Ingested: %s ago\n", storage.FormatTimeAgo(rec.IngestedAt))
			if rec.Summary != "" {
				fmt.Printf("\nSummary:\n%s\n", rec.Summary)
				fmt.Printf("\nNodes:\n%s\n", rec.Nodes)
				fmt.Printf("\nVariations:\n%s\n", rec.Variations)
			}
			return nil
		},
	}
}

func parseRunID(s string) (int64, error) {
	runID, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run ID: %w", err)
	}
	return runID, nil
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
