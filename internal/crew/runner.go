// Package crew executes a crew: its tasks run in dependency order, each
// handed to its assigned agent together with the outputs it depends on.
package crew

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mpataki/crew/internal/agent"
	"github.com/mpataki/crew/internal/graph"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/tools"
)

// TaskOutput is the recorded output of one task.
type TaskOutput struct {
	Task      string
	Agent     string
	Prompt    string
	Output    string
	Usage     llm.Usage
	StartedAt time.Time
	Duration  time.Duration
}

// Outcome is the result of a whole crew run.
type Outcome struct {
	Tasks  []*TaskOutput // execution order
	Final  string        // raw output of the last task
	Result models.StructuredResult
}

// Hooks observe task execution. A non-nil error from OnTaskStart aborts
// the run before the task executes.
type Hooks struct {
	OnTaskStart func(task *models.TaskSpec, prompt string) error
	OnTaskDone  func(task *models.TaskSpec, out *TaskOutput, err error)
}

type Runner struct {
	reasoner  llm.Reasoner
	registry  *tools.Registry
	logger    *slog.Logger
	maxTokens int64
	hooks     Hooks
	prior     map[string]*TaskOutput
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithMaxTokens(n int64) Option {
	return func(r *Runner) { r.maxTokens = n }
}

func WithHooks(h Hooks) Option {
	return func(r *Runner) { r.hooks = h }
}

// WithPrior supplies outputs of tasks finished by an earlier attempt.
// Those tasks are not executed again and their hooks do not fire.
func WithPrior(outputs map[string]*TaskOutput) Option {
	return func(r *Runner) { r.prior = outputs }
}

func NewRunner(reasoner llm.Reasoner, registry *tools.Registry, opts ...Option) *Runner {
	r := &Runner{
		reasoner: reasoner,
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = tools.NewRegistry()
	}
	return r
}

// Run executes every task of c. The last task in order is decoded into the
// crew's result schema when one is set; a failure is a *llm.ValidationError.
func (r *Runner) Run(ctx context.Context, c *models.CrewSpec, inputs map[string]string) (*Outcome, error) {
	if err := CheckInputs(c, inputs); err != nil {
		return nil, err
	}

	g := graph.New()
	if err := g.Build(c.Tasks); err != nil {
		return nil, fmt.Errorf("failed to build task graph: %w", err)
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	agents, err := agent.BuildAll(c.Agents, r.reasoner, r.registry,
		agent.WithLogger(r.logger), agent.WithMaxTokens(r.maxTokens))
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]*TaskOutput, len(order))
	done := make(map[string]bool, len(order))
	outcome := &Outcome{}

	for i, name := range order {
		task := g.Task(name)
		if !g.Ready(name, done) {
			return outcome, fmt.Errorf("task %s: upstream output missing", name)
		}
		schema := task.OutputSchema
		if schema == "" && i == len(order)-1 {
			schema = c.Result
		}
		var result models.StructuredResult
		if schema != "" {
			var ok bool
			if result, ok = models.NewResult(schema); !ok {
				return outcome, fmt.Errorf("task %s: unknown result schema %q", name, schema)
			}
		}

		out, replayed := r.prior[name]
		var err error
		if replayed {
			r.logger.Info("task replayed", "crew", c.Name, "task", name)
		} else {
			var upstream []string
			for _, dep := range g.Dependencies(name) {
				upstream = append(upstream, outputs[dep].Output)
			}
			a, ok := agents[task.Agent]
			if !ok {
				return outcome, fmt.Errorf("task %s: unknown agent %q", name, task.Agent)
			}
			prompt := BuildPrompt(task, inputs, upstream, schema)

			if r.hooks.OnTaskStart != nil {
				if err := r.hooks.OnTaskStart(task, prompt); err != nil {
					return outcome, err
				}
			}

			r.logger.Info("task started", "crew", c.Name, "task", name, "agent", task.Agent)
			out, err = r.runTask(ctx, a, task, prompt)
		}

		if err == nil && result != nil {
			if err = llm.DecodeResult(out.Output, schema, result); err == nil {
				outcome.Result = result
			}
		}

		if !replayed && r.hooks.OnTaskDone != nil {
			r.hooks.OnTaskDone(task, out, err)
		}
		if err != nil {
			r.logger.Error("task failed", "crew", c.Name, "task", name, "error", err)
			return outcome, fmt.Errorf("task %s: %w", name, err)
		}
		if !replayed {
			r.logger.Info("task completed", "crew", c.Name, "task", name, "duration", out.Duration)
		}

		outputs[name] = out
		done[name] = true
		outcome.Tasks = append(outcome.Tasks, out)
		outcome.Final = out.Output
	}

	return outcome, nil
}

func (r *Runner) runTask(ctx context.Context, a *agent.Agent, task *models.TaskSpec, prompt string) (*TaskOutput, error) {
	out := &TaskOutput{Task: task.Name, Agent: task.Agent, Prompt: prompt, StartedAt: time.Now()}
	res, err := a.Execute(ctx, prompt)
	out.Duration = time.Since(out.StartedAt)
	if res != nil {
		out.Output = res.Output
		out.Usage = res.Usage
	}
	return out, err
}

// BindInputs returns inputs, or binds a free-text prompt to the crew's
// only declared input when no inputs were given.
func BindInputs(c *models.CrewSpec, prompt string, inputs map[string]string) map[string]string {
	if len(inputs) > 0 || c == nil || len(c.Inputs) != 1 || strings.TrimSpace(prompt) == "" {
		return inputs
	}
	return map[string]string{c.Inputs[0]: strings.TrimSpace(prompt)}
}

// CheckInputs reports every input c declares that inputs lacks.
func CheckInputs(c *models.CrewSpec, inputs map[string]string) error {
	var missing []string
	for _, key := range c.Inputs {
		if _, ok := inputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("crew %s: missing inputs: %s", c.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Interpolate replaces {key} placeholders with inputs. Unknown placeholders
// are left untouched.
func Interpolate(text string, inputs map[string]string) string {
	if len(inputs) == 0 {
		return text
	}
	pairs := make([]string, 0, len(inputs)*2)
	for k, v := range inputs {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// BuildPrompt renders the prompt an agent receives for task.
func BuildPrompt(task *models.TaskSpec, inputs map[string]string, upstream []string, schema string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(Interpolate(task.Description, inputs)))

	if expected := strings.TrimSpace(Interpolate(task.ExpectedOutput, inputs)); expected != "" {
		b.WriteString("\n\nThis is the expected criteria for your final answer: ")
		b.WriteString(expected)
		b.WriteString("\nYou MUST return the actual complete content as the final answer, not a summary.")
	}

	if schema != "" {
		b.WriteString("\n\n")
		b.WriteString(llm.SchemaInstructions(models.ResultExample(schema)))
	}

	if len(upstream) > 0 {
		b.WriteString("\n\nThis is the context you're working with:\n")
		b.WriteString(strings.Join(upstream, "\n\n----------\n\n"))
	}
	return b.String()
}
