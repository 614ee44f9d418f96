package research

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/tools"
)

const (
	DefaultMaxAnalysts       = 3
	DefaultParallelism       = 3
	DefaultMaxFeedbackRounds = 3
)

var researchTransitions = transitions{
	StateCreateAnalysts:    {StateHumanFeedback},
	StateHumanFeedback:     {StateCreateAnalysts, StateConductInterviews},
	StateConductInterviews: {StateWriteReport},
	StateWriteReport:       {StateFinalizeReport},
	StateFinalizeReport:    {StateEnd},
}

const (
	perspectivesExample = `{"analysts": [{"name": "...", "role": "...", "affiliation": "...", "description": "..."}]}`
	searchQueryExample  = `{"search_query": "..."}`
)

// FeedbackFunc reviews generated analysts. Returning non-empty feedback
// regenerates them with the feedback included.
type FeedbackFunc func(ctx context.Context, analysts []models.Analyst) (string, error)

// StepEvent reports a completed model-backed step. Analyst is empty for
// steps of the outer graph.
type StepEvent struct {
	State   State
	Analyst string
	Output  string
	Usage   llm.Usage
}

type Config struct {
	MaxTurns          int
	MaxAnalysts       int
	Parallelism       int
	MaxFeedbackRounds int
	MaxTokens         int64

	Feedback FeedbackFunc
	// OnStep is called from concurrent interviews and must be safe for
	// concurrent use.
	OnStep func(StepEvent)
	Logger *slog.Logger
}

// Graph runs the research assistant.
type Graph struct {
	reasoner llm.Reasoner
	web      tools.Searcher
	wiki     tools.Searcher
	cfg      Config
	logger   *slog.Logger
}

// New creates a research graph. Either searcher may be nil to skip that
// source.
func New(reasoner llm.Reasoner, web, wiki tools.Searcher, cfg Config) *Graph {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxAnalysts <= 0 {
		cfg.MaxAnalysts = DefaultMaxAnalysts
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.MaxFeedbackRounds <= 0 {
		cfg.MaxFeedbackRounds = DefaultMaxFeedbackRounds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Graph{reasoner: reasoner, web: web, wiki: wiki, cfg: cfg, logger: logger}
}

type researchRun struct {
	g        *Graph
	report   *models.ResearchReport
	feedback string
	rounds   int
}

// Run researches topic and returns the compiled report.
func (g *Graph) Run(ctx context.Context, topic string) (*models.ResearchReport, error) {
	r := &researchRun{g: g, report: &models.ResearchReport{Topic: topic}}

	steps := map[State]stepFunc{
		StateCreateAnalysts:    r.createAnalysts,
		StateHumanFeedback:     r.humanFeedback,
		StateConductInterviews: r.conductInterviews,
		StateWriteReport:       r.writeReport,
		StateFinalizeReport:    r.finalizeReport,
	}
	if err := runMachine(ctx, StateCreateAnalysts, researchTransitions, steps); err != nil {
		return r.report, err
	}
	return r.report, nil
}

func (r *researchRun) createAnalysts(ctx context.Context) (State, error) {
	analysts, err := r.g.CreateAnalysts(ctx, r.report.Topic, r.feedback)
	if err != nil {
		return "", err
	}
	r.report.Analysts = analysts
	r.g.logger.Info("analysts created", "topic", r.report.Topic, "count", len(analysts))
	return StateHumanFeedback, nil
}

// CreateAnalysts generates up to MaxAnalysts personas for topic.
func (g *Graph) CreateAnalysts(ctx context.Context, topic, feedback string) ([]models.Analyst, error) {
	req := llm.Request{
		System:      fmt.Sprintf(analystInstructions, topic, feedback, g.cfg.MaxAnalysts),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Generate the set of analysts."}},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: llm.Temperature(0),
	}
	var p models.Perspectives
	resp, err := llm.Structured(ctx, g.reasoner, req, "perspectives", perspectivesExample, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysts: %w", err)
	}
	g.emit(StateCreateAnalysts, "", resp)

	if len(p.Analysts) > g.cfg.MaxAnalysts {
		p.Analysts = p.Analysts[:g.cfg.MaxAnalysts]
	}
	return p.Analysts, nil
}

func (r *researchRun) humanFeedback(ctx context.Context) (State, error) {
	if r.g.cfg.Feedback == nil || r.rounds >= r.g.cfg.MaxFeedbackRounds {
		return StateConductInterviews, nil
	}
	fb, err := r.g.cfg.Feedback(ctx, r.report.Analysts)
	if err != nil {
		return "", fmt.Errorf("failed to get feedback: %w", err)
	}
	if strings.TrimSpace(fb) == "" {
		return StateConductInterviews, nil
	}
	r.feedback = fb
	r.rounds++
	return StateCreateAnalysts, nil
}

// conductInterviews interviews every analyst concurrently. Sections keep
// analyst order.
func (r *researchRun) conductInterviews(ctx context.Context) (State, error) {
	analysts := r.report.Analysts
	sections := make([]string, len(analysts))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.g.cfg.Parallelism)
	for i, a := range analysts {
		eg.Go(func() error {
			iv, err := r.g.Interview(ctx, a, r.report.Topic)
			if err != nil {
				return err
			}
			sections[i] = iv.Section
			r.g.logger.Info("interview completed", "analyst", a.Name, "messages", len(iv.Messages))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	r.report.Sections = sections
	return StateWriteReport, nil
}

// writeReport writes the body, introduction and conclusion concurrently.
func (r *researchRun) writeReport(ctx context.Context) (State, error) {
	topic := r.report.Topic
	sections := strings.Join(r.report.Sections, "\n\n")

	parts := []struct {
		system string
		user   string
		out    *string
	}{
		{fmt.Sprintf(reportWriterInstructions, topic, sections), "Write a report based upon these memos.", &r.report.Content},
		{fmt.Sprintf(introConclusionInstructions, topic, sections), "Write the report introduction", &r.report.Introduction},
		{fmt.Sprintf(introConclusionInstructions, topic, sections), "Write the report conclusion", &r.report.Conclusion},
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		eg.Go(func() error {
			resp, err := r.g.complete(ctx, p.system, []llm.Message{{Role: llm.RoleUser, Content: p.user}})
			if err != nil {
				return err
			}
			*p.out = resp.Content
			r.g.emit(StateWriteReport, "", resp)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}
	return StateFinalizeReport, nil
}

func (r *researchRun) finalizeReport(context.Context) (State, error) {
	r.report.FinalReport = FinalizeReport(r.report.Introduction, r.report.Content, r.report.Conclusion)
	return StateEnd, nil
}

// FinalizeReport joins introduction, body and conclusion with rules between
// them. A leading "## Insights" header is dropped from the body and its
// "## Sources" section, when it has exactly one, is moved to the end.
func FinalizeReport(introduction, content, conclusion string) string {
	content = strings.TrimPrefix(content, "## Insights")

	var sources string
	hasSources := false
	if parts := strings.Split(content, "\n## Sources\n"); len(parts) == 2 {
		content, sources = parts[0], parts[1]
		hasSources = true
	}

	report := introduction + "\n\n---\n\n" + content + "\n\n---\n\n" + conclusion
	if hasSources {
		report += "\n\n## Sources\n" + sources
	}
	return report
}

func (g *Graph) complete(ctx context.Context, system string, turns []llm.Message) (*llm.Response, error) {
	return g.reasoner.Complete(ctx, llm.Request{
		System:      system,
		Messages:    turns,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: llm.Temperature(0),
	})
}

// searchWith rewrites the conversation into a query and formats the hits.
// The returned usage is that of the query-writing call.
func (g *Graph) searchWith(ctx context.Context, s tools.Searcher, transcript string, limit int) (string, llm.Usage, error) {
	req := llm.Request{
		System:      searchInstructions,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: "Conversation:\n\n" + transcript}},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: llm.Temperature(0),
	}
	var q models.SearchQuery
	resp, err := llm.Structured(ctx, g.reasoner, req, "search_query", searchQueryExample, &q)
	var usage llm.Usage
	if resp != nil {
		usage = resp.Usage
	}
	if err != nil {
		return "", usage, fmt.Errorf("failed to write search query: %w", err)
	}
	docs, err := s.Search(ctx, q.SearchQuery, limit)
	if err != nil {
		return "", usage, fmt.Errorf("failed to search: %w", err)
	}
	return tools.FormatDocuments(docs), usage, nil
}

func (g *Graph) emit(state State, analyst string, resp *llm.Response) {
	if g.cfg.OnStep == nil || resp == nil {
		return
	}
	g.cfg.OnStep(StepEvent{State: state, Analyst: analyst, Output: resp.Content, Usage: resp.Usage})
}
