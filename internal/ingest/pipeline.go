package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/vectorstore"
)

// Store records ingested workflow metadata.
type Store interface {
	WorkflowExists(templateID int64) (bool, error)
	SaveWorkflow(rec *models.WorkflowRecord) error
}

// Result is what happened to one template id.
type Result string

const (
	ResultIngested Result = "ingested"
	ResultMissing  Result = "missing"
	ResultExisting Result = "existing"
	ResultRejected Result = "rejected"
	ResultFailed   Result = "failed"
)

// Stats counts results of an Ingest call.
type Stats map[Result]int

type Pipeline struct {
	client    *Client
	reasoner  llm.Reasoner
	vectors   vectorstore.Store
	store     Store
	limiter   *rate.Limiter
	logger    *slog.Logger
	maxTokens int64
	observe   func(id int64, res Result, err error)
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithMaxTokens(n int64) Option {
	return func(p *Pipeline) { p.maxTokens = n }
}

// WithRate limits template fetches to perSecond; zero or less disables
// pacing.
func WithRate(perSecond float64) Option {
	return func(p *Pipeline) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithObserver registers fn to be called after each template id is
// processed.
func WithObserver(fn func(id int64, res Result, err error)) Option {
	return func(p *Pipeline) { p.observe = fn }
}

func NewPipeline(client *Client, reasoner llm.Reasoner, vectors vectorstore.Store, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:   client,
		reasoner: reasoner,
		vectors:  vectors,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Observe returns a copy of p that reports each processed id to fn.
func (p *Pipeline) Observe(fn func(id int64, res Result, err error)) *Pipeline {
	cp := *p
	cp.observe = fn
	return &cp
}

// IDRange returns the ids from..to inclusive.
func IDRange(from, to int64) []int64 {
	if to < from {
		return nil
	}
	ids := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

// Ingest processes ids in order. A failure on one id is logged and counted
// and the loop moves on; only cancellation stops it early.
func (p *Pipeline) Ingest(ctx context.Context, ids []int64) (Stats, error) {
	stats := Stats{}
	for _, id := range ids {
		if err := p.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		res, err := p.IngestOne(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			p.logger.Error("workflow ingestion failed", "template_id", id, "error", err)
			res = ResultFailed
		} else {
			p.logger.Info("workflow processed", "template_id", id, "result", res)
		}
		stats[res]++
		if p.observe != nil {
			p.observe(id, res, err)
		}
	}
	return stats, nil
}

// IngestOne runs the pipeline for a single template id. Rejected templates
// are recorded too so later runs skip them.
func (p *Pipeline) IngestOne(ctx context.Context, id int64) (Result, error) {
	exists, err := p.store.WorkflowExists(id)
	if err != nil {
		return "", fmt.Errorf("failed to check workflow %d: %w", id, err)
	}
	if exists {
		return ResultExisting, nil
	}

	raw, ok, err := p.client.FetchWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return ResultMissing, nil
	}

	html, ok := ProcessWorkflow(raw)
	if !ok {
		return ResultMissing, nil
	}

	rec := &models.WorkflowRecord{
		TemplateID: id,
		Name:       workflowName(raw),
		HTML:       html,
		IngestedAt: time.Now(),
	}

	rec.Verdict, err = CheckLegitimacy(ctx, p.reasoner, string(raw), p.maxTokens)
	if err != nil {
		return "", err
	}
	if rec.Verdict != models.VerdictGood {
		if err := p.store.SaveWorkflow(rec); err != nil {
			return "", fmt.Errorf("failed to save workflow %d: %w", id, err)
		}
		return ResultRejected, nil
	}

	summaries, err := Analyze(ctx, p.reasoner, string(raw), p.maxTokens)
	if err != nil {
		return "", err
	}
	rec.Summary, rec.Nodes, rec.Variations = summaries[0], summaries[1], summaries[2]

	doc := vectorstore.Document{
		ID:      DocumentID(p.client.TemplateURL(id)),
		Content: rec.Content(),
		Metadata: map[string]string{
			"template_id": strconv.FormatInt(id, 10),
			"name":        rec.Name,
		},
	}
	if err := p.vectors.Upsert(ctx, []vectorstore.Document{doc}); err != nil {
		return "", fmt.Errorf("failed to store embedding for workflow %d: %w", id, err)
	}
	if err := p.store.SaveWorkflow(rec); err != nil {
		return "", fmt.Errorf("failed to save workflow %d: %w", id, err)
	}
	return ResultIngested, nil
}

// DocumentID is a stable vector store id for a template URL.
func DocumentID(templateURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(templateURL)).String()
}
