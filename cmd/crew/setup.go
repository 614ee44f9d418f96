package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/embedding"
	"github.com/mpataki/crew/internal/ingest"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/logging"
	"github.com/mpataki/crew/internal/orchestrator"
	"github.com/mpataki/crew/internal/research"
	"github.com/mpataki/crew/internal/storage"
	"github.com/mpataki/crew/internal/tools"
	"github.com/mpataki/crew/internal/vectorstore"
)

// env holds everything a command needs. close releases it in reverse
// order of acquisition.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Storage
	client *llm.Client
	orch   *orchestrator.Orchestrator

	closers []func() error
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("failed to close resource", "error", err)
		}
	}
}

type setupOptions struct {
	// reasoning requires an Anthropic key; without it the orchestrator can
	// only inspect and manage existing runs.
	reasoning bool
	ingest    bool
	feedback  research.FeedbackFunc
}

// setup loads configuration and opens storage. With reasoning set it also
// builds the model client, tools and searchers; with ingest set it opens
// the vector store and the ingestion pipeline.
func setup(cmd *cobra.Command, opts setupOptions) (*env, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	features := []config.Feature{}
	if opts.reasoning {
		features = append(features, config.FeatureReasoning)
	}
	if opts.ingest {
		features = append(features, config.FeatureEmbeddings, config.FeatureVectors)
	}
	if err := cfg.Require(features...); err != nil {
		return nil, err
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	e := &env{
		cfg:    cfg,
		logger: logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat),
	}

	e.store, err = storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	e.closers = append(e.closers, e.store.Close)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(e.logger),
		orchestrator.WithMaxTokens(cfg.MaxTokens),
	}

	var reasoner llm.Reasoner
	if opts.reasoning || cfg.AnthropicAPIKey != "" {
		e.client, err = llm.NewClient(llm.ClientConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.AnthropicBaseURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.HTTPTimeout.Duration,
		})
		if err != nil {
			e.close()
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
		reasoner = e.client
		e.logger.Debug("model client ready", "model", e.client.Model())

		httpClient := &http.Client{Timeout: cfg.HTTPTimeout.Duration}
		embedder := newEmbedder(cfg, httpClient)

		web := tools.WebSearcher(cfg, httpClient, e.logger)
		wiki := tools.NewCachedSearcher(tools.NewWikipediaSearcher(httpClient, cfg.WikipediaURL), cfg.SearchCacheSize)
		orchOpts = append(orchOpts,
			orchestrator.WithRegistry(tools.Default(cfg, httpClient, embedder, e.logger)),
			orchestrator.WithSearchers(web, wiki),
			orchestrator.WithResearchConfig(research.Config{
				MaxTurns:    cfg.MaxTurns,
				MaxAnalysts: cfg.MaxAnalysts,
				Parallelism: cfg.Parallelism,
				Feedback:    opts.feedback,
			}),
		)

		if opts.ingest {
			vectors, err := vectorstore.Open(cmd.Context(), cfg, embedder)
			if err != nil {
				e.close()
				return nil, fmt.Errorf("failed to open vector store: %w", err)
			}
			e.closers = append(e.closers, vectors.Close)

			pipeline := ingest.NewPipeline(ingest.NewClient(httpClient, cfg.N8NBaseURL), reasoner, vectors, e.store,
				ingest.WithRate(cfg.IngestRate),
				ingest.WithLogger(e.logger),
				ingest.WithMaxTokens(cfg.MaxTokens),
			)
			orchOpts = append(orchOpts, orchestrator.WithIngestPipeline(pipeline))
		}
	}

	e.orch = orchestrator.New(e.store, cfg.WorkspacesDir(), reasoner, orchOpts...)
	return e, nil
}

func newEmbedder(cfg *config.Config, httpClient *http.Client) embedding.Provider {
	if cfg.EmbeddingProvider == "hashing" {
		return embedding.NewHashingProvider(cfg.EmbeddingDimensions)
	}
	return embedding.NewOpenAIProvider(httpClient, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
}

// reportRun prints the final state of a run after execution and returns
// execErr unless the run was killed.
func reportRun(e *env, runID int64, execErr error) error {
	run, err := e.orch.GetRun(runID)
	if err == nil {
		fmt.Printf("Run completed with status: %s\n", run.Status)
		if run.Error != "" {
			fmt.Printf("Error: %s\n", run.Error)
		}
	}
	if e.client != nil {
		in, out := e.client.Tracker().Total()
		fmt.Printf("Tokens: %d in / %d out (%d calls)\n", in, out, e.client.Tracker().Calls())
	}
	if execErr != nil && !errors.Is(execErr, context.Canceled) && !errors.Is(execErr, orchestrator.ErrKilled) {
		return fmt.Errorf("execution failed: %w", execErr)
	}
	return nil
}
