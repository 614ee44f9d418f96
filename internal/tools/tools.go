// Package tools implements the capabilities agents may invoke: web search,
// Wikipedia lookup, page scraping and retrieval over a single website.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/embedding"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
)

// Tool is a capability exposed to the reasoning service.
type Tool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, input json.RawMessage) (string, error)
}

// Registry maps configured tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Definition().Name] = t
}

// Resolve returns the tools for names, failing on the first unknown name.
func (r *Registry) Resolve(names []string) ([]Tool, error) {
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q (available: %s)", name, strings.Join(r.Names(), ", "))
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default builds the registry from configuration. The "search" tool is only
// registered when a Serper or Tavily key is present.
func Default(cfg *config.Config, client *http.Client, embedder embedding.Provider, logger *slog.Logger) *Registry {
	r := NewRegistry()

	if web := WebSearcher(cfg, client, logger); web != nil {
		r.Register(NewSearchTool("search",
			"Search the internet. Returns titles, links and snippets of the top results.",
			web, 5))
	}

	wiki := NewCachedSearcher(NewWikipediaSearcher(client, cfg.WikipediaURL), cfg.SearchCacheSize)
	r.Register(NewSearchTool("wikipedia",
		"Look up a topic on Wikipedia. Returns introductory extracts of matching articles.",
		wiki, 2))

	fetcher := NewFetcher(client)
	r.Register(NewScrapeTool(fetcher))
	r.Register(NewWebsiteSearchTool(fetcher, embedder, cfg.SearchCacheSize))
	return r
}

// WebSearcher returns a cached Serper searcher, falling back to Tavily, or
// nil when neither key is configured.
func WebSearcher(cfg *config.Config, client *http.Client, logger *slog.Logger) Searcher {
	var s Searcher
	switch {
	case cfg.SerperAPIKey != "":
		s = NewSerperSearcher(client, cfg.SerperURL, cfg.SerperAPIKey)
	case cfg.TavilyAPIKey != "":
		s = NewTavilySearcher(client, cfg.TavilyURL, cfg.TavilyAPIKey)
	default:
		logger.Debug("no web search key configured")
		return nil
	}
	return NewCachedSearcher(s, cfg.SearchCacheSize)
}

// FormatDocuments renders search hits as <Document> blocks separated by
// horizontal rules.
func FormatDocuments(docs []models.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		var b strings.Builder
		if d.Source != "" {
			fmt.Fprintf(&b, "<Document source=%q page=%q/>\n", d.Source, d.Page)
		} else {
			fmt.Fprintf(&b, "<Document href=%q/>\n", d.URL)
		}
		b.WriteString(d.Content)
		b.WriteString("\n</Document>")
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func decodeInput(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}
