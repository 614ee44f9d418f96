package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mpataki/crew/internal/embedding"
	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/vectorstore"
)

const (
	chunkChars     = 1000
	websiteResults = 3
)

// WebsiteSearchTool answers a query from the content of one website. Pages
// are chunked and indexed in an in-memory collection kept per URL.
type WebsiteSearchTool struct {
	fetcher  *Fetcher
	embedder embedding.Provider
	indexes  *lru.Cache[string, vectorstore.Store]
}

func NewWebsiteSearchTool(f *Fetcher, embedder embedding.Provider, cacheSize int) *WebsiteSearchTool {
	if cacheSize <= 0 {
		cacheSize = 16
	}
	indexes, _ := lru.New[string, vectorstore.Store](cacheSize)
	return &WebsiteSearchTool{fetcher: f, embedder: embedder, indexes: indexes}
}

func (t *WebsiteSearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "website_search",
		Description: "Search within the content of a specific website for passages relevant to a query.",
		Properties: map[string]any{
			"url":   map[string]any{"type": "string", "description": "Website URL to search"},
			"query": map[string]any{"type": "string", "description": "What to look for"},
		},
		Required: []string{"url", "query"},
	}
}

func (t *WebsiteSearchTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		URL   string `json:"url"`
		Query string `json:"query"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.URL == "" || in.Query == "" {
		return "", errors.New("url and query are required")
	}

	index, err := t.index(ctx, in.URL)
	if err != nil {
		return "", err
	}
	results, err := index.Query(ctx, in.Query, websiteResults)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No relevant content found.", nil
	}

	passages := make([]string, 0, len(results))
	for _, r := range results {
		passages = append(passages, r.Content)
	}
	return strings.Join(passages, "\n\n---\n\n"), nil
}

func (t *WebsiteSearchTool) index(ctx context.Context, url string) (vectorstore.Store, error) {
	if s, ok := t.indexes.Get(url); ok {
		return s, nil
	}

	page, err := t.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.NewChromem("", "website", t.embedder)
	if err != nil {
		return nil, err
	}

	chunks := Chunk(page.Text, chunkChars)
	docs := make([]vectorstore.Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, vectorstore.Document{
			ID:       strconv.Itoa(i),
			Content:  c,
			Metadata: map[string]string{"url": url},
		})
	}
	if err := store.Upsert(ctx, docs); err != nil {
		return nil, fmt.Errorf("failed to index %s: %w", url, err)
	}
	t.indexes.Add(url, store)
	return store, nil
}

// Chunk splits text on line boundaries into pieces of at most size
// characters. A single line longer than size becomes its own chunk.
func Chunk(text string, size int) []string {
	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > size {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
