package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
)

// Searcher returns documents matching a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.Document, error)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// SerperSearcher queries the Serper Google search API.
type SerperSearcher struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewSerperSearcher(client *http.Client, endpoint, apiKey string) *SerperSearcher {
	return &SerperSearcher{client: orDefault(client), endpoint: endpoint, apiKey: apiKey}
}

func (s *SerperSearcher) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	var out struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	body := map[string]any{"q": query, "num": limit}
	if err := postJSON(ctx, s.client, s.endpoint, map[string]string{"X-API-KEY": s.apiKey}, body, &out); err != nil {
		return nil, fmt.Errorf("serper search: %w", err)
	}

	docs := make([]models.Document, 0, len(out.Organic))
	for _, r := range out.Organic {
		if len(docs) == limit {
			break
		}
		docs = append(docs, models.Document{URL: r.Link, Title: r.Title, Content: r.Snippet})
	}
	return docs, nil
}

// TavilySearcher queries the Tavily search API.
type TavilySearcher struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewTavilySearcher(client *http.Client, endpoint, apiKey string) *TavilySearcher {
	return &TavilySearcher{client: orDefault(client), endpoint: endpoint, apiKey: apiKey}
}

func (s *TavilySearcher) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	var out struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	body := map[string]any{"query": query, "max_results": limit}
	headers := map[string]string{"Authorization": "Bearer " + s.apiKey}
	if err := postJSON(ctx, s.client, s.endpoint, headers, body, &out); err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}

	docs := make([]models.Document, 0, len(out.Results))
	for _, r := range out.Results {
		docs = append(docs, models.Document{URL: r.URL, Title: r.Title, Content: r.Content})
	}
	return docs, nil
}

// WikipediaSearcher uses the MediaWiki search generator and returns the
// plain-text introduction of each matching page.
type WikipediaSearcher struct {
	client   *http.Client
	endpoint string
}

func NewWikipediaSearcher(client *http.Client, endpoint string) *WikipediaSearcher {
	return &WikipediaSearcher{client: orDefault(client), endpoint: endpoint}
}

func (s *WikipediaSearcher) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	params := url.Values{
		"action":        {"query"},
		"format":        {"json"},
		"formatversion": {"2"},
		"generator":     {"search"},
		"gsrsearch":     {query},
		"gsrlimit":      {strconv.Itoa(limit)},
		"prop":          {"extracts|info"},
		"exintro":       {"1"},
		"explaintext":   {"1"},
		"exlimit":       {"max"},
		"inprop":        {"url"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("wikipedia search: failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "crew/1.0")

	var out struct {
		Query struct {
			Pages []struct {
				Index   int    `json:"index"`
				Title   string `json:"title"`
				Extract string `json:"extract"`
				FullURL string `json:"fullurl"`
			} `json:"pages"`
		} `json:"query"`
	}
	if err := doJSON(s.client, req, &out); err != nil {
		return nil, fmt.Errorf("wikipedia search: %w", err)
	}

	pages := out.Query.Pages
	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })

	docs := make([]models.Document, 0, len(pages))
	for _, p := range pages {
		docs = append(docs, models.Document{
			URL:     p.FullURL,
			Title:   p.Title,
			Content: p.Extract,
			Source:  p.FullURL,
			Page:    p.Title,
		})
	}
	return docs, nil
}

// CachedSearcher memoises results of another Searcher in an LRU cache.
type CachedSearcher struct {
	next  Searcher
	cache *lru.Cache[string, []models.Document]
}

// NewCachedSearcher wraps next. A non-positive size returns next unchanged.
func NewCachedSearcher(next Searcher, size int) Searcher {
	if size <= 0 {
		return next
	}
	cache, err := lru.New[string, []models.Document](size)
	if err != nil {
		return next
	}
	return &CachedSearcher{next: next, cache: cache}
}

func (c *CachedSearcher) Search(ctx context.Context, query string, limit int) ([]models.Document, error) {
	key := strconv.Itoa(limit) + "\x00" + query
	if docs, ok := c.cache.Get(key); ok {
		return docs, nil
	}
	docs, err := c.next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, docs)
	return docs, nil
}

// SearchTool exposes a Searcher to agents.
type SearchTool struct {
	name        string
	description string
	searcher    Searcher
	limit       int
}

func NewSearchTool(name, description string, s Searcher, limit int) *SearchTool {
	return &SearchTool{name: name, description: description, searcher: s, limit: limit}
}

func (t *SearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Properties: map[string]any{
			"query": map[string]any{"type": "string", "description": "The search query"},
		},
		Required: []string{"query"},
	}
}

func (t *SearchTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.Query == "" {
		return "", errors.New("query is required")
	}
	docs, err := t.searcher.Search(ctx, in.Query, t.limit)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "No results found.", nil
	}
	return FormatDocuments(docs), nil
}

func orDefault(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
