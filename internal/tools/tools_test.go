package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/config"
	"github.com/mpataki/crew/internal/embedding"
	"github.com/mpataki/crew/internal/models"
)

func TestSerperSearcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "serper-key", r.Header.Get("X-API-KEY"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "golang", body["q"])
		_, _ = w.Write([]byte(`{"organic": [
			{"title": "Go", "link": "https://go.dev", "snippet": "The Go language"},
			{"title": "Tour", "link": "https://go.dev/tour", "snippet": "A tour of Go"},
			{"title": "Blog", "link": "https://go.dev/blog", "snippet": "The Go blog"}
		]}`))
	}))
	defer server.Close()

	s := NewSerperSearcher(server.Client(), server.URL, "serper-key")
	docs, err := s.Search(context.Background(), "golang", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, models.Document{URL: "https://go.dev", Title: "Go", Content: "The Go language"}, docs[0])
}

func TestTavilySearcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tvly", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results": [{"title": "A", "url": "https://a.example", "content": "alpha"}]}`))
	}))
	defer server.Close()

	docs, err := NewTavilySearcher(nil, server.URL, "tvly").Search(context.Background(), "q", 3)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "https://a.example", docs[0].URL)
	assert.Equal(t, "alpha", docs[0].Content)
}

func TestSearcherHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewTavilySearcher(nil, server.URL, "k").Search(context.Background(), "q", 3)
	assert.ErrorContains(t, err, "429")
}

func TestWikipediaSearcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "search", q.Get("generator"))
		assert.Equal(t, "Alan Turing", q.Get("gsrsearch"))
		assert.Equal(t, "2", q.Get("gsrlimit"))
		_, _ = w.Write([]byte(`{"query": {"pages": [
			{"index": 2, "title": "Turing machine", "extract": "A model of computation.", "fullurl": "https://en.wikipedia.org/wiki/Turing_machine"},
			{"index": 1, "title": "Alan Turing", "extract": "English mathematician.", "fullurl": "https://en.wikipedia.org/wiki/Alan_Turing"}
		]}}`))
	}))
	defer server.Close()

	docs, err := NewWikipediaSearcher(nil, server.URL).Search(context.Background(), "Alan Turing", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Alan Turing", docs[0].Title)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Alan_Turing", docs[0].Source)
	assert.Equal(t, "English mathematician.", docs[0].Content)
}

type countingSearcher struct {
	calls atomic.Int32
	err   error
}

func (c *countingSearcher) Search(_ context.Context, query string, _ int) ([]models.Document, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []models.Document{{URL: "https://x.example/" + query}}, nil
}

func TestCachedSearcher(t *testing.T) {
	inner := &countingSearcher{}
	s := NewCachedSearcher(inner, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		docs, err := s.Search(ctx, "same", 5)
		require.NoError(t, err)
		assert.Equal(t, "https://x.example/same", docs[0].URL)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	_, err := s.Search(ctx, "same", 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "max is part of the cache key")

	assert.Same(t, inner, NewCachedSearcher(inner, 0))
}

func TestCachedSearcherDoesNotCacheErrors(t *testing.T) {
	inner := &countingSearcher{err: errors.New("down")}
	s := NewCachedSearcher(inner, 8)
	_, err := s.Search(context.Background(), "q", 1)
	require.Error(t, err)
	_, err = s.Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestSearchTool(t *testing.T) {
	tool := NewSearchTool("search", "web search", &countingSearcher{}, 5)
	assert.Equal(t, "search", tool.Definition().Name)
	assert.Equal(t, []string{"query"}, tool.Definition().Required)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"query": "go"}`))
	require.NoError(t, err)
	assert.Equal(t, "<Document href=\"https://x.example/go\"/>\n\n</Document>", out)

	_, err = tool.Call(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "query is required")

	_, err = tool.Call(context.Background(), json.RawMessage(`not json`))
	assert.ErrorContains(t, err, "invalid tool input")
}

func TestFormatDocuments(t *testing.T) {
	docs := []models.Document{
		{URL: "https://a.example", Content: "alpha"},
		{Source: "https://en.wikipedia.org/wiki/B", Page: "B", Content: "beta"},
	}
	want := "<Document href=\"https://a.example\"/>\nalpha\n</Document>" +
		"\n\n---\n\n" +
		"<Document source=\"https://en.wikipedia.org/wiki/B\" page=\"B\"/>\nbeta\n</Document>"
	assert.Equal(t, want, FormatDocuments(docs))
	assert.Equal(t, "", FormatDocuments(nil))
}

const testPage = `<html><head><title>Trial Design</title><script>var x = 1;</script></head>
<body>
<nav>Home | About</nav>
<h1>Randomised trials</h1>
<p>Participants are   assigned at random.</p>
<ul><li>Blinding</li><li><p>Allocation concealment</p></li></ul>
<footer>Copyright</footer>
</body></html>`

func TestFetcherExtractsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, testPage)
	}))
	defer server.Close()

	page, err := NewFetcher(nil).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "Trial Design", page.Title)
	assert.Equal(t, "# Randomised trials\nParticipants are assigned at random.\nBlinding\nAllocation concealment", page.Text)
}

func TestScrapeTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, testPage)
	}))
	defer server.Close()

	tool := NewScrapeTool(NewFetcher(server.Client()))
	out, err := tool.Call(context.Background(), json.RawMessage(`{"url": "`+server.URL+`"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Trial Design\n\n# Randomised trials"))
	assert.NotContains(t, out, "Copyright")

	_, err = tool.Call(context.Background(), json.RawMessage(`{"url": "`+server.URL+`/missing"}`))
	assert.ErrorContains(t, err, "status 404")
}

func TestWebsiteSearchTool(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `<html><body>
<p>`+strings.Repeat("Our pricing plans start at ten dollars per month. ", 15)+`</p>
<p>`+strings.Repeat("The support team answers email within one business day. ", 15)+`</p>
</body></html>`)
	}))
	defer server.Close()

	tool := NewWebsiteSearchTool(NewFetcher(nil), embedding.NewHashingProvider(128), 4)
	in := json.RawMessage(`{"url": "` + server.URL + `", "query": "support email business day"}`)

	out, err := tool.Call(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "The support team"), out)

	_, err = tool.Call(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "index is reused per URL")

	_, err = tool.Call(context.Background(), json.RawMessage(`{"url": "x"}`))
	assert.ErrorContains(t, err, "required")
}

func TestChunk(t *testing.T) {
	assert.Equal(t, []string{"aaa\nbbb", "cccc"}, Chunk("aaa\n\nbbb\ncccc", 8))
	assert.Equal(t, []string{"toolongline"}, Chunk("toolongline", 4))
	assert.Empty(t, Chunk("  \n ", 10))
}

func TestRegistry(t *testing.T) {
	cfg := &config.Config{SerperAPIKey: "k", SerperURL: "http://unused", WikipediaURL: "http://unused", SearchCacheSize: 4}
	r := Default(cfg, nil, embedding.NewHashingProvider(16), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, []string{"scrape", "search", "website_search", "wikipedia"}, r.Names())

	resolved, err := r.Resolve([]string{"search", "scrape"})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "scrape", resolved[1].Definition().Name)

	_, err = r.Resolve([]string{"search", "calculator"})
	assert.ErrorContains(t, err, `unknown tool "calculator"`)

	noKeys := Default(&config.Config{}, nil, embedding.NewHashingProvider(16), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotContains(t, noKeys.Names(), "search")
}
