package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mpataki/crew/internal/llm"
)

const (
	maxPageBytes   = 4 << 20
	maxScrapeChars = 20000
)

// Page is the readable text of a fetched web page.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Fetcher downloads HTML pages and extracts their readable text.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{client: orDefault(client)}
}

func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; crew/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}
	return &Page{
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  ExtractText(doc),
	}, nil
}

// ExtractText returns headings, paragraphs and list items of doc, one block
// per line, with page chrome removed.
func ExtractText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, footer, header, aside, iframe, form").Remove()

	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// Nested matches would otherwise be emitted twice.
		if s.ParentsFiltered("p, li, pre, blockquote, td").Length() > 0 {
			return
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		if goquery.NodeName(s)[0] == 'h' {
			text = strings.Repeat("#", int(goquery.NodeName(s)[1]-'0')) + " " + text
		}
		lines = append(lines, text)
	})

	if len(lines) == 0 {
		return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	}
	return strings.Join(lines, "\n")
}

// ScrapeTool returns the text content of a web page.
type ScrapeTool struct {
	fetcher *Fetcher
}

func NewScrapeTool(f *Fetcher) *ScrapeTool {
	return &ScrapeTool{fetcher: f}
}

func (t *ScrapeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "scrape",
		Description: "Read the text content of a web page.",
		Properties: map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute URL of the page"},
		},
		Required: []string{"url"},
	}
}

func (t *ScrapeTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.URL == "" {
		return "", errors.New("url is required")
	}
	page, err := t.fetcher.Fetch(ctx, in.URL)
	if err != nil {
		return "", err
	}
	text := page.Text
	if len(text) > maxScrapeChars {
		text = text[:maxScrapeChars] + "\n[truncated]"
	}
	if page.Title != "" {
		text = "# " + page.Title + "\n\n" + text
	}
	return text, nil
}
