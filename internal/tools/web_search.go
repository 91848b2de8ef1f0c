package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/quillhaven/research-agent/pkg/logger"
)

// MaxSearchResults caps how many hits are returned to the model.
const MaxSearchResults = 8

const duckDuckGoHTML = "https://html.duckduckgo.com/html/"

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchInput is the model-facing input for the webSearch tool.
type WebSearchInput struct {
	Query string `json:"query"`
}

// WebSearchTool searches the web through DuckDuckGo's HTML endpoint.
type WebSearchTool struct {
	client    *http.Client
	baseURL   string
	userAgent string
	logger    *logger.Logger
}

func NewWebSearchTool(userAgent string, timeout time.Duration, log *logger.Logger) *WebSearchTool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebSearchTool{
		client:    &http.Client{Timeout: timeout},
		baseURL:   duckDuckGoHTML,
		userAgent: userAgent,
		logger:    log.WithComponent("tools.web_search"),
	}
}

func (t *WebSearchTool) Name() string { return "webSearch" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns up to " +
		"8 results with title, URL, and snippet. Use this when the user's " +
		"question needs information beyond their project sources."
}

func (t *WebSearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params WebSearchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("parsing input: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return "", fmt.Errorf("query is required")
	}

	results, err := t.Search(ctx, params.Query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "%s\n", r.Snippet)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

// Search runs the query and parses the result list.
func (t *WebSearchTool) Search(ctx context.Context, query string) ([]SearchResult, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return nil, fmt.Errorf("parsing search results: %w", err)
	}

	var results []SearchResult
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(".result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		resultURL := unwrapRedirect(href)
		if resultURL == "" {
			return true
		}
		results = append(results, SearchResult{
			Title:   strings.TrimSpace(link.Text()),
			URL:     resultURL,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
		})
		return len(results) < MaxSearchResults
	})

	t.logger.Debug("web search complete", "query", query, "results", len(results))
	return results, nil
}

// unwrapRedirect resolves DuckDuckGo's /l/?uddg= redirect links to the
// destination URL.
func unwrapRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if uddg := parsed.Query().Get("uddg"); uddg != "" {
		return uddg
	}
	if parsed.Scheme == "http" || parsed.Scheme == "https" {
		return parsed.String()
	}
	return ""
}
