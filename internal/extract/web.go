package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/quillhaven/research-agent/pkg/logger"
)

// WebConfig controls web page fetching.
type WebConfig struct {
	UserAgent    string
	FetchTimeout time.Duration
	// WaitAfterLoad is the settle time after a headless render.
	WaitAfterLoad time.Duration
	// DisableHeadless skips the chromedp fallback for script-heavy pages.
	DisableHeadless bool
}

// WebExtractor fetches a page, strips chrome elements, and returns the
// readable text. Pages that render through JavaScript fall back to a
// headless browser pass.
type WebExtractor struct {
	config WebConfig
	client *http.Client
	logger *logger.Logger
}

func NewWebExtractor(cfg WebConfig, log *logger.Logger) *WebExtractor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.WaitAfterLoad <= 0 {
		cfg.WaitAfterLoad = 2 * time.Second
	}
	return &WebExtractor{
		config: cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: log.WithComponent("extract.web"),
	}
}

func (e *WebExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	pageURL, err := url.Parse(in.URL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") || pageURL.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, in.URL)
	}

	html, err := e.fetchStatic(ctx, in.URL)
	if err != nil {
		return nil, err
	}

	result, err := e.parsePage(html, pageURL)
	if err != nil {
		return nil, err
	}

	// Script-rendered pages come back with an empty shell. Re-fetch
	// through a headless browser and parse the rendered DOM.
	if isJavaScriptRequired(result.Text, html) && !e.config.DisableHeadless {
		e.logger.Info("page appears script rendered, retrying headless", "url", in.URL)
		rendered, err := e.fetchRendered(ctx, in.URL)
		if err != nil {
			e.logger.Warn("headless fetch failed, keeping static result", "url", in.URL, "error", err)
		} else if renderedResult, err := e.parsePage(rendered, pageURL); err == nil {
			result = renderedResult
		}
	}

	if strings.TrimSpace(result.Text) == "" {
		return nil, fmt.Errorf("%w: page %s has no readable text", ErrEmptyContent, in.URL)
	}

	e.logger.Info("extracted web page", "url", in.URL, "chars", len(result.Text), "images", len(result.Images))
	return result, nil
}

func (e *WebExtractor) fetchStatic(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", e.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d", ErrFetch, pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}
	return string(body), nil
}

func (e *WebExtractor) fetchRendered(ctx context.Context, pageURL string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*e.config.FetchTimeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(e.config.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(e.config.WaitAfterLoad),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("headless render: %w", err)
	}
	return html, nil
}

// parsePage pulls title, description, readable text, and image candidates
// out of an HTML document.
func (e *WebExtractor) parsePage(html string, pageURL *url.URL) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	result := &Result{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: metaContent(doc, `meta[property="og:description"]`, `meta[name="description"]`),
		Images:      collectImages(doc, pageURL),
		Metadata:    map[string]any{"url": pageURL.String()},
	}
	if ogTitle := metaContent(doc, `meta[property="og:title"]`); ogTitle != "" {
		result.Title = ogTitle
	}

	doc.Find("script, style, noscript, iframe, nav, header, footer, aside, form").Remove()

	// Prefer the page's content container when it has one.
	content := doc.Find("main").First()
	if content.Length() == 0 {
		content = doc.Find("article").First()
	}
	if content.Length() == 0 {
		content = doc.Find("body").First()
	}
	result.Text = normalizePageText(content.Text())
	return result, nil
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// social preview metadata, in preference order
var previewImageSelectors = []string{
	`meta[property="og:image"]`,
	`meta[name="twitter:image"]`,
	`meta[property="twitter:image"]`,
	`meta[itemprop="image"]`,
}

// collectImages gathers candidate content images, preview metadata first
// (og:image, then twitter:image, then schema.org), then body images
// filtered down to ones likely to carry meaning.
func collectImages(doc *goquery.Document, pageURL *url.URL) []string {
	seen := make(map[string]bool)
	var images []string
	add := func(src string) {
		resolved := resolveImageURL(pageURL, src)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		if len(images) < MaxDiscoveredImages {
			images = append(images, resolved)
		}
	}

	for _, sel := range previewImageSelectors {
		if preview, ok := doc.Find(sel).First().Attr("content"); ok && preview != "" {
			add(preview)
			break
		}
	}

	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, ok := s.Attr("src")
		if !ok || src == "" {
			src, _ = s.Attr("data-src")
		}
		if isContentImage(src, s) {
			add(src)
		}
		return len(images) < MaxDiscoveredImages
	})
	return images
}

func resolveImageURL(pageURL *url.URL, src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	resolved := pageURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

// MinContentImagePx is the smallest declared dimension accepted for a body
// image. Images without width or height attributes are kept.
const MinContentImagePx = 200

// isContentImage filters out tracking pixels, icons, and vector assets.
func isContentImage(src string, s *goquery.Selection) bool {
	if src == "" || strings.HasPrefix(src, "data:") {
		return false
	}
	lower := strings.ToLower(src)
	if strings.HasSuffix(lower, ".svg") || strings.Contains(lower, "pixel") ||
		strings.Contains(lower, "tracking") || strings.Contains(lower, "spacer") ||
		strings.Contains(lower, "icon") || strings.Contains(lower, "logo") {
		return false
	}
	if tooSmall(s, "width") || tooSmall(s, "height") {
		return false
	}
	return true
}

func tooSmall(s *goquery.Selection, attr string) bool {
	v, ok := s.Attr(attr)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	return err == nil && n > 0 && n < MinContentImagePx
}

// isJavaScriptRequired guesses whether a page needs a browser to render.
// A near-empty body or a bare SPA mount point are the usual signs.
func isJavaScriptRequired(text, html string) bool {
	if len(strings.TrimSpace(text)) >= 100 {
		return false
	}
	lower := strings.ToLower(html)
	for _, marker := range []string{`id="root"`, `id="app"`, `id="__next"`, "enable javascript", "ng-app"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(strings.TrimSpace(text)) < 100
}

func normalizePageText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
