package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/quillhaven/research-agent/pkg/logger"
)

func newTestWebExtractor() *WebExtractor {
	return NewWebExtractor(WebConfig{
		UserAgent:       "test-agent",
		DisableHeadless: true,
	}, logger.Default())
}

func TestWebExtract(t *testing.T) {
	const page = `<html>
<head>
  <title>Fallback Title</title>
  <meta property="og:title" content="OG Title">
  <meta property="og:description" content="A page about things.">
  <meta property="og:image" content="/hero.jpg">
</head>
<body>
  <nav>Home About Contact</nav>
  <main>
    <h1>The Article</h1>
    <p>First paragraph with useful content that goes on long enough to be real.</p>
    <p>Second paragraph continues the discussion in some detail for readers.</p>
    <img src="/figures/chart.png" width="640" height="480">
    <img src="/tracking-pixel.gif" width="1" height="1">
    <img src="/logo.svg">
    <img src="data:image/png;base64,AAAA">
  </main>
  <footer>Copyright 2026</footer>
  <script>console.log("noise")</script>
</body>
</html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "test-agent" {
			t.Errorf("User-Agent = %q, want test-agent", got)
		}
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	result, err := newTestWebExtractor().Extract(context.Background(), Input{URL: srv.URL})
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}

	if result.Title != "OG Title" {
		t.Errorf("Title = %q, want og:title value", result.Title)
	}
	if result.Description != "A page about things." {
		t.Errorf("Description = %q", result.Description)
	}
	if !strings.Contains(result.Text, "First paragraph with useful content") {
		t.Errorf("Text missing article body: %q", result.Text)
	}
	for _, noise := range []string{"Home About Contact", "Copyright 2026", "console.log"} {
		if strings.Contains(result.Text, noise) {
			t.Errorf("Text contains stripped element content %q", noise)
		}
	}

	wantImages := []string{srv.URL + "/hero.jpg", srv.URL + "/figures/chart.png"}
	if len(result.Images) != len(wantImages) {
		t.Fatalf("Images = %v, want %v", result.Images, wantImages)
	}
	for i, want := range wantImages {
		if result.Images[i] != want {
			t.Errorf("Images[%d] = %q, want %q", i, result.Images[i], want)
		}
	}
}

func TestCollectImagesPreviewFallbacks(t *testing.T) {
	base, _ := url.Parse("https://example.com/post")
	tests := []struct {
		name string
		head string
		want string
	}{
		{"og:image preferred", `<meta property="og:image" content="/og.jpg"><meta name="twitter:image" content="/tw.jpg">`, "https://example.com/og.jpg"},
		{"twitter:image when no og", `<meta name="twitter:image" content="/tw.jpg">`, "https://example.com/tw.jpg"},
		{"twitter:image as property", `<meta property="twitter:image" content="/tw.jpg">`, "https://example.com/tw.jpg"},
		{"schema.org last resort", `<meta itemprop="image" content="/schema.jpg">`, "https://example.com/schema.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := "<html><head>" + tt.head + "</head><body></body></html>"
			result, err := newTestWebExtractor().parsePage(page, base)
			if err != nil {
				t.Fatalf("parsePage error: %v", err)
			}
			if len(result.Images) != 1 || result.Images[0] != tt.want {
				t.Errorf("Images = %v, want [%s]", result.Images, tt.want)
			}
		})
	}
}

func TestCollectImagesSizeThreshold(t *testing.T) {
	base, _ := url.Parse("https://example.com/post")
	page := `<html><body>
<img src="/thumb.jpg" width="120" height="90">
<img src="/figure.jpg" width="640" height="480">
<img src="/unsized.jpg">
</body></html>`

	result, err := newTestWebExtractor().parsePage(page, base)
	if err != nil {
		t.Fatalf("parsePage error: %v", err)
	}
	want := []string{"https://example.com/figure.jpg", "https://example.com/unsized.jpg"}
	if len(result.Images) != len(want) {
		t.Fatalf("Images = %v, want %v", result.Images, want)
	}
	for i := range want {
		if result.Images[i] != want[i] {
			t.Errorf("Images[%d] = %q, want %q", i, result.Images[i], want[i])
		}
	}
}

func TestWebExtractImageCap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body><main><p>Enough body text to avoid the script-rendered heuristic kicking in here.</p>")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, `<img src="/photo-%d.jpg" width="800">`, i)
	}
	sb.WriteString("</main></body></html>")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sb.String())
	}))
	defer srv.Close()

	result, err := newTestWebExtractor().Extract(context.Background(), Input{URL: srv.URL})
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(result.Images) != MaxDiscoveredImages {
		t.Errorf("Images count = %d, want %d", len(result.Images), MaxDiscoveredImages)
	}
}

func TestWebExtractStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestWebExtractor().Extract(context.Background(), Input{URL: srv.URL})
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("error = %v, want ErrFetch", err)
	}
}

func TestWebExtractInvalidURL(t *testing.T) {
	for _, bad := range []string{"not a url", "ftp://example.com/file", "/relative/path", ""} {
		if _, err := newTestWebExtractor().Extract(context.Background(), Input{URL: bad}); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Extract(%q) error = %v, want ErrInvalidURL", bad, err)
		}
	}
}

func TestIsJavaScriptRequired(t *testing.T) {
	longText := strings.Repeat("real content ", 20)
	if isJavaScriptRequired(longText, "<html><body>"+longText+"</body></html>") {
		t.Error("page with substantial text flagged as script rendered")
	}
	if !isJavaScriptRequired("", `<html><body><div id="root"></div></body></html>`) {
		t.Error("empty SPA shell not flagged as script rendered")
	}
	if !isJavaScriptRequired("Loading...", `<html><body>Loading...</body></html>`) {
		t.Error("near-empty body not flagged as script rendered")
	}
}

func TestNormalizePageText(t *testing.T) {
	in := "  Heading  \n\n\n\n  body   line   one  \n\t\n body line two \n"
	want := "Heading\n\nbody line one\n\nbody line two"
	if got := normalizePageText(in); got != want {
		t.Errorf("normalizePageText = %q, want %q", got, want)
	}
}
