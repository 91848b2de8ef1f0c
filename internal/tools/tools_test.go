package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/extract"
	"github.com/quillhaven/research-agent/internal/ingest"
	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

func searchResultHTML(n int) string {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		target := url.QueryEscape(fmt.Sprintf("https://example.com/page-%d", i))
		fmt.Fprintf(&sb, `<div class="result">
<a class="result__a" href="//duckduckgo.com/l/?uddg=%s&rut=abc">Result %d</a>
<a class="result__snippet">Snippet for result %d.</a>
</div>`, target, i, i)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

func TestWebSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("q") != "go concurrency" {
			t.Errorf("query param = %q", r.PostForm.Get("q"))
		}
		fmt.Fprint(w, searchResultHTML(3))
	}))
	defer srv.Close()

	tool := NewWebSearchTool("test-agent", 0, logger.Default())
	tool.baseURL = srv.URL

	results, err := tool.Search(context.Background(), "go concurrency")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].URL != "https://example.com/page-0" {
		t.Errorf("URL = %q, want unwrapped redirect", results[0].URL)
	}
	if results[0].Title != "Result 0" {
		t.Errorf("Title = %q", results[0].Title)
	}
	if !strings.Contains(results[0].Snippet, "Snippet for result 0") {
		t.Errorf("Snippet = %q", results[0].Snippet)
	}
}

func TestWebSearchCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, searchResultHTML(20))
	}))
	defer srv.Close()

	tool := NewWebSearchTool("test-agent", 0, logger.Default())
	tool.baseURL = srv.URL

	results, err := tool.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != MaxSearchResults {
		t.Errorf("results = %d, want %d", len(results), MaxSearchResults)
	}
}

func TestWebSearchExecuteEmptyQuery(t *testing.T) {
	tool := NewWebSearchTool("test-agent", 0, logger.Default())
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"  "}`)); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestUnwrapRedirect(t *testing.T) {
	tests := []struct {
		href string
		want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa&rut=x", "https://example.com/a"},
		{"https://example.com/direct", "https://example.com/direct"},
		{"javascript:void(0)", ""},
	}
	for _, tt := range tests {
		if got := unwrapRedirect(tt.href); got != tt.want {
			t.Errorf("unwrapRedirect(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}
}

type stubPageExtractor struct {
	result *extract.Result
	err    error
}

func (s *stubPageExtractor) Extract(context.Context, extract.Input) (*extract.Result, error) {
	return s.result, s.err
}

func TestReadPageTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxPageChars+500)
	tool := NewReadPageTool(&stubPageExtractor{result: &extract.Result{Text: long, Title: "Long Page"}}, logger.Default())

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://site.test/long"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !strings.Contains(out, "[Content truncated]") {
		t.Error("truncation marker missing")
	}
	if !strings.HasPrefix(out, "Title: Long Page\n") {
		t.Errorf("title header missing: %q", out[:40])
	}
	if strings.Count(out, "x") != MaxPageChars {
		t.Errorf("content length = %d, want %d", strings.Count(out, "x"), MaxPageChars)
	}
}

func TestReadPageFailureIsContentNotError(t *testing.T) {
	tool := NewReadPageTool(&stubPageExtractor{err: fmt.Errorf("connection refused")}, logger.Default())

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com/down"}`))
	if err != nil {
		t.Fatalf("Execute error: %v, fetch failures must come back as content", err)
	}
	if !strings.Contains(out, "Unable to read") || !strings.Contains(out, "connection refused") {
		t.Errorf("failure content = %q", out)
	}
}

type stubSourceCreator struct {
	created   *storage.Source
	deleted   []uuid.UUID
	createErr error
}

func (s *stubSourceCreator) Create(_ context.Context, src *storage.Source) error {
	if s.createErr != nil {
		return s.createErr
	}
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	s.created = src
	return nil
}

func (s *stubSourceCreator) Delete(_ context.Context, id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubIngester struct {
	result      *ingest.Result
	err         error
	contentUsed string
	fullIngest  bool
}

func (s *stubIngester) Ingest(_ context.Context, sourceID uuid.UUID) (*ingest.Result, error) {
	s.fullIngest = true
	return s.result, s.err
}

func (s *stubIngester) IngestContent(_ context.Context, sourceID uuid.UUID, content string) (*ingest.Result, error) {
	s.contentUsed = content
	return s.result, s.err
}

type stubObjects struct {
	storage.ObjectStorage
	deletedPrefixes []string
}

func (s *stubObjects) DeletePrefix(_ context.Context, prefix string) error {
	s.deletedPrefixes = append(s.deletedPrefixes, prefix)
	return nil
}

func TestAddSourceWithContent(t *testing.T) {
	sources := &stubSourceCreator{}
	ingester := &stubIngester{result: &ingest.Result{ChunkCount: 4, Status: storage.StatusReady}}
	tool := NewAddSourceTool(sources, ingester, &stubObjects{}, uuid.New(), uuid.New(), logger.Default())

	out, err := tool.Execute(context.Background(),
		json.RawMessage(`{"url":"https://example.com/post","title":"A Post","content":"already read text"}`))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if ingester.contentUsed != "already read text" {
		t.Error("content path not used despite provided content")
	}
	if ingester.fullIngest {
		t.Error("full ingest ran despite provided content")
	}
	if sources.created == nil || sources.created.Type != storage.SourceTypeURL {
		t.Errorf("created source = %+v", sources.created)
	}
	if !strings.Contains(out, "4 chunks") {
		t.Errorf("output = %q", out)
	}
}

func TestAddSourceRollbackOnIngestFailure(t *testing.T) {
	sources := &stubSourceCreator{}
	ingester := &stubIngester{err: fmt.Errorf("extraction failed")}
	objects := &stubObjects{}
	projectID := uuid.New()
	tool := NewAddSourceTool(sources, ingester, objects, projectID, uuid.New(), logger.Default())

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com/bad"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(sources.deleted) != 1 || sources.deleted[0] != sources.created.ID {
		t.Errorf("source record not rolled back: %v", sources.deleted)
	}
	wantPrefix := projectID.String() + "/" + sources.created.ID.String()
	if len(objects.deletedPrefixes) != 1 || objects.deletedPrefixes[0] != wantPrefix {
		t.Errorf("artifact prefix not rolled back: %v", objects.deletedPrefixes)
	}
}

func TestRegistryExecuteCallWrapsErrors(t *testing.T) {
	reg := NewRegistry(logger.Default())
	reg.MustRegister(NewReadPageTool(&stubPageExtractor{result: &extract.Result{Text: "ok"}}, logger.Default()))

	result := reg.ExecuteCall(context.Background(), llm.ToolCall{
		ID:    "call_1",
		Name:  "nope",
		Input: json.RawMessage(`{}`),
	})
	if !result.IsError {
		t.Error("unknown tool did not produce an error result")
	}
	if result.ToolUseID != "call_1" {
		t.Errorf("ToolUseID = %q", result.ToolUseID)
	}

	ok := reg.ExecuteCall(context.Background(), llm.ToolCall{
		ID:    "call_2",
		Name:  "readWebPage",
		Input: json.RawMessage(`{"url":"https://example.com"}`),
	})
	if ok.IsError {
		t.Errorf("expected success, got error result: %s", ok.Content)
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	reg := NewRegistry(logger.Default())
	reg.MustRegister(NewWebSearchTool("ua", 0, logger.Default()))
	reg.MustRegister(NewReadPageTool(&stubPageExtractor{}, logger.Default()))

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "readWebPage" || defs[1].Name != "webSearch" {
		names := make([]string, len(defs))
		for i, d := range defs {
			names[i] = d.Name
		}
		t.Errorf("definitions order = %v", names)
	}
}
