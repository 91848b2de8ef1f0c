package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/embedder"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

type mockSearcher struct {
	lastQuery storage.SearchQuery
	results   []storage.RetrievedChunk
	err       error
}

func (m *mockSearcher) Search(_ context.Context, q storage.SearchQuery) ([]storage.RetrievedChunk, error) {
	m.lastQuery = q
	return m.results, m.err
}

type mockTitles struct {
	titles map[uuid.UUID]string
	calls  int
	err    error
}

func (m *mockTitles) GetTitles(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if title, ok := m.titles[id]; ok {
			out[id] = title
		}
	}
	return out, nil
}

func newTestRetriever(searcher *mockSearcher, titles *mockTitles) *Retriever {
	return NewRetriever(embedder.NewMockEmbedder(8), searcher, titles, nil, DefaultConfig(), logger.Default())
}

func TestRetrieveUsesChatDefaults(t *testing.T) {
	sourceID := uuid.New()
	searcher := &mockSearcher{results: []storage.RetrievedChunk{
		{ChunkID: uuid.New(), SourceID: sourceID, Content: "chunk a", Similarity: 0.91},
	}}
	titles := &mockTitles{titles: map[uuid.UUID]string{sourceID: "Paper One"}}

	results := newTestRetriever(searcher, titles).Retrieve(context.Background(), "query", uuid.New(), uuid.New())

	if searcher.lastQuery.MatchCount != 10 {
		t.Errorf("MatchCount = %d, want 10", searcher.lastQuery.MatchCount)
	}
	if searcher.lastQuery.MatchThreshold != 0.7 {
		t.Errorf("MatchThreshold = %v, want 0.7", searcher.lastQuery.MatchThreshold)
	}
	if len(searcher.lastQuery.Embedding) != 8 {
		t.Errorf("embedding length = %d, want 8", len(searcher.lastQuery.Embedding))
	}
	if len(results) != 1 || results[0].SourceTitle != "Paper One" {
		t.Errorf("results = %+v", results)
	}
	if titles.calls != 1 {
		t.Errorf("GetTitles calls = %d, want 1", titles.calls)
	}
}

func TestRetrieveForGenerationWidensSearch(t *testing.T) {
	searcher := &mockSearcher{}
	newTestRetriever(searcher, &mockTitles{}).RetrieveForGeneration(context.Background(), "query", uuid.New(), uuid.New())

	if searcher.lastQuery.MatchCount != 20 {
		t.Errorf("MatchCount = %d, want 20", searcher.lastQuery.MatchCount)
	}
	if searcher.lastQuery.MatchThreshold != 0.5 {
		t.Errorf("MatchThreshold = %v, want 0.5", searcher.lastQuery.MatchThreshold)
	}
}

func TestRetrieveSearchFailureReturnsEmpty(t *testing.T) {
	searcher := &mockSearcher{err: fmt.Errorf("connection refused")}
	results := newTestRetriever(searcher, &mockTitles{}).Retrieve(context.Background(), "query", uuid.New(), uuid.New())
	if results != nil {
		t.Errorf("results = %v, want nil on search failure", results)
	}
}

func TestRetrieveTitleFailureKeepsChunks(t *testing.T) {
	searcher := &mockSearcher{results: []storage.RetrievedChunk{
		{ChunkID: uuid.New(), SourceID: uuid.New(), Content: "chunk a", Similarity: 0.8},
	}}
	titles := &mockTitles{err: fmt.Errorf("timeout")}

	results := newTestRetriever(searcher, titles).Retrieve(context.Background(), "query", uuid.New(), uuid.New())
	if len(results) != 1 {
		t.Fatalf("results = %v, want the chunk despite title failure", results)
	}
	if results[0].SourceTitle != "" {
		t.Errorf("SourceTitle = %q, want empty", results[0].SourceTitle)
	}
}

func TestRetrieveBatchesTitleLookup(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	searcher := &mockSearcher{results: []storage.RetrievedChunk{
		{SourceID: a, Content: "1"},
		{SourceID: b, Content: "2"},
		{SourceID: a, Content: "3"},
	}}
	titles := &mockTitles{titles: map[uuid.UUID]string{a: "A", b: "B"}}

	results := newTestRetriever(searcher, titles).Retrieve(context.Background(), "query", uuid.New(), uuid.New())
	if titles.calls != 1 {
		t.Errorf("GetTitles calls = %d, want a single batched lookup", titles.calls)
	}
	if results[2].SourceTitle != "A" {
		t.Errorf("third chunk title = %q, want A", results[2].SourceTitle)
	}
}

func TestFormatContextEmpty(t *testing.T) {
	if got := FormatContext(nil); got != NoSourcesSentinel {
		t.Errorf("FormatContext(nil) = %q, want sentinel", got)
	}
}

func TestFormatContextGroupsBySource(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	chunks := []storage.RetrievedChunk{
		{SourceID: a, SourceTitle: "Alpha Paper", Content: "second part", ChunkIndex: 3, Similarity: 0.95},
		{SourceID: b, SourceTitle: "Beta Notes", Content: "beta content", ChunkIndex: 0, Similarity: 0.9},
		{SourceID: a, SourceTitle: "Alpha Paper", Content: "first part", ChunkIndex: 1, Similarity: 0.85},
	}

	got := FormatContext(chunks)

	sections := strings.Split(got, "\n\n---\n\n")
	if len(sections) != 2 {
		t.Fatalf("sections = %d, want 2:\n%s", len(sections), got)
	}
	if !strings.HasPrefix(sections[0], "[Source 1: Alpha Paper]\n") {
		t.Errorf("first section header wrong:\n%s", sections[0])
	}
	if !strings.HasPrefix(sections[1], "[Source 2: Beta Notes]\n") {
		t.Errorf("second section header wrong:\n%s", sections[1])
	}
	// Within a source, chunks follow document order regardless of rank.
	if strings.Index(sections[0], "first part") > strings.Index(sections[0], "second part") {
		t.Errorf("chunks not in document order:\n%s", sections[0])
	}
}

func TestFormatContextUntitledFallback(t *testing.T) {
	got := FormatContext([]storage.RetrievedChunk{{SourceID: uuid.New(), Content: "x"}})
	if !strings.HasPrefix(got, "[Source 1: Untitled]") {
		t.Errorf("got %q", got)
	}
}

func TestSourceRefs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	refs := SourceRefs([]storage.RetrievedChunk{
		{SourceID: a, SourceTitle: "A"},
		{SourceID: b, SourceTitle: "B"},
		{SourceID: a, SourceTitle: "A"},
	})
	if len(refs) != 2 {
		t.Fatalf("refs = %+v, want 2", refs)
	}
	if refs[0].Number != 1 || refs[0].Title != "A" || refs[1].Number != 2 || refs[1].Title != "B" {
		t.Errorf("refs = %+v", refs)
	}
}
