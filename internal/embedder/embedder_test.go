package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Object string          `json:"object"`
	Data   []embeddingItem `json:"data"`
	Model  string          `json:"model"`
}

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// newEmbeddingsServer returns a server whose handler receives the parsed
// request and writes the response items it returns.
func newEmbeddingsServer(t *testing.T, handle func(req embeddingsRequest) ([]embeddingItem, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		items, status := handle(req)
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(embeddingsResponse{Object: "list", Data: items, Model: req.Model})
	}))
}

func newTestEmbedder(t *testing.T, baseURL string, batchSize int) *OpenAIEmbedder {
	t.Helper()
	e, err := NewOpenAIEmbedder(Config{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		MaxBatchSize: batchSize,
		MaxRetries:   1,
	}, nil)
	if err != nil {
		t.Fatalf("failed to create embedder: %v", err)
	}
	return e
}

func TestEmbedBatchOrderFollowsIndexField(t *testing.T) {
	// The provider returns items scrambled; the index field must decide
	// placement, not the response slice position.
	server := newEmbeddingsServer(t, func(req embeddingsRequest) ([]embeddingItem, int) {
		items := make([]embeddingItem, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			items = append(items, embeddingItem{
				Object:    "embedding",
				Index:     i,
				Embedding: []float32{float32(i), float32(i), float32(i)},
			})
		}
		return items, http.StatusOK
	})
	defer server.Close()

	e := newTestEmbedder(t, server.URL, 100)
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vectors) != 4 {
		t.Fatalf("expected 4 vectors, got %d", len(vectors))
	}
	for i, v := range vectors {
		if v[0] != float32(i) {
			t.Errorf("vector %d misplaced: got marker %v, want %d", i, v[0], i)
		}
	}
}

func TestEmbedBatchSplitsIntoBatches(t *testing.T) {
	var calls int32
	server := newEmbeddingsServer(t, func(req embeddingsRequest) ([]embeddingItem, int) {
		atomic.AddInt32(&calls, 1)
		if len(req.Input) > 2 {
			t.Errorf("batch larger than limit: %d", len(req.Input))
		}
		items := make([]embeddingItem, len(req.Input))
		for i := range req.Input {
			items[i] = embeddingItem{Object: "embedding", Index: i, Embedding: []float32{1}}
		}
		return items, http.StatusOK
	})
	defer server.Close()

	e := newTestEmbedder(t, server.URL, 2)
	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vectors) != 5 {
		t.Fatalf("expected 5 vectors, got %d", len(vectors))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 provider calls, got %d", got)
	}
}

func TestEmbedBatchFailureFailsWholeCall(t *testing.T) {
	var calls int32
	server := newEmbeddingsServer(t, func(req embeddingsRequest) ([]embeddingItem, int) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return nil, http.StatusInternalServerError
		}
		items := make([]embeddingItem, len(req.Input))
		for i := range req.Input {
			items[i] = embeddingItem{Object: "embedding", Index: i, Embedding: []float32{1}}
		}
		return items, http.StatusOK
	})
	defer server.Close()

	e := newTestEmbedder(t, server.URL, 2)
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	if err == nil {
		t.Fatal("expected error when a later batch fails")
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Errorf("expected ProviderError, got %T", err)
	}
}

func TestEmbedBatchIncompleteResponse(t *testing.T) {
	server := newEmbeddingsServer(t, func(req embeddingsRequest) ([]embeddingItem, int) {
		// one item short
		items := make([]embeddingItem, 0, len(req.Input)-1)
		for i := 0; i < len(req.Input)-1; i++ {
			items = append(items, embeddingItem{Object: "embedding", Index: i, Embedding: []float32{1}})
		}
		return items, http.StatusOK
	})
	defer server.Close()

	e := newTestEmbedder(t, server.URL, 100)
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error for incomplete response")
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := newTestEmbedder(t, "http://localhost:1", 100)
	vectors, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil vectors for empty input, got %v", vectors)
	}
}

func TestMockEmbedderDeterministic(t *testing.T) {
	m := NewMockEmbedder(64)
	a1, _ := m.Embed(context.Background(), "hello world")
	a2, _ := m.Embed(context.Background(), "hello world")
	b, _ := m.Embed(context.Background(), "different text")

	if CosineSimilarity(a1, a2) < 0.999 {
		t.Error("same text should produce identical vectors")
	}
	if sim := CosineSimilarity(a1, b); sim > 0.99 {
		t.Errorf("different texts should not be near-identical, got %v", sim)
	}
}
