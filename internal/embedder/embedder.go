// Package embedder turns text into embedding vectors.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Embedder is the interface for embedding providers.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for all texts, in input order. The call
	// is all-or-nothing: any provider failure fails the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// ModelName returns the model identifier.
	ModelName() string
}

// ProviderError wraps a failure from the embedding provider.
type ProviderError struct {
	Model string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed (model %s): %v", e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Config holds embedder configuration.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	MaxBatchSize int
	MaxRetries   int
	// RequestsPerMinute bounds calls to the provider; 0 disables limiting.
	RequestsPerMinute int
}

// DefaultConfig returns the default embedder configuration.
func DefaultConfig() Config {
	return Config{
		Model:             string(openai.SmallEmbedding3),
		MaxBatchSize:      100,
		MaxRetries:        3,
		RequestsPerMinute: 300,
	}
}

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	config    Config
	logger    *slog.Logger
	limiter   *rate.Limiter
	dimension int
}

// NewOpenAIEmbedder creates an OpenAI embedder.
func NewOpenAIEmbedder(cfg Config, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > 100 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/10+1)
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		config:    cfg,
		logger:    logger.With("component", "embedder", "model", cfg.Model),
		limiter:   limiter,
		dimension: dimensionForModel(cfg.Model),
	}, nil
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in provider batches of at most MaxBatchSize.
// Within each batch the provider-returned index field decides placement;
// response slice order is never trusted.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.config.MaxBatchSize {
		end := start + e.config.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		data, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, &ProviderError{Model: e.config.Model, Err: err}
		}
		if len(data) != len(batch) {
			return nil, &ProviderError{
				Model: e.config.Model,
				Err:   fmt.Errorf("expected %d embeddings, got %d", len(batch), len(data)),
			}
		}

		for _, item := range data {
			if item.Index < 0 || item.Index >= len(batch) {
				return nil, &ProviderError{
					Model: e.config.Model,
					Err:   fmt.Errorf("embedding index %d out of range for batch of %d", item.Index, len(batch)),
				}
			}
			vectors[start+item.Index] = item.Embedding
		}
	}

	for i, v := range vectors {
		if v == nil {
			return nil, &ProviderError{
				Model: e.config.Model,
				Err:   fmt.Errorf("provider returned no embedding for input %d", i),
			}
		}
	}
	return vectors, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string { return e.config.Model }

func (e *OpenAIEmbedder) embedBatchWithRetry(ctx context.Context, batch []string) ([]openai.Embedding, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			e.logger.Warn("retrying embedding request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: batch,
			Model: openai.EmbeddingModel(e.config.Model),
		})
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Data, nil
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", e.config.MaxRetries, lastErr)
}

func dimensionForModel(model string) int {
	switch model {
	case string(openai.LargeEmbedding3):
		return 3072
	default:
		return 1536
	}
}

// MockEmbedder produces deterministic hash-derived vectors for tests and
// offline development.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a MockEmbedder with the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MockEmbedder{dimension: dimension}
}

// Embed returns a deterministic unit vector derived from the text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := sha256.Sum256([]byte(text))
	vector := make([]float32, m.dimension)
	var norm float64
	for i := range vector {
		seed := binary.LittleEndian.Uint32(hash[(i*4)%28:])
		v := float64(seed^uint32(i)) / float64(math.MaxUint32)
		vector[i] = float32(v*2 - 1)
		norm += float64(vector[i]) * float64(vector[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector, nil
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector, nil
}

// EmbedBatch embeds each text with Embed.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Dimension returns the embedding dimension.
func (m *MockEmbedder) Dimension() int { return m.dimension }

// ModelName returns a fixed mock model name.
func (m *MockEmbedder) ModelName() string { return "mock-embedder" }

// CosineSimilarity computes cosine similarity of two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
