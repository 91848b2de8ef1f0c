// Package rag retrieves project source chunks relevant to a query and
// formats them as model context.
package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/embedder"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// ChunkSearcher runs similarity searches over stored chunks.
type ChunkSearcher interface {
	Search(ctx context.Context, q storage.SearchQuery) ([]storage.RetrievedChunk, error)
}

// TitleLookup resolves source IDs to titles in one query.
type TitleLookup interface {
	GetTitles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// Config holds retrieval tuning.
type Config struct {
	// MatchCount is the chunk limit for chat retrieval.
	MatchCount int
	// MatchThreshold is the minimum similarity for chat retrieval.
	MatchThreshold float64
	// GenerationMatchCount is the wider limit used for document generation.
	GenerationMatchCount int
	// GenerationThreshold is the looser floor used for document generation.
	GenerationThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MatchCount:           10,
		MatchThreshold:       0.7,
		GenerationMatchCount: 20,
		GenerationThreshold:  0.5,
	}
}

// Retriever embeds a query, searches the project's chunks, and attaches
// source titles. Retrieval is best effort: any failure is logged and an
// empty result returned so the caller can answer without context.
type Retriever struct {
	embedder embedder.Embedder
	chunks   ChunkSearcher
	sources  TitleLookup
	cache    *storage.EmbeddingCache
	config   Config
	logger   *logger.Logger
}

func NewRetriever(emb embedder.Embedder, chunks ChunkSearcher, sources TitleLookup, cache *storage.EmbeddingCache, cfg Config, log *logger.Logger) *Retriever {
	if cfg.MatchCount <= 0 {
		cfg = DefaultConfig()
	}
	return &Retriever{
		embedder: emb,
		chunks:   chunks,
		sources:  sources,
		cache:    cache,
		config:   cfg,
		logger:   log.WithComponent("rag.retriever"),
	}
}

// Retrieve returns the chunks most relevant to query within the project,
// using the chat defaults.
func (r *Retriever) Retrieve(ctx context.Context, query string, projectID, userID uuid.UUID) []storage.RetrievedChunk {
	return r.retrieve(ctx, query, projectID, userID, r.config.MatchCount, r.config.MatchThreshold)
}

// RetrieveForGeneration casts a wider net for document generation, with a
// higher limit and a looser similarity floor.
func (r *Retriever) RetrieveForGeneration(ctx context.Context, query string, projectID, userID uuid.UUID) []storage.RetrievedChunk {
	return r.retrieve(ctx, query, projectID, userID, r.config.GenerationMatchCount, r.config.GenerationThreshold)
}

func (r *Retriever) retrieve(ctx context.Context, query string, projectID, userID uuid.UUID, count int, threshold float64) []storage.RetrievedChunk {
	embedding, err := r.embedQuery(ctx, query)
	if err != nil {
		r.logger.WithError(err).Warn("query embedding failed, returning no context", "project_id", projectID)
		return nil
	}

	results, err := r.chunks.Search(ctx, storage.SearchQuery{
		Embedding:      embedding,
		ProjectID:      projectID,
		UserID:         userID,
		MatchCount:     count,
		MatchThreshold: threshold,
	})
	if err != nil {
		r.logger.WithError(err).Warn("chunk search failed, returning no context", "project_id", projectID)
		return nil
	}
	if len(results) == 0 {
		return nil
	}

	r.attachTitles(ctx, results)
	r.logger.Debug("retrieved chunks", "project_id", projectID, "count", len(results))
	return results
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	model := r.embedder.ModelName()
	if r.cache != nil {
		if embedding, ok := r.cache.Get(ctx, model, query); ok {
			return embedding, nil
		}
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if r.cache != nil {
		r.cache.Set(ctx, model, query, embedding)
	}
	return embedding, nil
}

// attachTitles resolves all source titles in a single lookup.
func (r *Retriever) attachTitles(ctx context.Context, results []storage.RetrievedChunk) {
	idSet := make(map[uuid.UUID]bool, len(results))
	ids := make([]uuid.UUID, 0, len(results))
	for _, chunk := range results {
		if !idSet[chunk.SourceID] {
			idSet[chunk.SourceID] = true
			ids = append(ids, chunk.SourceID)
		}
	}

	titles, err := r.sources.GetTitles(ctx, ids)
	if err != nil {
		r.logger.WithError(err).Warn("title lookup failed, leaving titles empty")
		return
	}
	for i := range results {
		results[i].SourceTitle = titles[results[i].SourceID]
	}
}
