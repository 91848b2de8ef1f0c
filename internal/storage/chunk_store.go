package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SearchQuery describes a similarity search over embedded chunks.
type SearchQuery struct {
	Embedding      []float32
	ProjectID      uuid.UUID
	UserID         uuid.UUID
	MatchCount     int
	MatchThreshold float64
}

// ChunkStore persists chunks and runs pgvector similarity searches.
type ChunkStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewChunkStore creates a ChunkStore.
func NewChunkStore(db *PostgresDB, logger *slog.Logger) *ChunkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkStore{db: db, logger: logger.With("component", "chunk_store")}
}

// ReplaceForSource atomically replaces all chunks of a source. Existing rows
// are deleted and the new set inserted in one transaction, which makes
// re-ingestion idempotent.
func (s *ChunkStore) ReplaceForSource(ctx context.Context, sourceID uuid.UUID, chunks []*Chunk) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = $1`, sourceID); err != nil {
			return fmt.Errorf("failed to delete existing chunks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, source_id, project_id, user_id, content, embedding, chunk_index, token_count, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`)
		if err != nil {
			return fmt.Errorf("failed to prepare chunk insert: %w", err)
		}
		defer stmt.Close()

		for _, chunk := range chunks {
			if chunk.ID == uuid.Nil {
				chunk.ID = uuid.New()
			}
			metadata := chunk.Metadata
			if metadata == nil {
				metadata = []byte(`{}`)
			}

			var embedding any
			if len(chunk.Embedding) > 0 {
				embedding = pgvector.NewVector(chunk.Embedding)
			}

			if _, err := stmt.ExecContext(ctx,
				chunk.ID, sourceID, chunk.ProjectID, chunk.UserID,
				chunk.Content, embedding, chunk.ChunkIndex, chunk.TokenCount, metadata,
			); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", chunk.ChunkIndex, err)
			}
		}
		return nil
	})
}

// Search returns chunks whose cosine similarity to the query embedding
// exceeds the threshold, best match first. Chunks stored without an
// embedding are never matched.
func (s *ChunkStore) Search(ctx context.Context, q SearchQuery) ([]RetrievedChunk, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("search requires a query embedding")
	}

	query := `
		SELECT id, source_id, content, chunk_index,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM chunks
		WHERE project_id = $2
		  AND user_id = $3
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1::vector) > $4
		ORDER BY embedding <=> $1::vector
		LIMIT $5`

	rows, err := s.db.QueryContext(ctx, query,
		pgvector.NewVector(q.Embedding), q.ProjectID, q.UserID, q.MatchThreshold, q.MatchCount)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []RetrievedChunk
	for rows.Next() {
		var rc RetrievedChunk
		if err := rows.Scan(&rc.ChunkID, &rc.SourceID, &rc.Content, &rc.ChunkIndex, &rc.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, rc)
	}
	return results, rows.Err()
}

// CountBySource returns the number of chunks stored for a source.
func (s *ChunkStore) CountBySource(ctx context.Context, sourceID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE source_id = $1`, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
