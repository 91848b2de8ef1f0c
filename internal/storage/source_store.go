package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SourceStore persists source records.
type SourceStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewSourceStore creates a SourceStore.
func NewSourceStore(db *PostgresDB, logger *slog.Logger) *SourceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceStore{db: db, logger: logger.With("component", "source_store")}
}

// Create inserts a new source. A zero ID is assigned; status defaults to
// pending when unset.
func (s *SourceStore) Create(ctx context.Context, src *Source) error {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	if src.Status == "" {
		src.Status = StatusPending
	}
	if src.Metadata == nil {
		src.Metadata = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO sources (id, project_id, user_id, type, title, url, file_path, content, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		src.ID, src.ProjectID, src.UserID, src.Type, src.Title,
		src.URL, src.FilePath, src.Content, src.Status, src.Metadata,
	).Scan(&src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert source: %w", err)
	}
	return nil
}

// GetByID fetches a source by ID.
func (s *SourceStore) GetByID(ctx context.Context, id uuid.UUID) (*Source, error) {
	query := `
		SELECT id, project_id, user_id, type, title, url, file_path, text_path,
		       content, status, error_message, metadata, created_at, updated_at
		FROM sources WHERE id = $1`

	src := &Source{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&src.ID, &src.ProjectID, &src.UserID, &src.Type, &src.Title,
		&src.URL, &src.FilePath, &src.TextPath, &src.Content, &src.Status,
		&src.ErrorMessage, &src.Metadata, &src.CreatedAt, &src.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

// ListByProject returns all sources for a project and user, newest first.
func (s *SourceStore) ListByProject(ctx context.Context, projectID, userID uuid.UUID) ([]*Source, error) {
	query := `
		SELECT id, project_id, user_id, type, title, url, file_path, text_path,
		       content, status, error_message, metadata, created_at, updated_at
		FROM sources
		WHERE project_id = $1 AND user_id = $2
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src := &Source{}
		if err := rows.Scan(
			&src.ID, &src.ProjectID, &src.UserID, &src.Type, &src.Title,
			&src.URL, &src.FilePath, &src.TextPath, &src.Content, &src.Status,
			&src.ErrorMessage, &src.Metadata, &src.CreatedAt, &src.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// SetStatus updates the status and error message of a source.
func (s *SourceStore) SetStatus(ctx context.Context, id uuid.UUID, status SourceStatus, errorMessage string) error {
	query := `
		UPDATE sources
		SET status = $2, error_message = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update source status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExtracted records the extraction outputs: the content preview, the
// object storage path of the full text, and updated metadata.
func (s *SourceStore) SetExtracted(ctx context.Context, id uuid.UUID, preview, textPath string, metadata json.RawMessage) error {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	query := `
		UPDATE sources
		SET content = $2, text_path = $3, metadata = $4, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, preview, textPath, metadata)
	if err != nil {
		return fmt.Errorf("failed to update source content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitle replaces the title, typically with one discovered during
// extraction.
func (s *SourceStore) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET title = $2, updated_at = NOW() WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("failed to update source title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a source. Chunk rows cascade via the FK.
func (s *SourceStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTitles resolves source titles for a set of IDs in one query.
func (s *SourceStore) GetTitles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	titles := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return titles, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title FROM sources WHERE id = ANY($1)`, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("failed to scan source title: %w", err)
		}
		titles[id] = title
	}
	return titles, rows.Err()
}
