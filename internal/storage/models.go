// Package storage provides database models and repository implementations.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SourceType identifies how a source's content is obtained.
type SourceType string

const (
	SourceTypePDF     SourceType = "pdf"
	SourceTypeURL     SourceType = "url"
	SourceTypeYouTube SourceType = "youtube"
	SourceTypeImage   SourceType = "image"
	SourceTypeText    SourceType = "text"
)

// SourceStatus tracks a source through the ingestion pipeline.
type SourceStatus string

const (
	StatusPending    SourceStatus = "pending"
	StatusProcessing SourceStatus = "processing"
	StatusReady      SourceStatus = "ready"
	StatusError      SourceStatus = "error"
)

// Source is a research source registered to a project.
// Content holds only a short preview; the full extracted text lives in
// object storage at TextPath.
type Source struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	ProjectID    uuid.UUID       `json:"project_id" db:"project_id"`
	UserID       uuid.UUID       `json:"user_id" db:"user_id"`
	Type         SourceType      `json:"type" db:"type"`
	Title        string          `json:"title" db:"title"`
	URL          sql.NullString  `json:"url" db:"url"`
	FilePath     sql.NullString  `json:"file_path" db:"file_path"`
	TextPath     sql.NullString  `json:"text_path" db:"text_path"`
	Content      string          `json:"content" db:"content"`
	Status       SourceStatus    `json:"status" db:"status"`
	ErrorMessage sql.NullString  `json:"error_message" db:"error_message"`
	Metadata     json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Chunk is an embedded slice of a source's text. Embedding is nil when
// embedding failed and the chunk was stored text-only.
type Chunk struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	SourceID   uuid.UUID       `json:"source_id" db:"source_id"`
	ProjectID  uuid.UUID       `json:"project_id" db:"project_id"`
	UserID     uuid.UUID       `json:"user_id" db:"user_id"`
	Content    string          `json:"content" db:"content"`
	Embedding  []float32       `json:"embedding,omitempty" db:"embedding"`
	ChunkIndex int             `json:"chunk_index" db:"chunk_index"`
	TokenCount sql.NullInt32   `json:"token_count" db:"token_count"`
	Metadata   json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// RetrievedChunk is a similarity search hit. SourceTitle is attached by the
// retriever via a batched lookup, not by the search query itself.
type RetrievedChunk struct {
	ChunkID     uuid.UUID `json:"chunk_id"`
	SourceID    uuid.UUID `json:"source_id"`
	Content     string    `json:"content"`
	ChunkIndex  int       `json:"chunk_index"`
	Similarity  float64   `json:"similarity"`
	SourceTitle string    `json:"source_title"`
}

// ChatSession is a conversation scoped to a project and user.
type ChatSession struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	ProjectID uuid.UUID      `json:"project_id" db:"project_id"`
	UserID    uuid.UUID      `json:"user_id" db:"user_id"`
	Title     sql.NullString `json:"title" db:"title"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// ChatMessage is a persisted chat turn. Parts holds the structured
// message parts (text segments and tool invocations) for assistant turns.
type ChatMessage struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	SessionID uuid.UUID       `json:"session_id" db:"session_id"`
	Role      string          `json:"role" db:"role"`
	Content   string          `json:"content" db:"content"`
	Parts     json.RawMessage `json:"parts,omitempty" db:"parts"`
	Sources   json.RawMessage `json:"sources,omitempty" db:"sources"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
