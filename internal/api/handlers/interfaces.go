// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/agent"
	"github.com/quillhaven/research-agent/internal/generate"
	"github.com/quillhaven/research-agent/internal/ingest"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/internal/llm"
)

// SourceDB is the slice of source persistence the handlers need.
type SourceDB interface {
	Create(ctx context.Context, src *storage.Source) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Source, error)
	ListByProject(ctx context.Context, projectID, userID uuid.UUID) ([]*storage.Source, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionDB is the slice of chat persistence the handlers need.
type SessionDB interface {
	CreateSession(ctx context.Context, session *storage.ChatSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*storage.ChatSession, error)
	ListSessions(ctx context.Context, projectID, userID uuid.UUID) ([]*storage.ChatSession, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*storage.ChatMessage, error)
}

// ObjectStorage is the slice of object storage the handlers need.
type ObjectStorage interface {
	Health(ctx context.Context) error
	UploadBytes(ctx context.Context, data []byte, objectPath, contentType string) (string, error)
	GenerateSignedURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Ingester runs the ingestion pipeline for a registered source.
type Ingester interface {
	Ingest(ctx context.Context, sourceID uuid.UUID) (*ingest.Result, error)
}

// ChatService runs one agent chat turn, streaming events as it works.
type ChatService interface {
	Chat(ctx context.Context, req agent.Request, emit agent.EventHandler) (*agent.Response, error)
}

// DocumentService writes a document from the project's sources.
type DocumentService interface {
	Generate(ctx context.Context, req generate.Request, onText llm.StreamHandler) (*generate.Document, error)
}
