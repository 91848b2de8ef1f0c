package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ChatStore persists chat sessions and messages.
type ChatStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewChatStore creates a ChatStore.
func NewChatStore(db *PostgresDB, logger *slog.Logger) *ChatStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatStore{db: db, logger: logger.With("component", "chat_store")}
}

// CreateSession inserts a new session.
func (s *ChatStore) CreateSession(ctx context.Context, session *ChatSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, project_id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at`,
		session.ID, session.ProjectID, session.UserID, session.Title,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *ChatStore) GetSession(ctx context.Context, id uuid.UUID) (*ChatSession, error) {
	session := &ChatSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, title, created_at, updated_at
		FROM chat_sessions WHERE id = $1`, id,
	).Scan(&session.ID, &session.ProjectID, &session.UserID, &session.Title,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions for a project and user, most recent first.
func (s *ChatStore) ListSessions(ctx context.Context, projectID, userID uuid.UUID) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE project_id = $1 AND user_id = $2
		ORDER BY updated_at DESC`, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		session := &ChatSession{}
		if err := rows.Scan(&session.ID, &session.ProjectID, &session.UserID,
			&session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ListMessages returns a session's messages oldest first.
func (s *ChatStore) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, parts, sources, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&msg.Parts, &msg.Sources, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendTurn stores a user/assistant message pair and bumps the session's
// updated_at, all in one transaction.
func (s *ChatStore) AppendTurn(ctx context.Context, sessionID uuid.UUID, userMsg, assistantMsg *ChatMessage) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range []*ChatMessage{userMsg, assistantMsg} {
			if msg == nil {
				continue
			}
			if msg.ID == uuid.Nil {
				msg.ID = uuid.New()
			}
			msg.SessionID = sessionID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_messages (id, session_id, role, content, parts, sources, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				msg.ID, sessionID, msg.Role, msg.Content, nullableJSON(msg.Parts), nullableJSON(msg.Sources),
			); err != nil {
				return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET updated_at = NOW() WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}
		return nil
	})
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
