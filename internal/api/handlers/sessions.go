// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/storage"
)

// SessionView is the API shape of a chat session.
type SessionView struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func sessionView(s *storage.ChatSession) SessionView {
	return SessionView{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		UserID:    s.UserID,
		Title:     s.Title.String,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// CreateSessionRequest represents the request to create a chat session.
type CreateSessionRequest struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
}

// CreateSession returns a handler for creating a new chat session.
// POST /api/v1/sessions
func CreateSession(db SessionDB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("failed to decode create session request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		projectID, err := uuid.Parse(req.ProjectID)
		if err != nil {
			RespondBadRequest(w, "Invalid project ID")
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			RespondBadRequest(w, "Invalid user ID")
			return
		}

		title := strings.TrimSpace(req.Title)
		session := &storage.ChatSession{
			ID:        uuid.New(),
			ProjectID: projectID,
			UserID:    userID,
			Title:     sql.NullString{String: title, Valid: title != ""},
		}

		if err := db.CreateSession(ctx, session); err != nil {
			logger.Error("failed to create session", "error", err)
			RespondInternalError(w, "Failed to create session")
			return
		}

		logger.Info("session created", "id", session.ID, "project_id", projectID)
		RespondCreated(w, sessionView(session))
	}
}

// ListSessions returns a handler for listing a project's chat sessions.
// GET /api/v1/sessions?project_id=...&user_id=...
func ListSessions(db SessionDB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		projectID, userID, ok := scopeFromQuery(w, r)
		if !ok {
			return
		}

		sessions, err := db.ListSessions(ctx, projectID, userID)
		if err != nil {
			logger.Error("failed to list sessions", "project_id", projectID, "error", err)
			RespondInternalError(w, "Failed to retrieve sessions")
			return
		}

		views := make([]SessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, sessionView(s))
		}

		RespondJSON(w, http.StatusOK, map[string]any{"sessions": views})
	}
}

// GetSessionMessages returns a handler for listing a session's messages.
// GET /api/v1/sessions/{id}/messages
func GetSessionMessages(db SessionDB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := chi.URLParam(r, "id")
		id, err := uuid.Parse(idStr)
		if err != nil {
			logger.Warn("invalid session ID", "id", idStr, "error", err)
			RespondBadRequest(w, "Invalid session ID")
			return
		}

		if _, err := db.GetSession(ctx, id); err != nil {
			logger.Warn("session not found", "id", id, "error", err)
			RespondNotFound(w, "Session not found")
			return
		}

		messages, err := db.ListMessages(ctx, id)
		if err != nil {
			logger.Error("failed to fetch messages", "session_id", id, "error", err)
			RespondInternalError(w, "Failed to retrieve messages")
			return
		}

		if messages == nil {
			messages = []*storage.ChatMessage{}
		}

		RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
	}
}

// scopeFromQuery parses the project_id and user_id query parameters shared
// by the scoped list endpoints. It writes the error response itself.
func scopeFromQuery(w http.ResponseWriter, r *http.Request) (projectID, userID uuid.UUID, ok bool) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		RespondBadRequest(w, "Invalid or missing project_id")
		return uuid.Nil, uuid.Nil, false
	}
	userID, err = uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		RespondBadRequest(w, "Invalid or missing user_id")
		return uuid.Nil, uuid.Nil, false
	}
	return projectID, userID, true
}
