// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/agent"
)

// maxChatMessageRunes bounds a single user turn.
const maxChatMessageRunes = 4000

// ChatRequestBody represents the incoming chat request body.
type ChatRequestBody struct {
	Message string `json:"message"`
}

// ValidationIssue describes one invalid request field.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateChatRequest validates the chat request body.
func ValidateChatRequest(req *ChatRequestBody) []ValidationIssue {
	var issues []ValidationIssue

	message := strings.TrimSpace(req.Message)
	if message == "" {
		issues = append(issues, ValidationIssue{
			Field:   "message",
			Message: "Message is required",
		})
	} else if utf8.RuneCountInString(message) > maxChatMessageRunes {
		issues = append(issues, ValidationIssue{
			Field:   "message",
			Message: "Message must not exceed 4000 characters",
		})
	}

	return issues
}

// HandleChat returns a handler that runs one agent turn for a session and
// streams the agent's events back as server-sent events.
// POST /api/v1/sessions/{id}/chat
//
// Request body:
//
//	{"message": "Summarize the attention papers in my sources"}
//
// The response is a text/event-stream of agent events: sources, text-delta,
// tool-call, tool-result, done, and error.
func HandleChat(sessions SessionDB, chat ChatService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := chi.URLParam(r, "id")
		sessionID, err := uuid.Parse(idStr)
		if err != nil {
			logger.Warn("invalid session ID", "id", idStr, "error", err)
			RespondBadRequest(w, "Invalid session ID")
			return
		}

		var req ChatRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("failed to decode chat request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		if issues := ValidateChatRequest(&req); len(issues) > 0 {
			logger.Warn("chat request validation failed", "issues", issues)
			RespondValidationError(w, issues)
			return
		}

		// Resolve the session before committing to a stream so missing
		// sessions still get a plain 404.
		if _, err := sessions.GetSession(ctx, sessionID); err != nil {
			logger.Warn("session not found", "session_id", sessionID, "error", err)
			RespondNotFound(w, "Session not found")
			return
		}

		if chat == nil {
			logger.Warn("chat service not available")
			RespondServiceUnavailable(w, "Chat service not available")
			return
		}

		stream, err := newSSEWriter(w)
		if err != nil {
			logger.Error("streaming unsupported", "error", err)
			RespondInternalError(w, "Streaming is not supported")
			return
		}

		logger.Info("processing chat turn",
			"session_id", sessionID,
			"message_length", len(req.Message),
		)

		_, err = chat.Chat(ctx, agent.Request{
			SessionID: sessionID,
			Message:   strings.TrimSpace(req.Message),
		}, func(ev agent.Event) error {
			return stream.Send(string(ev.Type), ev)
		})
		if err != nil {
			logger.Error("chat turn failed", "session_id", sessionID, "error", err)
			// Headers are long gone; report the failure in-stream.
			_ = stream.Send(string(agent.EventError), agent.Event{
				Type:    agent.EventError,
				Message: "Failed to process your message. Please try again.",
			})
			return
		}

		logger.Info("chat turn completed", "session_id", sessionID)
	}
}
