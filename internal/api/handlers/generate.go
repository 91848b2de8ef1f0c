// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/generate"
)

// GenerateRequestBody represents the request to generate a document.
type GenerateRequestBody struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Prompt    string `json:"prompt"`
	// Stream switches the response to server-sent events.
	Stream bool `json:"stream,omitempty"`
}

// HandleGenerate returns a handler that writes a document from the
// project's sources.
// POST /api/v1/generate
//
// With "stream": false the finished document is returned as JSON. With
// "stream": true the response is a text/event-stream of text-delta events
// followed by a final document event.
func HandleGenerate(generator DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req GenerateRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("failed to decode generate request", "error", err)
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
		if strings.TrimSpace(req.Prompt) == "" {
			RespondValidationError(w, []ValidationIssue{{Field: "prompt", Message: "Prompt is required"}})
			return
		}

		if generator == nil {
			logger.Warn("generation service not available")
			RespondServiceUnavailable(w, "Generation service not available")
			return
		}

		genReq := generate.Request{
			ProjectID: projectID,
			UserID:    userID,
			Prompt:    strings.TrimSpace(req.Prompt),
		}

		logger.Info("generating document", "project_id", projectID, "stream", req.Stream)

		if !req.Stream {
			doc, err := generator.Generate(ctx, genReq, nil)
			if err != nil {
				logger.Error("document generation failed", "project_id", projectID, "error", err)
				RespondInternalError(w, "Failed to generate document")
				return
			}
			RespondJSON(w, http.StatusOK, doc)
			return
		}

		stream, err := newSSEWriter(w)
		if err != nil {
			logger.Error("streaming unsupported", "error", err)
			RespondInternalError(w, "Streaming is not supported")
			return
		}

		doc, err := generator.Generate(ctx, genReq, func(delta string) error {
			return stream.Send("text-delta", map[string]string{"delta": delta})
		})
		if err != nil {
			logger.Error("document generation failed", "project_id", projectID, "error", err)
			_ = stream.Send("error", map[string]string{"message": "Failed to generate document"})
			return
		}

		_ = stream.Send("document", doc)
		logger.Info("document generated", "project_id", projectID, "title", doc.Title)
	}
}
