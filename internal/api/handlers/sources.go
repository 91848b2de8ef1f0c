// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/storage"
)

// maxUploadBytes bounds a single uploaded source file.
const maxUploadBytes = 50 << 20

// ingestTimeout bounds one background ingestion run kicked off by the API.
const ingestTimeout = 10 * time.Minute

// SourceView is the API shape of a source.
type SourceView struct {
	ID           uuid.UUID            `json:"id"`
	ProjectID    uuid.UUID            `json:"project_id"`
	Type         storage.SourceType   `json:"type"`
	Title        string               `json:"title"`
	URL          string               `json:"url,omitempty"`
	Preview      string               `json:"preview,omitempty"`
	Status       storage.SourceStatus `json:"status"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Metadata     json.RawMessage      `json:"metadata,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func sourceView(s *storage.Source) SourceView {
	return SourceView{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		Type:         s.Type,
		Title:        s.Title,
		URL:          s.URL.String,
		Preview:      s.Content,
		Status:       s.Status,
		ErrorMessage: s.ErrorMessage.String,
		Metadata:     s.Metadata,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// CreateSourceRequest represents the request to register a source.
type CreateSourceRequest struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	// Content is inline text for text sources.
	Content string `json:"content,omitempty"`
}

func validateCreateSource(req *CreateSourceRequest) []ValidationIssue {
	var issues []ValidationIssue

	switch storage.SourceType(req.Type) {
	case storage.SourceTypePDF, storage.SourceTypeURL, storage.SourceTypeYouTube, storage.SourceTypeImage:
		if strings.TrimSpace(req.URL) == "" {
			issues = append(issues, ValidationIssue{Field: "url", Message: "URL is required for this source type"})
		} else if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			issues = append(issues, ValidationIssue{Field: "url", Message: "URL must be http or https"})
		}
	case storage.SourceTypeText:
		if strings.TrimSpace(req.Content) == "" {
			issues = append(issues, ValidationIssue{Field: "content", Message: "Content is required for text sources"})
		}
	default:
		issues = append(issues, ValidationIssue{Field: "type", Message: "Unknown source type"})
	}

	return issues
}

// CreateSource returns a handler that registers a source and starts its
// ingestion in the background. The source is returned immediately with
// status pending; clients follow progress over the realtime channel or by
// polling.
// POST /api/v1/sources
func CreateSource(db SourceDB, objects ObjectStorage, ingester Ingester, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req CreateSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("failed to decode create source request", "error", err)
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

		if issues := validateCreateSource(&req); len(issues) > 0 {
			logger.Warn("create source validation failed", "issues", issues)
			RespondValidationError(w, issues)
			return
		}

		src := &storage.Source{
			ID:        uuid.New(),
			ProjectID: projectID,
			UserID:    userID,
			Type:      storage.SourceType(req.Type),
			Title:     strings.TrimSpace(req.Title),
			Status:    storage.StatusPending,
		}
		if src.Title == "" {
			src.Title = defaultSourceTitle(src.Type, req.URL)
		}
		if req.URL != "" {
			src.URL = sql.NullString{String: req.URL, Valid: true}
		}

		// Inline text goes to object storage so re-ingestion always has
		// the full original, not the stored preview.
		if src.Type == storage.SourceTypeText {
			objectPath := path.Join(projectID.String(), src.ID.String(), "upload.txt")
			if _, err := objects.UploadBytes(ctx, []byte(req.Content), objectPath, "text/plain"); err != nil {
				logger.Error("failed to store source text", "source_id", src.ID, "error", err)
				RespondInternalError(w, "Failed to store source content")
				return
			}
			src.FilePath = sql.NullString{String: objectPath, Valid: true}
		}

		if err := db.Create(ctx, src); err != nil {
			logger.Error("failed to create source", "error", err)
			RespondInternalError(w, "Failed to create source")
			return
		}

		kickIngest(ingester, src.ID, logger)

		logger.Info("source registered", "id", src.ID, "type", src.Type, "project_id", projectID)
		RespondAccepted(w, sourceView(src))
	}
}

// UploadSource returns a handler that accepts a multipart file upload,
// stores it, registers the source, and starts ingestion.
// POST /api/v1/sources/upload
//
// Form fields: project_id, user_id, type (pdf, image or text), title
// (optional) and file.
func UploadSource(db SourceDB, objects ObjectStorage, ingester Ingester, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			logger.Warn("failed to parse upload form", "error", err)
			RespondBadRequest(w, "Invalid or oversized upload")
			return
		}

		projectID, err := uuid.Parse(r.FormValue("project_id"))
		if err != nil {
			RespondBadRequest(w, "Invalid project ID")
			return
		}
		userID, err := uuid.Parse(r.FormValue("user_id"))
		if err != nil {
			RespondBadRequest(w, "Invalid user ID")
			return
		}

		srcType := storage.SourceType(r.FormValue("type"))
		switch srcType {
		case storage.SourceTypePDF, storage.SourceTypeImage, storage.SourceTypeText:
		default:
			RespondValidationError(w, []ValidationIssue{{Field: "type", Message: "Uploads must be pdf, image or text sources"}})
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			RespondBadRequest(w, "A file is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			logger.Error("failed to read upload", "error", err)
			RespondInternalError(w, "Failed to read uploaded file")
			return
		}
		if len(data) == 0 {
			RespondBadRequest(w, "Uploaded file is empty")
			return
		}

		title := strings.TrimSpace(r.FormValue("title"))
		if title == "" {
			title = header.Filename
		}

		src := &storage.Source{
			ID:        uuid.New(),
			ProjectID: projectID,
			UserID:    userID,
			Type:      srcType,
			Title:     title,
			Status:    storage.StatusPending,
		}

		objectPath := path.Join(projectID.String(), src.ID.String(), "upload"+path.Ext(header.Filename))
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := objects.UploadBytes(ctx, data, objectPath, contentType); err != nil {
			logger.Error("failed to store upload", "source_id", src.ID, "error", err)
			RespondInternalError(w, "Failed to store uploaded file")
			return
		}
		src.FilePath = sql.NullString{String: objectPath, Valid: true}

		if err := db.Create(ctx, src); err != nil {
			logger.Error("failed to create source", "error", err)
			RespondInternalError(w, "Failed to create source")
			return
		}

		kickIngest(ingester, src.ID, logger)

		logger.Info("source uploaded", "id", src.ID, "type", srcType, "bytes", len(data))
		RespondAccepted(w, sourceView(src))
	}
}

// ListSources returns a handler for listing a project's sources.
// GET /api/v1/sources?project_id=...&user_id=...
func ListSources(db SourceDB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		projectID, userID, ok := scopeFromQuery(w, r)
		if !ok {
			return
		}

		sources, err := db.ListByProject(ctx, projectID, userID)
		if err != nil {
			logger.Error("failed to list sources", "project_id", projectID, "error", err)
			RespondInternalError(w, "Failed to retrieve sources")
			return
		}

		views := make([]SourceView, 0, len(sources))
		for _, s := range sources {
			views = append(views, sourceView(s))
		}

		RespondJSON(w, http.StatusOK, map[string]any{"sources": views})
	}
}

// GetSource returns a handler for fetching a single source.
// GET /api/v1/sources/{id}
func GetSource(db SourceDB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, ok := sourceIDFromPath(w, r, logger)
		if !ok {
			return
		}

		src, err := db.GetByID(ctx, id)
		if err != nil {
			logger.Warn("source not found", "id", id, "error", err)
			RespondNotFound(w, "Source not found")
			return
		}

		RespondJSON(w, http.StatusOK, sourceView(src))
	}
}

// GetSourceText returns a handler that issues a short-lived download URL
// for the source's extracted text artifact.
// GET /api/v1/sources/{id}/text
func GetSourceText(db SourceDB, objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, ok := sourceIDFromPath(w, r, logger)
		if !ok {
			return
		}

		src, err := db.GetByID(ctx, id)
		if err != nil {
			logger.Warn("source not found", "id", id, "error", err)
			RespondNotFound(w, "Source not found")
			return
		}
		if !src.TextPath.Valid || src.TextPath.String == "" {
			RespondNotFound(w, "Source has no extracted text yet")
			return
		}

		signed, err := objects.GenerateSignedURL(ctx, src.TextPath.String, 15*time.Minute)
		if err != nil {
			logger.Error("failed to sign text URL", "id", id, "error", err)
			RespondInternalError(w, "Failed to generate download URL")
			return
		}

		RespondJSON(w, http.StatusOK, map[string]any{
			"url":        signed,
			"expires_in": int((15 * time.Minute).Seconds()),
		})
	}
}

// ReingestSource returns a handler that re-runs ingestion for a source.
// POST /api/v1/sources/{id}/ingest
func ReingestSource(db SourceDB, ingester Ingester, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, ok := sourceIDFromPath(w, r, logger)
		if !ok {
			return
		}

		src, err := db.GetByID(ctx, id)
		if err != nil {
			logger.Warn("source not found", "id", id, "error", err)
			RespondNotFound(w, "Source not found")
			return
		}
		if src.Status == storage.StatusProcessing {
			RespondConflict(w, "Source is already being processed")
			return
		}

		kickIngest(ingester, id, logger)

		logger.Info("reingestion started", "id", id)
		RespondAccepted(w, map[string]any{"id": id, "status": storage.StatusProcessing})
	}
}

// DeleteSource returns a handler that removes a source, its chunks and its
// stored artifacts.
// DELETE /api/v1/sources/{id}
func DeleteSource(db SourceDB, objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, ok := sourceIDFromPath(w, r, logger)
		if !ok {
			return
		}

		src, err := db.GetByID(ctx, id)
		if err != nil {
			logger.Warn("source not found", "id", id, "error", err)
			RespondNotFound(w, "Source not found")
			return
		}

		// Artifacts first; a leftover record is recoverable, orphaned
		// objects are not.
		prefix := path.Join(src.ProjectID.String(), src.ID.String())
		if err := objects.DeletePrefix(ctx, prefix); err != nil {
			logger.Warn("failed to delete source artifacts", "id", id, "error", err)
		}

		if err := db.Delete(ctx, id); err != nil {
			logger.Error("failed to delete source", "id", id, "error", err)
			RespondInternalError(w, "Failed to delete source")
			return
		}

		logger.Info("source deleted", "id", id)
		RespondNoContent(w)
	}
}

// kickIngest starts ingestion in the background. The request context ends
// with the response, so the run gets its own deadline.
func kickIngest(ingester Ingester, sourceID uuid.UUID, logger *slog.Logger) {
	if ingester == nil {
		logger.Warn("ingester not configured, source left pending", "source_id", sourceID)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()

		result, err := ingester.Ingest(ctx, sourceID)
		if err != nil {
			logger.Error("background ingestion failed", "source_id", sourceID, "error", err)
			return
		}
		logger.Info("background ingestion finished",
			"source_id", sourceID,
			"status", result.Status,
			"chunks", result.ChunkCount,
		)
	}()
}

func sourceIDFromPath(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		logger.Warn("invalid source ID", "id", idStr, "error", err)
		RespondBadRequest(w, "Invalid source ID")
		return uuid.Nil, false
	}
	return id, true
}

func defaultSourceTitle(t storage.SourceType, rawURL string) string {
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return fmt.Sprintf("Untitled %s source", t)
}
