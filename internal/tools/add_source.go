package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/ingest"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// SourceCreator is the slice of the source store the tool needs.
type SourceCreator interface {
	Create(ctx context.Context, src *storage.Source) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// ContentIngester runs the ingestion pipeline for a new source.
type ContentIngester interface {
	Ingest(ctx context.Context, sourceID uuid.UUID) (*ingest.Result, error)
	IngestContent(ctx context.Context, sourceID uuid.UUID, content string) (*ingest.Result, error)
}

// AddSourceInput is the model-facing input for the addToSources tool.
type AddSourceInput struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	// Content carries page text the agent already read, skipping a refetch.
	Content string `json:"content,omitempty"`
}

// AddSourceTool saves a web page into the project's sources. The tool is
// scoped to one project and user at construction.
type AddSourceTool struct {
	sources   SourceCreator
	ingester  ContentIngester
	objects   storage.ObjectStorage
	projectID uuid.UUID
	userID    uuid.UUID
	logger    *logger.Logger
}

func NewAddSourceTool(sources SourceCreator, ingester ContentIngester, objects storage.ObjectStorage, projectID, userID uuid.UUID, log *logger.Logger) *AddSourceTool {
	return &AddSourceTool{
		sources:   sources,
		ingester:  ingester,
		objects:   objects,
		projectID: projectID,
		userID:    userID,
		logger:    log.WithComponent("tools.add_source"),
	}
}

func (t *AddSourceTool) Name() string { return "addToSources" }

func (t *AddSourceTool) Description() string {
	return "Save a web page to the user's project sources so it becomes " +
		"searchable in future conversations. Use this when the user asks to " +
		"save, keep, or add a page, or when a page is clearly valuable to " +
		"their research."
}

func (t *AddSourceTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL of the page to save",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Title for the source. Defaults to the page title.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Page text if already read with readWebPage, to avoid refetching",
			},
		},
		"required": []string{"url"},
	}
}

func (t *AddSourceTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params AddSourceInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("parsing input: %w", err)
	}
	if strings.TrimSpace(params.URL) == "" {
		return "", fmt.Errorf("url is required")
	}

	src := &storage.Source{
		ProjectID: t.projectID,
		UserID:    t.userID,
		Type:      storage.SourceTypeURL,
		Title:     params.Title,
		URL:       sql.NullString{String: params.URL, Valid: true},
	}
	if err := t.sources.Create(ctx, src); err != nil {
		return "", fmt.Errorf("creating source record: %w", err)
	}

	var result *ingest.Result
	var err error
	if strings.TrimSpace(params.Content) != "" {
		result, err = t.ingester.IngestContent(ctx, src.ID, params.Content)
	} else {
		result, err = t.ingester.Ingest(ctx, src.ID)
	}
	if err != nil {
		t.rollback(ctx, src.ID)
		return "", fmt.Errorf("ingesting source: %w", err)
	}

	t.logger.Info("source added", "source_id", src.ID, "url", params.URL, "chunks", result.ChunkCount)
	title := src.Title
	if title == "" {
		title = params.URL
	}
	return fmt.Sprintf("Added %q to sources (%d chunks indexed).", title, result.ChunkCount), nil
}

// rollback removes the record and any artifacts written before the
// failure so a failed save leaves nothing behind.
func (t *AddSourceTool) rollback(ctx context.Context, sourceID uuid.UUID) {
	prefix := path.Join(t.projectID.String(), sourceID.String())
	if err := t.objects.DeletePrefix(ctx, prefix); err != nil {
		t.logger.WithError(err).Warn("rollback: failed to delete artifacts", "source_id", sourceID)
	}
	if err := t.sources.Delete(ctx, sourceID); err != nil {
		t.logger.WithError(err).Warn("rollback: failed to delete source record", "source_id", sourceID)
	}
}
