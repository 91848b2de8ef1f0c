// Package ingest runs the source ingestion pipeline: extract, chunk,
// embed, and persist.
package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/nfnt/resize"

	"github.com/quillhaven/research-agent/internal/chunker"
	"github.com/quillhaven/research-agent/internal/embedder"
	"github.com/quillhaven/research-agent/internal/extract"
	"github.com/quillhaven/research-agent/internal/realtime"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// SourceRepo is the slice of the source store the pipeline needs.
type SourceRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Source, error)
	SetStatus(ctx context.Context, id uuid.UUID, status storage.SourceStatus, errorMessage string) error
	SetExtracted(ctx context.Context, id uuid.UUID, preview, textPath string, metadata json.RawMessage) error
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
}

// ChunkRepo replaces a source's chunks atomically.
type ChunkRepo interface {
	ReplaceForSource(ctx context.Context, sourceID uuid.UUID, chunks []*storage.Chunk) error
}

// Config holds pipeline tunables.
type Config struct {
	// MaxStoredChars caps how much extracted text is kept and chunked.
	MaxStoredChars int
	// PreviewChars caps the inline content preview on the source record.
	PreviewChars int
	// MaxSourceImages caps how many discovered images are saved alongside
	// the source.
	MaxSourceImages int
	// MaxImageWidth is the resize bound for saved images.
	MaxImageWidth uint
	UserAgent     string
	FetchTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxStoredChars:  15000,
		PreviewChars:    500,
		MaxSourceImages: 3,
		MaxImageWidth:   1024,
		FetchTimeout:    15 * time.Second,
	}
}

// Result reports what one ingestion run did.
type Result struct {
	SourceID    uuid.UUID            `json:"source_id"`
	Status      storage.SourceStatus `json:"status"`
	ChunkCount  int                  `json:"chunk_count"`
	Embedded    bool                 `json:"embedded"`
	ImagesSaved int                  `json:"images_saved"`
	Skipped     bool                 `json:"skipped"`
	// EmbeddingError carries the advisory when embedding failed but the
	// source still became ready.
	EmbeddingError string `json:"embedding_error,omitempty"`
}

// Orchestrator drives a source through pending, processing, and on to
// ready or error.
type Orchestrator struct {
	sources  SourceRepo
	chunks   ChunkRepo
	objects  storage.ObjectStorage
	registry *extract.Registry
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	notifier realtime.Notifier
	client   *http.Client
	config   Config
	logger   *logger.Logger
}

func NewOrchestrator(
	sources SourceRepo,
	chunks ChunkRepo,
	objects storage.ObjectStorage,
	registry *extract.Registry,
	ch *chunker.Chunker,
	emb embedder.Embedder,
	notifier realtime.Notifier,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	if cfg.MaxStoredChars <= 0 {
		cfg = DefaultConfig()
	}
	if notifier == nil {
		notifier = realtime.NoopNotifier{}
	}
	return &Orchestrator{
		sources:  sources,
		chunks:   chunks,
		objects:  objects,
		registry: registry,
		chunker:  ch,
		embedder: emb,
		notifier: notifier,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		config:   cfg,
		logger:   log.WithComponent("ingest"),
	}
}

// Ingest runs the full pipeline for a stored source. Re-running it on the
// same source replaces its chunks rather than duplicating them.
func (o *Orchestrator) Ingest(ctx context.Context, sourceID uuid.UUID) (*Result, error) {
	src, err := o.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading source %s: %w", sourceID, err)
	}
	if src.Status == storage.StatusProcessing {
		o.logger.Warn("source already processing, skipping", "source_id", sourceID)
		return &Result{SourceID: sourceID, Status: src.Status, Skipped: true}, nil
	}

	in, err := o.buildInput(ctx, src)
	if err != nil {
		return o.fail(ctx, src, err)
	}
	return o.run(ctx, src, in)
}

// IngestContent runs the pipeline over content the caller already has,
// bypassing fetch and extraction. Used when a tool adds a page it has
// already read.
func (o *Orchestrator) IngestContent(ctx context.Context, sourceID uuid.UUID, content string) (*Result, error) {
	src, err := o.sources.GetByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("loading source %s: %w", sourceID, err)
	}
	if err := o.setStatus(ctx, src, storage.StatusProcessing, ""); err != nil {
		return nil, err
	}
	return o.process(ctx, src, &extract.Result{Text: content, Title: src.Title})
}

func (o *Orchestrator) run(ctx context.Context, src *storage.Source, in extract.Input) (*Result, error) {
	if err := o.setStatus(ctx, src, storage.StatusProcessing, ""); err != nil {
		return nil, err
	}

	extracted, err := o.registry.Extract(ctx, string(src.Type), in)
	if err != nil {
		return o.fail(ctx, src, fmt.Errorf("extracting %s source: %w", src.Type, err))
	}
	return o.process(ctx, src, extracted)
}

// process runs everything after extraction. The source only becomes ready
// once the text artifact, chunks, and record updates are all written.
func (o *Orchestrator) process(ctx context.Context, src *storage.Source, extracted *extract.Result) (*Result, error) {
	text := chunker.NormalizeText(extracted.Text)
	if text == "" {
		return o.fail(ctx, src, fmt.Errorf("%w: source %s", extract.ErrEmptyContent, src.ID))
	}
	text = truncateRunes(text, o.config.MaxStoredChars)

	result := &Result{SourceID: src.ID}

	if src.Title == "" && extracted.Title != "" {
		if err := o.sources.SetTitle(ctx, src.ID, extracted.Title); err != nil {
			o.logger.WithError(err).Warn("failed to update source title", "source_id", src.ID)
		} else {
			src.Title = extracted.Title
		}
	}

	textPath, err := o.uploadText(ctx, src, text)
	if err != nil {
		return o.fail(ctx, src, err)
	}

	pieces := o.chunker.Chunk(text)
	records, embedErr := o.embedChunks(ctx, src, pieces)
	if embedErr != nil {
		// The source is still usable for preview and title lookups, so
		// embedding failure does not fail the ingest. Chunks are stored
		// without vectors and excluded from search.
		o.logger.WithError(embedErr).Warn("embedding failed, storing chunks without vectors", "source_id", src.ID)
		result.EmbeddingError = embedErr.Error()
	} else {
		result.Embedded = true
	}

	if err := o.chunks.ReplaceForSource(ctx, src.ID, records); err != nil {
		return o.fail(ctx, src, fmt.Errorf("storing chunks: %w", err))
	}
	result.ChunkCount = len(records)

	metadata, err := o.mergeMetadata(src, extracted, result)
	if err != nil {
		return o.fail(ctx, src, err)
	}
	if err := o.sources.SetExtracted(ctx, src.ID, truncateRunes(text, o.config.PreviewChars), textPath, metadata); err != nil {
		return o.fail(ctx, src, fmt.Errorf("recording extraction: %w", err))
	}

	result.ImagesSaved = o.saveImages(ctx, src, extracted.Images)

	if err := o.setStatus(ctx, src, storage.StatusReady, ""); err != nil {
		return nil, err
	}
	result.Status = storage.StatusReady

	o.logger.Info("source ingested",
		"source_id", src.ID,
		"type", src.Type,
		"chunks", result.ChunkCount,
		"embedded", result.Embedded,
		"images", result.ImagesSaved,
	)
	return result, nil
}

// buildInput gathers whatever material the source's extractor needs.
func (o *Orchestrator) buildInput(ctx context.Context, src *storage.Source) (extract.Input, error) {
	in := extract.Input{URL: src.URL.String, Title: src.Title}

	switch src.Type {
	case storage.SourceTypePDF, storage.SourceTypeImage:
		data, err := o.fetchData(ctx, src)
		if err != nil {
			return in, err
		}
		in.Data = data
	case storage.SourceTypeText:
		if src.FilePath.Valid && src.FilePath.String != "" {
			data, err := o.objects.Download(ctx, src.FilePath.String)
			if err != nil {
				return in, fmt.Errorf("downloading text source: %w", err)
			}
			in.Data = data
		} else {
			in.Text = src.Content
		}
	}
	return in, nil
}

// fetchData loads the raw bytes of an uploaded or linked file.
func (o *Orchestrator) fetchData(ctx context.Context, src *storage.Source) ([]byte, error) {
	if src.FilePath.Valid && src.FilePath.String != "" {
		data, err := o.objects.Download(ctx, src.FilePath.String)
		if err != nil {
			return nil, fmt.Errorf("downloading source file: %w", err)
		}
		return data, nil
	}
	if !src.URL.Valid || src.URL.String == "" {
		return nil, fmt.Errorf("source %s has neither a file nor a url", src.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL.String, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", o.config.UserAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extract.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", extract.ErrFetch, src.URL.String, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 50<<20))
}

// artifactPrefix is stable across re-ingests so artifacts overwrite
// instead of accumulating.
func (o *Orchestrator) artifactPrefix(src *storage.Source) string {
	return path.Join(src.ProjectID.String(), src.ID.String())
}

func (o *Orchestrator) uploadText(ctx context.Context, src *storage.Source, text string) (string, error) {
	textPath := path.Join(o.artifactPrefix(src), "content.txt")
	if _, err := o.objects.UploadBytes(ctx, []byte(text), textPath, "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("uploading extracted text: %w", err)
	}
	return textPath, nil
}

// embedChunks builds chunk records, attaching vectors when embedding
// succeeds and leaving them nil when it does not.
func (o *Orchestrator) embedChunks(ctx context.Context, src *storage.Source, pieces []chunker.Chunk) ([]*storage.Chunk, error) {
	records := make([]*storage.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		records[i] = &storage.Chunk{
			ID:         uuid.New(),
			SourceID:   src.ID,
			ProjectID:  src.ProjectID,
			UserID:     src.UserID,
			Content:    piece.Content,
			ChunkIndex: piece.Index,
			TokenCount: sql.NullInt32{Int32: int32(piece.TokenCount), Valid: piece.TokenCount > 0},
		}
		texts[i] = piece.Content
	}
	if len(texts) == 0 {
		return records, nil
	}
	if o.embedder == nil {
		return records, errors.New("no embedder configured")
	}

	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return records, err
	}
	for i := range records {
		records[i].Embedding = vectors[i]
	}
	return records, nil
}

func (o *Orchestrator) mergeMetadata(src *storage.Source, extracted *extract.Result, result *Result) (json.RawMessage, error) {
	merged := make(map[string]any)
	if len(src.Metadata) > 0 {
		if err := json.Unmarshal(src.Metadata, &merged); err != nil {
			return nil, fmt.Errorf("decoding source metadata: %w", err)
		}
	}
	for k, v := range extracted.Metadata {
		merged[k] = v
	}
	if extracted.Description != "" {
		merged["description"] = extracted.Description
	}
	if result.EmbeddingError != "" {
		merged["embedding_error"] = result.EmbeddingError
	}
	merged["ingested_at"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding source metadata: %w", err)
	}
	return data, nil
}

// saveImages downloads up to MaxSourceImages discovered images, resizes
// them, and stores them next to the source. Every failure is logged and
// skipped; images never fail an ingest.
func (o *Orchestrator) saveImages(ctx context.Context, src *storage.Source, urls []string) int {
	saved := 0
	for _, imageURL := range urls {
		if saved >= o.config.MaxSourceImages {
			break
		}
		if err := o.saveImage(ctx, src, imageURL, saved); err != nil {
			o.logger.Warn("skipping source image", "source_id", src.ID, "url", imageURL, "error", err)
			continue
		}
		saved++
	}
	return saved
}

func (o *Orchestrator) saveImage(ctx context.Context, src *storage.Source, imageURL string, index int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", o.config.UserAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}
	if uint(img.Bounds().Dx()) > o.config.MaxImageWidth {
		img = resize.Resize(o.config.MaxImageWidth, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}

	imagePath := path.Join(o.artifactPrefix(src), "images", fmt.Sprintf("%d.jpg", index))
	if _, err := o.objects.UploadBytes(ctx, buf.Bytes(), imagePath, "image/jpeg"); err != nil {
		return fmt.Errorf("uploading image: %w", err)
	}
	return nil
}

// fail records the error on the source and returns it.
func (o *Orchestrator) fail(ctx context.Context, src *storage.Source, cause error) (*Result, error) {
	if err := o.setStatus(ctx, src, storage.StatusError, cause.Error()); err != nil {
		o.logger.WithError(err).Error("failed to record error status", "source_id", src.ID)
	}
	return &Result{SourceID: src.ID, Status: storage.StatusError}, cause
}

func (o *Orchestrator) setStatus(ctx context.Context, src *storage.Source, status storage.SourceStatus, errorMessage string) error {
	if err := o.sources.SetStatus(ctx, src.ID, status, errorMessage); err != nil {
		return fmt.Errorf("updating status to %s: %w", status, err)
	}
	src.Status = status

	event := realtime.NewSourceStatusEvent(src.ID, src.ProjectID, status)
	event.Error = errorMessage
	if err := o.notifier.PublishSourceStatus(ctx, event); err != nil {
		o.logger.WithError(err).Warn("failed to publish status event", "source_id", src.ID)
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
