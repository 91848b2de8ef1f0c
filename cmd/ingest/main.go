// Package main is the entry point for the source ingestion CLI.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/quillhaven/research-agent/internal/chunker"
	"github.com/quillhaven/research-agent/internal/config"
	"github.com/quillhaven/research-agent/internal/embedder"
	"github.com/quillhaven/research-agent/internal/extract"
	"github.com/quillhaven/research-agent/internal/ingest"
	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/realtime"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:     "ingest",
		Short:   "Quill source ingestion CLI",
		Long:    "CLI tool for running the extraction, chunking, and embedding pipeline against registered sources.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newStatusCmd())

	return rootCmd.Execute()
}

// runOptions holds options for the run command.
type runOptions struct {
	SourceID  string
	SkipEmbed bool
}

// batchOptions holds options for the batch command.
type batchOptions struct {
	ProjectID   string
	UserID      string
	RetryErrors bool
	SkipEmbed   bool
}

// newRunCmd creates the run subcommand for a single source.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest a single source",
		Long:  "Extract, chunk, and embed one registered source by ID. Ready sources are re-ingested from scratch.",
		Example: `  # Ingest one source
  ingest run --source=7c9a1f2e-0b6d-4c1a-9f3e-2d8b5a6c4e10

  # Re-chunk without calling the embedding API
  ingest run --source=7c9a1f2e-0b6d-4c1a-9f3e-2d8b5a6c4e10 --skip-embed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingle(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.SourceID, "source", "s", "", "Source ID to ingest (required)")
	cmd.Flags().BoolVar(&opts.SkipEmbed, "skip-embed", false, "Skip embedding generation, chunks are stored text-only")
	cmd.MarkFlagRequired("source")

	return cmd
}

// newBatchCmd creates the batch subcommand for a whole project.
func newBatchCmd() *cobra.Command {
	opts := &batchOptions{}

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Ingest every pending source in a project",
		Long:  "Process all pending sources for a project, optionally retrying sources that previously failed.",
		Example: `  # Process pending sources
  ingest batch --project=<project-id> --user=<user-id>

  # Also retry sources in the error state
  ingest batch --project=<project-id> --user=<user-id> --retry-errors`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ProjectID, "project", "p", "", "Project ID (required)")
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "User ID (required)")
	cmd.Flags().BoolVar(&opts.RetryErrors, "retry-errors", false, "Also re-ingest sources in the error state")
	cmd.Flags().BoolVar(&opts.SkipEmbed, "skip-embed", false, "Skip embedding generation, chunks are stored text-only")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("user")

	return cmd
}

// addOptions holds options for the add command.
type addOptions struct {
	ProjectID string
	UserID    string
	Type      string
	URL       string
	File      string
	Title     string
	SkipEmbed bool
}

// newAddCmd creates the add subcommand.
func newAddCmd() *cobra.Command {
	opts := &addOptions{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a source and ingest it",
		Long:  "Register a URL or local file as a project source and run the pipeline immediately. The source type is inferred from the input when not given.",
		Example: `  # Add a web page
  ingest add --project=<id> --user=<id> --url=https://example.com/article

  # Add a local PDF
  ingest add --project=<id> --user=<id> --file=./paper.pdf --title="Survey"

  # Add a YouTube video
  ingest add --project=<id> --user=<id> --url=https://youtu.be/dQw4w9WgXcQ`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ProjectID, "project", "p", "", "Project ID (required)")
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "User ID (required)")
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "Source type: pdf, url, youtube, image, text (inferred when omitted)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "URL to ingest")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Local file to upload and ingest")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Source title (defaults to the filename or extracted title)")
	cmd.Flags().BoolVar(&opts.SkipEmbed, "skip-embed", false, "Skip embedding generation, chunks are stored text-only")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("user")

	return cmd
}

// newStatusCmd creates the status subcommand.
func newStatusCmd() *cobra.Command {
	var projectID string
	var userID string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ingestion status for a project",
		Long:  "List every source in a project with its pipeline status and stored chunk count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), projectID, userID, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project ID (required)")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("user")

	return cmd
}

// runSingle executes the run command.
func runSingle(ctx context.Context, opts *runOptions) error {
	sourceID, err := uuid.Parse(opts.SourceID)
	if err != nil {
		return fmt.Errorf("invalid source ID %q: %w", opts.SourceID, err)
	}

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	p, err := buildPipeline(opts.SkipEmbed)
	if err != nil {
		return err
	}
	defer p.Close()

	p.log.Info("ingesting source", "source_id", sourceID)

	start := time.Now()
	result, err := p.ingester.Ingest(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printResult(result, time.Since(start))
	return nil
}

// runBatch executes the batch command.
func runBatch(ctx context.Context, opts *batchOptions) error {
	projectID, err := uuid.Parse(opts.ProjectID)
	if err != nil {
		return fmt.Errorf("invalid project ID %q: %w", opts.ProjectID, err)
	}
	userID, err := uuid.Parse(opts.UserID)
	if err != nil {
		return fmt.Errorf("invalid user ID %q: %w", opts.UserID, err)
	}

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	p, err := buildPipeline(opts.SkipEmbed)
	if err != nil {
		return err
	}
	defer p.Close()

	sources, err := p.sources.ListByProject(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}

	var queue []*storage.Source
	for _, src := range sources {
		switch src.Status {
		case storage.StatusPending:
			queue = append(queue, src)
		case storage.StatusError:
			if opts.RetryErrors {
				queue = append(queue, src)
			}
		}
	}

	if len(queue) == 0 {
		p.log.Info("no sources to process", "project_id", projectID, "total", len(sources))
		return nil
	}

	p.log.Info("processing sources", "project_id", projectID, "count", len(queue))

	bar := progressbar.NewOptions(len(queue),
		progressbar.OptionSetDescription("Ingesting sources"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	var processed, embedded, failed, chunks int
	start := time.Now()
	for _, src := range queue {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := p.ingester.Ingest(ctx, src.ID)
		if err != nil {
			p.log.WithError(err).Error("failed to ingest source", "source_id", src.ID, "title", src.Title)
			failed++
			bar.Add(1)
			continue
		}

		processed++
		chunks += result.ChunkCount
		if result.Embedded {
			embedded++
		}
		if result.EmbeddingError != "" {
			p.log.Warn("source ready without embeddings", "source_id", src.ID, "error", result.EmbeddingError)
		}
		bar.Add(1)
	}

	fmt.Println()
	fmt.Println("=== Ingestion Summary ===")
	fmt.Printf("Duration:       %s\n", time.Since(start).Round(time.Second))
	fmt.Printf("Processed:      %d\n", processed)
	fmt.Printf("Embedded:       %d\n", embedded)
	fmt.Printf("Failed:         %d\n", failed)
	fmt.Printf("Chunks Created: %d\n", chunks)
	fmt.Println("=========================")

	return nil
}

// runAdd executes the add command.
func runAdd(ctx context.Context, opts *addOptions) error {
	projectID, err := uuid.Parse(opts.ProjectID)
	if err != nil {
		return fmt.Errorf("invalid project ID %q: %w", opts.ProjectID, err)
	}
	userID, err := uuid.Parse(opts.UserID)
	if err != nil {
		return fmt.Errorf("invalid user ID %q: %w", opts.UserID, err)
	}
	if (opts.URL == "") == (opts.File == "") {
		return fmt.Errorf("exactly one of --url or --file is required")
	}

	srcType, err := resolveSourceType(opts)
	if err != nil {
		return err
	}

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	p, err := buildPipeline(opts.SkipEmbed)
	if err != nil {
		return err
	}
	defer p.Close()

	src := &storage.Source{
		ID:        uuid.New(),
		ProjectID: projectID,
		UserID:    userID,
		Type:      srcType,
		Title:     opts.Title,
		Status:    storage.StatusPending,
	}

	if opts.URL != "" {
		src.URL = sql.NullString{String: opts.URL, Valid: true}
	} else {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.File, err)
		}
		if src.Title == "" {
			src.Title = filepath.Base(opts.File)
		}
		objectPath := path.Join(projectID.String(), src.ID.String(), "upload"+filepath.Ext(opts.File))
		contentType := mime.TypeByExtension(filepath.Ext(opts.File))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := p.objects.UploadBytes(ctx, data, objectPath, contentType); err != nil {
			return fmt.Errorf("failed to upload %s: %w", opts.File, err)
		}
		src.FilePath = sql.NullString{String: objectPath, Valid: true}
	}

	if err := p.sources.Create(ctx, src); err != nil {
		return fmt.Errorf("failed to register source: %w", err)
	}
	p.log.Info("source registered", "source_id", src.ID, "type", src.Type, "title", src.Title)

	start := time.Now()
	result, err := p.ingester.Ingest(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printResult(result, time.Since(start))
	return nil
}

// resolveSourceType applies the explicit --type flag or infers the type
// from the input shape.
func resolveSourceType(opts *addOptions) (storage.SourceType, error) {
	if opts.Type != "" {
		t := storage.SourceType(opts.Type)
		switch t {
		case storage.SourceTypePDF, storage.SourceTypeURL, storage.SourceTypeYouTube,
			storage.SourceTypeImage, storage.SourceTypeText:
			return t, nil
		default:
			return "", fmt.Errorf("unknown source type %q", opts.Type)
		}
	}

	if opts.URL != "" {
		if strings.Contains(opts.URL, "youtube.com/") || strings.Contains(opts.URL, "youtu.be/") {
			return storage.SourceTypeYouTube, nil
		}
		return storage.SourceTypeURL, nil
	}

	switch strings.ToLower(filepath.Ext(opts.File)) {
	case ".pdf":
		return storage.SourceTypePDF, nil
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return storage.SourceTypeImage, nil
	default:
		return storage.SourceTypeText, nil
	}
}

// runStatus executes the status command.
func runStatus(ctx context.Context, projectIDStr, userIDStr string, jsonOutput bool) error {
	projectID, err := uuid.Parse(projectIDStr)
	if err != nil {
		return fmt.Errorf("invalid project ID %q: %w", projectIDStr, err)
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return fmt.Errorf("invalid user ID %q: %w", userIDStr, err)
	}

	p, err := buildPipeline(true)
	if err != nil {
		return err
	}
	defer p.Close()

	sources, err := p.sources.ListByProject(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}

	type sourceStatus struct {
		ID     uuid.UUID            `json:"id"`
		Title  string               `json:"title"`
		Type   storage.SourceType   `json:"type"`
		Status storage.SourceStatus `json:"status"`
		Chunks int                  `json:"chunks"`
		Error  string               `json:"error,omitempty"`
	}

	counts := map[storage.SourceStatus]int{}
	statuses := make([]sourceStatus, 0, len(sources))
	for _, src := range sources {
		chunkCount, err := p.chunks.CountBySource(ctx, src.ID)
		if err != nil {
			p.log.WithError(err).Warn("failed to count chunks", "source_id", src.ID)
		}
		counts[src.Status]++
		statuses = append(statuses, sourceStatus{
			ID:     src.ID,
			Title:  src.Title,
			Type:   src.Type,
			Status: src.Status,
			Chunks: chunkCount,
			Error:  src.ErrorMessage.String,
		})
	}

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]any{
			"project_id": projectID,
			"sources":    statuses,
			"counts":     counts,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("=== Project %s ===\n", projectID)
	fmt.Printf("Sources: %d (pending %d, processing %d, ready %d, error %d)\n\n",
		len(sources),
		counts[storage.StatusPending],
		counts[storage.StatusProcessing],
		counts[storage.StatusReady],
		counts[storage.StatusError],
	)
	for _, s := range statuses {
		fmt.Printf("  %-36s  %-8s  %-10s  %4d chunks  %s\n", s.ID, s.Type, s.Status, s.Chunks, s.Title)
		if s.Error != "" {
			fmt.Printf("    error: %s\n", s.Error)
		}
	}

	return nil
}

// pipeline bundles the dependencies the CLI commands share.
type pipeline struct {
	log      *logger.Logger
	db       *storage.PostgresDB
	sources  *storage.SourceStore
	chunks   *storage.ChunkStore
	objects  storage.ObjectStorage
	ingester *ingest.Orchestrator
}

// Close releases the pipeline's database connection.
func (p *pipeline) Close() {
	if p.db != nil {
		p.db.Close()
	}
}

// buildPipeline wires the ingestion pipeline from environment config.
// With skipEmbed set, chunks are stored without vectors regardless of
// whether an embedding key is configured.
func buildPipeline(skipEmbed bool) (*pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	log.SetDefault()

	db, err := storage.NewPostgres(storage.PostgresConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sourceStore := storage.NewSourceStore(db, log.Logger)
	chunkStore := storage.NewChunkStore(db, log.Logger)

	objectStorage, err := storage.NewMinIOStorage(storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		BucketName:      cfg.Storage.BucketName,
		UseSSL:          cfg.Storage.UseSSL,
		Region:          cfg.Storage.Region,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to object storage: %w", err)
	}

	var emb embedder.Embedder
	switch {
	case skipEmbed:
		emb = nil
	case cfg.LLM.OpenAIKey != "":
		embCfg := embedder.DefaultConfig()
		embCfg.APIKey = cfg.LLM.OpenAIKey
		embCfg.Model = cfg.LLM.EmbeddingModel
		emb, err = embedder.NewOpenAIEmbedder(embCfg, log.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
	default:
		log.Warn("OPENAI_API_KEY not set, using deterministic mock embeddings")
		emb = embedder.NewMockEmbedder(1536)
	}

	fetchTimeout := time.Duration(cfg.Ingest.FetchTimeout) * time.Second
	registry := extract.NewRegistry()
	registry.Register(string(storage.SourceTypePDF), extract.NewPDFExtractor(log))
	registry.Register(string(storage.SourceTypeURL), extract.NewWebExtractor(extract.WebConfig{
		UserAgent:    cfg.Ingest.UserAgent,
		FetchTimeout: fetchTimeout,
	}, log))
	registry.Register(string(storage.SourceTypeYouTube), extract.NewYouTubeExtractor(extract.YouTubeConfig{}, log))
	registry.Register(string(storage.SourceTypeText), extract.NewTextExtractor())

	if vision, fallback := visionProviders(cfg, log); vision != nil {
		registry.Register(string(storage.SourceTypeImage), extract.NewImageExtractor(vision, fallback, log))
	} else {
		log.Warn("no vision provider configured, image sources disabled")
	}

	textChunker := chunker.New(chunker.Config{
		TargetSize: cfg.Ingest.ChunkSize,
		Overlap:    cfg.Ingest.ChunkOverlap,
		Lookahead:  200,
		Encoding:   "cl100k_base",
	})

	ingestCfg := ingest.DefaultConfig()
	ingestCfg.MaxStoredChars = cfg.Ingest.MaxStoredChars
	ingestCfg.PreviewChars = cfg.Ingest.PreviewChars
	ingestCfg.MaxSourceImages = cfg.Ingest.MaxSourceImages
	ingestCfg.UserAgent = cfg.Ingest.UserAgent
	ingestCfg.FetchTimeout = fetchTimeout

	// The CLI runs outside the API server, so status changes are not
	// pushed over NATS. Clients polling the API still see them.
	ingester := ingest.NewOrchestrator(sourceStore, chunkStore, objectStorage, registry, textChunker, emb, realtime.NoopNotifier{}, ingestCfg, log)

	return &pipeline{
		log:      log,
		db:       db,
		sources:  sourceStore,
		chunks:   chunkStore,
		objects:  objectStorage,
		ingester: ingester,
	}, nil
}

// visionProviders builds the primary and fallback providers used to
// describe image sources. Either may be nil when its key is missing.
func visionProviders(cfg *config.Config, log *logger.Logger) (primary, fallback llm.Provider) {
	build := func(name string) llm.Provider {
		if name == "" {
			return nil
		}
		providerCfg := llm.ProviderConfig{
			Provider: name,
			APIKey:   visionKeyFor(cfg, name),
			BaseURL:  visionBaseURLFor(cfg, name),
		}
		if err := llm.ValidateProviderConfig(providerCfg); err != nil {
			return nil
		}
		p, err := llm.NewProvider(providerCfg, log.Logger)
		if err != nil {
			log.Warn("failed to create vision provider", "provider", name, "error", err)
			return nil
		}
		return p
	}

	primary = build(cfg.LLM.VisionProvider)
	fallback = build(cfg.LLM.VisionFallbackProvider)
	if primary == nil && fallback != nil {
		primary, fallback = fallback, nil
	}
	return primary, fallback
}

func visionKeyFor(cfg *config.Config, provider string) string {
	switch provider {
	case "anthropic":
		return cfg.LLM.AnthropicKey
	case "openai":
		return cfg.LLM.OpenAIKey
	default:
		return ""
	}
}

func visionBaseURLFor(cfg *config.Config, provider string) string {
	switch provider {
	case "ollama":
		return cfg.LLM.OllamaBaseURL
	case "lmstudio":
		return cfg.LLM.LMStudioBaseURL
	default:
		return ""
	}
}

// withInterrupt cancels the context on SIGINT or SIGTERM.
func withInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, cancelling...")
		cancel()
	}()
	return ctx, cancel
}

// printResult prints the outcome of a single-source ingestion.
func printResult(result *ingest.Result, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("=== Ingestion Result ===")
	fmt.Printf("Source:       %s\n", result.SourceID)
	fmt.Printf("Status:       %s\n", result.Status)
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Chunks:       %d\n", result.ChunkCount)
	fmt.Printf("Embedded:     %t\n", result.Embedded)
	fmt.Printf("Images Saved: %d\n", result.ImagesSaved)
	if result.EmbeddingError != "" {
		fmt.Printf("Embedding:    failed (%s)\n", result.EmbeddingError)
	}
	fmt.Println("========================")
}
