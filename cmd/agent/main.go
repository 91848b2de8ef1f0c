// Package main is the entry point for the Quill research agent API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhaven/research-agent/internal/agent"
	"github.com/quillhaven/research-agent/internal/api"
	"github.com/quillhaven/research-agent/internal/api/handlers"
	"github.com/quillhaven/research-agent/internal/api/middleware"
	"github.com/quillhaven/research-agent/internal/chunker"
	"github.com/quillhaven/research-agent/internal/config"
	"github.com/quillhaven/research-agent/internal/embedder"
	"github.com/quillhaven/research-agent/internal/extract"
	"github.com/quillhaven/research-agent/internal/generate"
	"github.com/quillhaven/research-agent/internal/ingest"
	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/internal/rag"
	"github.com/quillhaven/research-agent/internal/realtime"
	"github.com/quillhaven/research-agent/internal/storage"
	"github.com/quillhaven/research-agent/internal/tools"
	"github.com/quillhaven/research-agent/pkg/logger"
	"github.com/quillhaven/research-agent/pkg/shutdown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	log.Info("starting Quill research agent",
		"version", api.Version,
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
	)

	shutdownHandler := shutdown.New(log.Logger, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)

	// ============================
	// Database
	// ============================
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
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)
	shutdownHandler.RegisterNamed("database", func(ctx context.Context) error {
		return db.Close()
	})

	sourceStore := storage.NewSourceStore(db, log.Logger)
	chunkStore := storage.NewChunkStore(db, log.Logger)
	chatStore := storage.NewChatStore(db, log.Logger)

	// ============================
	// Object Storage
	// ============================
	objectStorage, err := storage.NewMinIOStorage(storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		BucketName:      cfg.Storage.BucketName,
		UseSSL:          cfg.Storage.UseSSL,
		Region:          cfg.Storage.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to object storage: %w", err)
	}
	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	if err := objectStorage.InitBucket(initCtx); err != nil {
		log.Warn("failed to initialize storage bucket", "error", err)
	}
	cancelInit()
	log.Info("connected to object storage", "endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.BucketName)

	// ============================
	// Redis (embedding cache and rate limiting)
	// ============================
	var redisClient *storage.RedisClientWrapper
	var embeddingCache *storage.EmbeddingCache
	var rateLimitStore middleware.RateLimitStore
	if cfg.Redis.Host != "" {
		redisClient, err = storage.NewRedisClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("failed to connect to Redis, caching and shared rate limits disabled", "error", err)
		} else {
			log.Info("connected to Redis", "addr", cfg.Redis.Addr())
			embeddingCache = storage.NewEmbeddingCache(redisClient, log.Logger, storage.DefaultEmbeddingCacheConfig())
			rateLimitStore = middleware.NewRedisRateLimitStore(redisClient, "ratelimit", log.Logger)
			shutdownHandler.RegisterNamed("redis", func(ctx context.Context) error {
				return redisClient.Close()
			})
		}
	}
	if rateLimitStore == nil {
		rateLimitStore = middleware.NewMemoryRateLimitStore()
	}

	// ============================
	// NATS (realtime source status)
	// ============================
	var notifier realtime.Notifier = realtime.NoopNotifier{}
	if cfg.NATS.URL != "" {
		natsCfg := realtime.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix

		natsClient, natsErr := realtime.NewNATSClient(natsCfg, log)
		if natsErr != nil {
			log.Warn("failed to connect to NATS, realtime updates disabled", "error", natsErr)
		} else {
			log.Info("connected to NATS", "url", cfg.NATS.URL)
			streamCtx, cancelStream := context.WithTimeout(context.Background(), 10*time.Second)
			if err := natsClient.SetupStreams(streamCtx); err != nil {
				log.Warn("failed to set up NATS streams", "error", err)
			}
			cancelStream()
			notifier = natsClient
			shutdownHandler.RegisterNamed("nats", func(ctx context.Context) error {
				return natsClient.Close()
			})
		}
	} else {
		log.Warn("NATS not configured, realtime updates disabled")
	}

	// ============================
	// Embeddings
	// ============================
	var emb embedder.Embedder
	if cfg.LLM.OpenAIKey != "" {
		embCfg := embedder.DefaultConfig()
		embCfg.APIKey = cfg.LLM.OpenAIKey
		embCfg.Model = cfg.LLM.EmbeddingModel
		emb, err = embedder.NewOpenAIEmbedder(embCfg, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
	} else {
		log.Warn("OPENAI_API_KEY not set, using deterministic mock embeddings")
		emb = embedder.NewMockEmbedder(1536)
	}

	// ============================
	// Extraction
	// ============================
	fetchTimeout := time.Duration(cfg.Ingest.FetchTimeout) * time.Second
	webExtractor := extract.NewWebExtractor(extract.WebConfig{
		UserAgent:    cfg.Ingest.UserAgent,
		FetchTimeout: fetchTimeout,
	}, log)

	registry := extract.NewRegistry()
	registry.Register(string(storage.SourceTypePDF), extract.NewPDFExtractor(log))
	registry.Register(string(storage.SourceTypeURL), webExtractor)
	registry.Register(string(storage.SourceTypeYouTube), extract.NewYouTubeExtractor(extract.YouTubeConfig{}, log))
	registry.Register(string(storage.SourceTypeText), extract.NewTextExtractor())

	if vision, fallback := visionProviders(cfg, log); vision != nil {
		registry.Register(string(storage.SourceTypeImage), extract.NewImageExtractor(vision, fallback, log))
	} else {
		log.Warn("no vision provider configured, image sources disabled")
	}

	// ============================
	// Pipeline and services
	// ============================
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
	ingester := ingest.NewOrchestrator(sourceStore, chunkStore, objectStorage, registry, textChunker, emb, notifier, ingestCfg, log)

	ragCfg := rag.DefaultConfig()
	ragCfg.MatchCount = cfg.Chat.MatchCount
	ragCfg.MatchThreshold = cfg.Chat.MatchThreshold
	retriever := rag.NewRetriever(emb, chunkStore, sourceStore, embeddingCache, ragCfg, log)

	provider, err := buildChatProvider(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	toolFactory := func(projectID, userID uuid.UUID) *tools.Registry {
		reg := tools.NewRegistry(log)
		reg.MustRegister(tools.NewWebSearchTool(cfg.Ingest.UserAgent, fetchTimeout, log))
		reg.MustRegister(tools.NewReadPageTool(webExtractor, log))
		reg.MustRegister(tools.NewAddSourceTool(sourceStore, ingester, objectStorage, projectID, userID, log))
		return reg
	}

	chatAgent, err := agent.NewOrchestrator(provider, retriever, chatStore, toolFactory, agent.Config{
		MaxToolSteps: cfg.Chat.MaxToolSteps,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create chat agent: %w", err)
	}

	generator, err := generate.NewGenerator(provider, retriever, generate.DefaultConfig(), log)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	// ============================
	// HTTP server
	// ============================
	deps := api.Dependencies{
		Logger:         log.Logger,
		Sources:        sourceStore,
		Sessions:       chatStore,
		ObjectStorage:  objectStorage,
		Ingester:       ingester,
		Chat:           chatAgent,
		Generator:      generator,
		RateLimitStore: rateLimitStore,
		Readiness: map[string]handlers.HealthChecker{
			"database":       db,
			"object_storage": objectStorage,
		},
	}

	router := api.NewRouter(deps, api.DefaultRouterConfig())

	serverConfig := api.DefaultServerConfig()
	serverConfig.Port = cfg.Server.Port
	serverConfig.ShutdownTimeout = time.Duration(cfg.Server.ShutdownTimeout) * time.Second

	server := api.NewServer(router, serverConfig, log.Logger)
	shutdownHandler.RegisterNamed("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr())
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
		}
	}()

	shutdownHandler.Wait()

	log.Info("server stopped")
	return nil
}

// buildChatProvider creates the conversation model from config.
func buildChatProvider(cfg *config.Config, log *logger.Logger) (llm.Provider, error) {
	providerCfg := llm.ProviderConfig{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      apiKeyFor(cfg, cfg.LLM.Provider),
		BaseURL:     baseURLFor(cfg, cfg.LLM.Provider),
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	if err := llm.ValidateProviderConfig(providerCfg); err != nil {
		return nil, err
	}
	return llm.NewProvider(providerCfg, log.Logger)
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
			APIKey:   apiKeyFor(cfg, name),
			BaseURL:  baseURLFor(cfg, name),
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

func apiKeyFor(cfg *config.Config, provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic":
		return cfg.LLM.AnthropicKey
	case "openai":
		return cfg.LLM.OpenAIKey
	default:
		return ""
	}
}

func baseURLFor(cfg *config.Config, provider string) string {
	switch strings.ToLower(provider) {
	case "ollama":
		return cfg.LLM.OllamaBaseURL
	case "lmstudio":
		return cfg.LLM.LMStudioBaseURL
	default:
		return ""
	}
}
