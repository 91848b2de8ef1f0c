// Package api provides the HTTP API surface and server plumbing.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quillhaven/research-agent/internal/api/handlers"
	"github.com/quillhaven/research-agent/internal/api/middleware"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// CORS settings
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int

	// RequestTimeout bounds plain request/response endpoints.
	// StreamTimeout bounds the SSE endpoints, which hold the connection
	// open while the model works.
	RequestTimeout time.Duration
	StreamTimeout  time.Duration

	// Rate limiting
	EnableRateLimiting bool
	RateLimitConfig    middleware.RateLimitConfig
}

// DefaultRouterConfig returns a default router configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:     []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials:   false,
		MaxAge:             300,
		RequestTimeout:     30 * time.Second,
		StreamTimeout:      5 * time.Minute,
		EnableRateLimiting: true,
		RateLimitConfig:    middleware.DefaultRateLimitConfig(),
	}
}

// Dependencies holds all dependencies required by the API handlers.
type Dependencies struct {
	Logger         *slog.Logger
	Sources        handlers.SourceDB
	Sessions       handlers.SessionDB
	ObjectStorage  handlers.ObjectStorage
	Ingester       handlers.Ingester
	Chat           handlers.ChatService
	Generator      handlers.DocumentService
	RateLimitStore middleware.RateLimitStore

	// Readiness holds the components probed by /ready, keyed by name.
	Readiness map[string]handlers.HealthChecker
}

// NewRouter creates and configures a new Chi router with all middleware and routes.
func NewRouter(deps Dependencies, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Global middleware. Timeouts are applied per route group because the
	// streaming endpoints outlive a normal request budget.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   config.AllowedMethods,
		AllowedHeaders:   config.AllowedHeaders,
		ExposedHeaders:   config.ExposedHeaders,
		AllowCredentials: config.AllowCredentials,
		MaxAge:           config.MaxAge,
	}))

	var rateLimiter *middleware.RateLimiter
	if config.EnableRateLimiting {
		store := deps.RateLimitStore
		if store == nil {
			// Fall back to in-memory store
			store = middleware.NewMemoryRateLimitStore()
		}
		rateLimiter = middleware.NewRateLimiter(store, config.RateLimitConfig, logger)
	}

	limit := func(limitType string) func(http.Handler) http.Handler {
		if rateLimiter == nil {
			return passthrough
		}
		return rateLimiter.Middleware(limitType)
	}

	requestTimeout := chimiddleware.Timeout(config.RequestTimeout)
	streamTimeout := chimiddleware.Timeout(config.StreamTimeout)

	// Health endpoints skip rate limiting.
	r.Get("/health", handlers.HealthCheck(Version))
	r.Get("/ready", handlers.ReadyCheck(deps.Readiness))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Use(requestTimeout)
			r.Use(limit("ingest"))
			r.Get("/", handlers.ListSources(deps.Sources, logger))
			r.Post("/", handlers.CreateSource(deps.Sources, deps.ObjectStorage, deps.Ingester, logger))
			r.Post("/upload", handlers.UploadSource(deps.Sources, deps.ObjectStorage, deps.Ingester, logger))
			r.Get("/{id}", handlers.GetSource(deps.Sources, logger))
			r.Delete("/{id}", handlers.DeleteSource(deps.Sources, deps.ObjectStorage, logger))
			r.Get("/{id}/text", handlers.GetSourceText(deps.Sources, deps.ObjectStorage, logger))
			r.Post("/{id}/ingest", handlers.ReingestSource(deps.Sources, deps.Ingester, logger))
		})

		r.Route("/sessions", func(r chi.Router) {
			r.With(requestTimeout).Post("/", handlers.CreateSession(deps.Sessions, logger))
			r.With(requestTimeout).Get("/", handlers.ListSessions(deps.Sessions, logger))
			r.With(requestTimeout).Get("/{id}/messages", handlers.GetSessionMessages(deps.Sessions, logger))
			r.With(streamTimeout, limit("chat")).Post("/{id}/chat", handlers.HandleChat(deps.Sessions, deps.Chat, logger))
		})

		r.With(streamTimeout, limit("generate")).Post("/generate", handlers.HandleGenerate(deps.Generator, logger))
	})

	return r
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration.
// WriteTimeout must cover the longest SSE stream, not a single response.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "",
		Port:            8080,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    6 * time.Minute,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, config ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         formatAddr(config.Host, config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		logger: logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// formatAddr formats host and port into an address string.
func formatAddr(host string, port int) string {
	if host == "" {
		return fmt.Sprintf(":%d", port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
