package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limit is a request count per rolling window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitConfig carries the per-endpoint-class limits. Chat and generate
// are model-bound and expensive, ingest fans out to extraction and
// embedding, everything else shares the default.
type RateLimitConfig struct {
	Chat     Limit
	Ingest   Limit
	Generate Limit
	Default  Limit

	// GracefulDegradation lets requests through when the backing store is
	// down instead of failing closed.
	GracefulDegradation bool
	EnableMetrics       bool
}

// DefaultRateLimitConfig returns the limits used in production.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Chat:                Limit{Requests: 20, Window: time.Minute},
		Ingest:              Limit{Requests: 30, Window: time.Hour},
		Generate:            Limit{Requests: 10, Window: time.Hour},
		Default:             Limit{Requests: 100, Window: time.Minute},
		GracefulDegradation: true,
		EnableMetrics:       true,
	}
}

// RateLimitStore counts requests per key within a window.
type RateLimitStore interface {
	// Increment bumps the counter for key, creating it with the window's
	// expiry when absent, and returns the new count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	// GetCount reads the current count without bumping it.
	GetCount(ctx context.Context, key string) (int64, error)
	IsHealthy() bool
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryRateLimitStore keeps counters in process memory. Counts are not
// shared between replicas, so it only suits single-instance deployments.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryRateLimitStore creates an in-memory store and starts its
// expired-entry sweeper.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	s := &MemoryRateLimitStore{entries: make(map[string]*memoryEntry)}
	go s.sweep()
	return s
}

func (s *MemoryRateLimitStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		e.count++
		return e.count, nil
	}
	s.entries[key] = &memoryEntry{count: 1, expiresAt: now.Add(window)}
	return 1, nil
}

func (s *MemoryRateLimitStore) GetCount(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return e.count, nil
	}
	return 0, nil
}

func (s *MemoryRateLimitStore) IsHealthy() bool { return true }

func (s *MemoryRateLimitStore) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for key, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

// RedisClient is the slice of Redis operations the limiter needs.
type RedisClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
}

// RedisRateLimitStore shares counters across replicas through Redis.
type RedisRateLimitStore struct {
	client  RedisClient
	prefix  string
	healthy bool
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed store. The connection is
// probed once at construction; an unreachable Redis leaves the store
// unhealthy and the limiter decides fail-open vs fail-closed.
func NewRedisRateLimitStore(client RedisClient, prefix string, logger *slog.Logger) *RedisRateLimitStore {
	s := &RedisRateLimitStore{client: client, prefix: prefix, logger: logger}
	if client == nil {
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		logger.Warn("Redis unreachable, rate limit store unhealthy", "error", err)
		return s
	}
	s.healthy = true
	return s
}

func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !s.IsHealthy() {
		return 0, fmt.Errorf("redis not available")
	}
	fullKey := s.prefix + ":" + key
	count, err := s.client.Incr(ctx, fullKey)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate limit counter: %w", err)
	}
	// First hit in the window owns setting the expiry.
	if count == 1 {
		if err := s.client.Expire(ctx, fullKey, window); err != nil {
			s.logger.Warn("failed to set rate limit expiry", "key", fullKey, "error", err)
		}
	}
	return count, nil
}

func (s *RedisRateLimitStore) GetCount(ctx context.Context, key string) (int64, error) {
	if !s.IsHealthy() {
		return 0, fmt.Errorf("redis not available")
	}
	val, err := s.client.Get(ctx, s.prefix+":"+key)
	if err != nil {
		return 0, nil
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

func (s *RedisRateLimitStore) IsHealthy() bool {
	return s.client != nil && s.healthy
}

// RateLimiter produces per-class limiting middleware over a shared store.
type RateLimiter struct {
	store  RateLimitStore
	config RateLimitConfig
	logger *slog.Logger

	mu       sync.Mutex
	allowed  map[string]uint64
	rejected map[string]uint64
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(store RateLimitStore, config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		store:    store,
		config:   config,
		logger:   logger.With("component", "rate_limiter"),
		allowed:  make(map[string]uint64),
		rejected: make(map[string]uint64),
	}
}

// Middleware limits requests of the named class per client IP.
func (rl *RateLimiter) Middleware(class string) func(next http.Handler) http.Handler {
	limit := rl.limitFor(class)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.store.IsHealthy() {
				rl.degrade(w, r, next)
				return
			}

			key := class + ":" + clientIP(r)
			count, err := rl.store.Increment(r.Context(), key, limit.Window)
			if err != nil {
				rl.logger.Error("rate limit check failed", "key", key, "error", err)
				rl.degrade(w, r, next)
				return
			}

			remaining := int64(limit.Requests) - count
			if remaining < 0 {
				remaining = 0
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.Itoa(int(limit.Window.Seconds())))

			if count > int64(limit.Requests) {
				rl.record(class, false)
				rl.logger.Warn("rate limit exceeded",
					"class", class,
					"client", clientIP(r),
					"count", count,
					"limit", limit.Requests,
				)
				h.Set("Retry-After", strconv.Itoa(int(limit.Window.Seconds())))
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			rl.record(class, true)
			next.ServeHTTP(w, r)
		})
	}
}

// degrade handles an unavailable store per the configured policy.
func (rl *RateLimiter) degrade(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if rl.config.GracefulDegradation {
		next.ServeHTTP(w, r)
		return
	}
	http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
}

func (rl *RateLimiter) limitFor(class string) Limit {
	switch class {
	case "chat":
		return rl.config.Chat
	case "ingest":
		return rl.config.Ingest
	case "generate":
		return rl.config.Generate
	default:
		return rl.config.Default
	}
}

func (rl *RateLimiter) record(class string, ok bool) {
	if !rl.config.EnableMetrics {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if ok {
		rl.allowed[class]++
	} else {
		rl.rejected[class]++
	}
}

// GetMetrics returns allowed/rejected counts per class.
func (rl *RateLimiter) GetMetrics() map[string]uint64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make(map[string]uint64, len(rl.allowed)+len(rl.rejected))
	for k, v := range rl.allowed {
		out[k+"_allowed"] = v
	}
	for k, v := range rl.rejected {
		out[k+"_rejected"] = v
	}
	return out
}

// clientIP prefers proxy-set headers over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
