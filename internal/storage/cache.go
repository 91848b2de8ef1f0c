package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// RedisClient is the subset of Redis operations the cache needs.
// Kept as an interface so tests can swap in an in-memory fake.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// EmbeddingCacheConfig holds cache tunables.
type EmbeddingCacheConfig struct {
	Prefix string
	TTL    time.Duration
}

// DefaultEmbeddingCacheConfig returns the default cache configuration.
func DefaultEmbeddingCacheConfig() EmbeddingCacheConfig {
	return EmbeddingCacheConfig{
		Prefix: "quill:embed",
		TTL:    1 * time.Hour,
	}
}

// EmbeddingCache caches query embeddings in Redis keyed by a hash of
// model+text. All failures degrade to cache misses; the cache never blocks
// the caller on Redis being unavailable.
type EmbeddingCache struct {
	client  RedisClient
	config  EmbeddingCacheConfig
	logger  *slog.Logger
	healthy bool
	hits    uint64
	misses  uint64
}

// NewEmbeddingCache creates an EmbeddingCache and probes the connection.
func NewEmbeddingCache(client RedisClient, logger *slog.Logger, cfg EmbeddingCacheConfig) *EmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &EmbeddingCache{
		client:  client,
		config:  cfg,
		logger:  logger.With("component", "embedding_cache"),
		healthy: client != nil,
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			c.logger.Warn("redis unavailable, embedding cache disabled", "error", err)
			c.healthy = false
		}
	}
	return c
}

// IsHealthy reports whether the cache is operational.
func (c *EmbeddingCache) IsHealthy() bool {
	return c.healthy && c.client != nil
}

// Stats returns hit/miss counters.
func (c *EmbeddingCache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// Get returns a cached embedding and whether it was found.
func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if !c.IsHealthy() {
		return nil, false
	}

	data, err := c.client.Get(ctx, c.key(model, text))
	if err != nil {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	embedding, err := decodeEmbedding([]byte(data))
	if err != nil {
		c.logger.Error("failed to decode cached embedding", "error", err)
		return nil, false
	}

	atomic.AddUint64(&c.hits, 1)
	return embedding, true
}

// Set stores an embedding. Errors are logged and swallowed.
func (c *EmbeddingCache) Set(ctx context.Context, model, text string, embedding []float32) {
	if !c.IsHealthy() || len(embedding) == 0 {
		return
	}
	if err := c.client.Set(ctx, c.key(model, text), encodeEmbedding(embedding), c.config.TTL); err != nil {
		c.logger.Error("failed to cache embedding", "error", err)
	}
}

// Close releases the underlying client.
func (c *EmbeddingCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *EmbeddingCache) key(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return fmt.Sprintf("%s:%s", c.config.Prefix, hex.EncodeToString(h[:16]))
}

// encodeEmbedding packs a float32 slice as little-endian bytes.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding data length: %d", len(data))
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, nil
}
