package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// RedisClient is the subset of Redis the caches and rate limiter need.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for the embedding cache.
type CacheConfig struct {
	Prefix       string
	EmbeddingTTL time.Duration
	// Continue without cache if Redis is unavailable.
	GracefulDegradation bool
}

// DefaultCacheConfig returns a default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:              "rag",
		EmbeddingTTL:        24 * time.Hour,
		GracefulDegradation: true,
	}
}

// CacheMetrics tracks cache hit/miss statistics.
type CacheMetrics struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// EmbeddingCache stores vectors keyed by model and input text.
type EmbeddingCache struct {
	client  RedisClient
	config  CacheConfig
	logger  *slog.Logger
	metrics CacheMetrics
	healthy atomic.Bool
}

// NewEmbeddingCache creates a cache. A nil client or a failed ping disables it.
func NewEmbeddingCache(client RedisClient, logger *slog.Logger, config CacheConfig) *EmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &EmbeddingCache{
		client: client,
		config: config,
		logger: logger.With("component", "embedding_cache"),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			c.logger.Warn("Redis connection failed, cache will be disabled", "error", err)
		} else {
			c.healthy.Store(true)
		}
	}

	return c
}

// IsHealthy returns whether the cache is operational.
func (c *EmbeddingCache) IsHealthy() bool {
	return c.client != nil && c.healthy.Load()
}

// GetMetrics returns current cache metrics.
func (c *EmbeddingCache) GetMetrics() CacheMetrics {
	return CacheMetrics{
		Hits:   atomic.LoadUint64(&c.metrics.Hits),
		Misses: atomic.LoadUint64(&c.metrics.Misses),
		Errors: atomic.LoadUint64(&c.metrics.Errors),
	}
}

// Get returns the cached vector for text under model.
func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	if !c.IsHealthy() {
		return nil, false
	}

	data, err := c.client.Get(ctx, c.key(model, text))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			atomic.AddUint64(&c.metrics.Errors, 1)
			c.logger.Warn("embedding cache read failed", "error", err)
		}
		atomic.AddUint64(&c.metrics.Misses, 1)
		return nil, false
	}

	vec, err := decodeEmbedding([]byte(data))
	if err != nil {
		atomic.AddUint64(&c.metrics.Errors, 1)
		c.logger.Error("failed to decode cached embedding", "error", err)
		return nil, false
	}

	atomic.AddUint64(&c.metrics.Hits, 1)
	return vec, true
}

// Set caches a vector for text under model.
func (c *EmbeddingCache) Set(ctx context.Context, model, text string, vec []float32) error {
	if !c.IsHealthy() {
		return nil
	}

	if err := c.client.Set(ctx, c.key(model, text), encodeEmbedding(vec), c.config.EmbeddingTTL); err != nil {
		atomic.AddUint64(&c.metrics.Errors, 1)
		c.logger.Error("failed to cache embedding", "error", err)
		if c.config.GracefulDegradation {
			return nil
		}
		return err
	}
	return nil
}

func (c *EmbeddingCache) key(model, text string) string {
	return fmt.Sprintf("%s:embed:%s:%s", c.config.Prefix, model, hashText(text))
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:16])
}

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
