package embedder

import (
	"context"
	"log/slog"
)

// VectorCache stores vectors by model and text.
type VectorCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, vec []float32) error
}

// CachedEmbedder serves repeated texts from a cache. Cache hits cost no
// provider tokens, so TokensUsed only counts the texts that were sent.
type CachedEmbedder struct {
	inner  Embedder
	cache  VectorCache
	logger *slog.Logger
}

// NewCachedEmbedder wraps inner. A nil cache makes it a pass-through.
func NewCachedEmbedder(inner Embedder, cache VectorCache, logger *slog.Logger) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		inner:  inner,
		cache:  cache,
		logger: logger.With("component", "embedding_cache"),
	}
}

// Embed implements Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) (Result, error) {
	if c.cache == nil || len(texts) == 0 {
		return c.inner.Embed(ctx, texts)
	}

	model := c.inner.ModelName()
	vectors := make([][]float32, len(texts))
	var (
		missTexts   []string
		missIndices []int
	)
	for i, text := range texts {
		if vec, ok := c.cache.Get(ctx, model, text); ok && len(vec) == c.inner.Dimension() {
			vectors[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIndices = append(missIndices, i)
	}

	if len(missTexts) == 0 {
		c.logger.Debug("all embeddings from cache", "count", len(texts))
		return Result{Vectors: vectors}, nil
	}

	res, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return Result{TokensUsed: res.TokensUsed}, err
	}

	for j, vec := range res.Vectors {
		vectors[missIndices[j]] = vec
		if err := c.cache.Set(ctx, model, missTexts[j], vec); err != nil {
			c.logger.Debug("failed to cache embedding", "error", err)
		}
	}

	c.logger.Debug("embedding batch complete",
		"total_texts", len(texts),
		"from_cache", len(texts)-len(missTexts),
		"from_api", len(missTexts),
		"tokens_used", res.TokensUsed,
	)
	return Result{Vectors: vectors, TokensUsed: res.TokensUsed}, nil
}

// EmbedOne implements Embedder.
func (c *CachedEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, int, error) {
	res, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, res.TokensUsed, err
	}
	return res.Vectors[0], res.TokensUsed, nil
}

// Dimension implements Embedder.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// ModelName implements Embedder.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }
