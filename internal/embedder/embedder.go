// Package embedder turns text into vectors and reports the tokens the
// provider billed for them.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// Result holds one vector per input text, in input order, and the tokens the
// provider reported for the call.
type Result struct {
	Vectors    [][]float32
	TokensUsed int
}

// Embedder defines the interface for embedding generation.
type Embedder interface {
	// Embed embeds texts. On error, Result.TokensUsed still reports tokens
	// billed by batches that completed before the failure.
	Embed(ctx context.Context, texts []string) (Result, error)

	// EmbedOne embeds a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, int, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// ModelName returns the model name.
	ModelName() string
}

// Config holds configuration for the OpenAI embedder.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimension      int
	MaxBatchSize   int           // max inputs per request (default: 100)
	RateLimitRPS   float64       // requests per second
	RequestTimeout time.Duration // timeout per request
}

// DefaultConfig returns default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		Model:          string(openai.SmallEmbedding3),
		Dimension:      1536,
		MaxBatchSize:   100,
		RateLimitRPS:   50,
		RequestTimeout: 30 * time.Second,
	}
}

// OpenAIEmbedder implements Embedder with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client      *openai.Client
	config      Config
	rateLimiter *rate.Limiter
	policy      retry.Policy
	logger      *slog.Logger
}

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(cfg Config, logger *slog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	d := DefaultConfig(cfg.APIKey)
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = d.Dimension
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > d.MaxBatchSize {
		cfg.MaxBatchSize = d.MaxBatchSize
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = d.RateLimitRPS
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "embedder")

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client:      openai.NewClientWithConfig(clientCfg),
		config:      cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(cfg.RateLimitRPS))),
		policy:      errs.RetryPolicy("embedder", logger),
		logger:      logger,
	}, nil
}

// EmbedOne embeds a single text.
func (e *OpenAIEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, int, error) {
	res, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, res.TokensUsed, err
	}
	return res.Vectors[0], res.TokensUsed, nil
}

// Embed sends texts in batches of at most MaxBatchSize. Each batch is retried
// on transient errors.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) (Result, error) {
	if len(texts) == 0 {
		return Result{}, nil
	}

	startTime := time.Now()
	res := Result{Vectors: make([][]float32, 0, len(texts))}

	for i := 0; i < len(texts); i += e.config.MaxBatchSize {
		end := min(i+e.config.MaxBatchSize, len(texts))

		batch, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) (Result, error) {
			return e.doEmbedBatch(ctx, texts[i:end])
		})
		if err != nil {
			e.logger.Warn("embedding batch failed",
				"error", err,
				"batch_start", i,
				"batch_size", end-i,
				"tokens_spent", res.TokensUsed,
			)
			return res, fmt.Errorf("batch embedding failed: %w", err)
		}

		res.Vectors = append(res.Vectors, batch.Vectors...)
		res.TokensUsed += batch.TokensUsed
	}

	e.logger.Debug("embedding complete",
		"texts", len(texts),
		"tokens_used", res.TokensUsed,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return res, nil
}

// doEmbedBatch performs a single embedding API call.
func (e *OpenAIEmbedder) doEmbedBatch(ctx context.Context, texts []string) (Result, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter error: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.config.Model),
	})
	if err != nil {
		return Result{}, fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return Result{}, fmt.Errorf("unexpected response: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	// Data is not guaranteed to be in input order.
	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return Result{}, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		if len(data.Embedding) != e.config.Dimension {
			return Result{}, fmt.Errorf("embedding dimension %d, expected %d", len(data.Embedding), e.config.Dimension)
		}
		vectors[data.Index] = data.Embedding
	}

	return Result{Vectors: vectors, TokensUsed: resp.Usage.TotalTokens}, nil
}

// Dimension returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.config.Dimension
}

// ModelName returns the model name.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}
