// Package app assembles the components shared by the api, worker and ragctl
// binaries from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/internal/chunker"
	"github.com/Aryan1718/enterprise-rag-platform/internal/config"
	"github.com/Aryan1718/enterprise-rag-platform/internal/documents"
	"github.com/Aryan1718/enterprise-rag-platform/internal/embedder"
	"github.com/Aryan1718/enterprise-rag-platform/internal/ingest"
	"github.com/Aryan1718/enterprise-rag-platform/internal/jobs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/llm"
	"github.com/Aryan1718/enterprise-rag-platform/internal/processor"
	"github.com/Aryan1718/enterprise-rag-platform/internal/query"
	"github.com/Aryan1718/enterprise-rag-platform/internal/realtime"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
	"github.com/Aryan1718/enterprise-rag-platform/internal/sweeper"
)

// App holds the infrastructure connections and the stores built on them.
// Provider clients and the queue are created on demand so that commands which
// only touch the database never need API keys or a broker.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB        *storage.PostgresDB
	Documents *storage.DocumentStore
	Chunks    *storage.ChunkStore
	Vectors   *storage.PgVectorStore
	QueryLogs *storage.QueryLogStore
	Ledger    *budget.Ledger

	// Blobs is nil until OpenBlobs succeeds.
	Blobs *storage.MinIOStorage
	// Redis is nil when REDIS_HOST is unset or unreachable.
	Redis *storage.RedisClientWrapper

	mu      sync.Mutex
	closers []closer
	nats    *jobs.NATSClient
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// New connects to Postgres and builds the stores and the ledger.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.NewPostgres(storage.PostgresConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to PostgreSQL", "host", cfg.Database.Host, "database", cfg.Database.Database)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Documents: storage.NewDocumentStore(db, logger),
		Chunks:    storage.NewChunkStore(db, logger),
		Vectors:   storage.NewPgVectorStore(db, logger),
		QueryLogs: storage.NewQueryLogStore(db, logger),
		Ledger:    budget.NewLedger(budget.NewPostgresStore(db), cfg.Budget.DailyTokenLimit, budget.WithLogger(logger)),
	}
	a.onClose("postgres", func(context.Context) error { return db.Close() })
	return a, nil
}

// OpenBlobs connects to object storage and creates the bucket if needed.
func (a *App) OpenBlobs(ctx context.Context) (*storage.MinIOStorage, error) {
	if a.Blobs != nil {
		return a.Blobs, nil
	}
	sc := a.Config.Storage
	blobs, err := storage.NewMinIOStorage(storage.MinIOConfig{
		Endpoint:        sc.Endpoint,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		BucketName:      sc.BucketName,
		UseSSL:          sc.UseSSL,
		Region:          sc.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	if err := blobs.InitBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize bucket %s: %w", sc.BucketName, err)
	}
	a.Logger.Info("connected to object storage", "endpoint", sc.Endpoint, "bucket", sc.BucketName)
	a.Blobs = blobs
	return blobs, nil
}

// OpenRedis connects to Redis when configured. Redis only backs caches and
// rate limits, so an unreachable server is logged and skipped.
func (a *App) OpenRedis() *storage.RedisClientWrapper {
	if a.Redis != nil {
		return a.Redis
	}
	addr := a.Config.Redis.Addr()
	if addr == "" {
		a.Logger.Info("Redis not configured, using in-process caches")
		return nil
	}
	client, err := storage.NewRedisClient(storage.RedisConfig{
		Addr:     addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		a.Logger.Warn("Redis unavailable, using in-process caches", "addr", addr, "error", err)
		return nil
	}
	a.Logger.Info("connected to Redis", "addr", addr)
	a.Redis = client
	a.onClose("redis", func(context.Context) error { return client.Close() })
	return client
}

// Embedder returns the OpenAI embedder, behind the Redis cache when Redis is up.
func (a *App) Embedder() (embedder.Embedder, error) {
	ec := a.Config.Embedding
	base, err := embedder.NewOpenAIEmbedder(embedder.Config{
		APIKey:         ec.APIKey,
		Model:          ec.Model,
		Dimension:      ec.Dimension,
		MaxBatchSize:   ec.BatchSize,
		RateLimitRPS:   ec.RateLimitRPS,
		RequestTimeout: ec.Timeout,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	redis := a.OpenRedis()
	if redis == nil {
		return base, nil
	}
	cacheCfg := storage.DefaultCacheConfig()
	if ec.CacheTTL > 0 {
		cacheCfg.EmbeddingTTL = ec.CacheTTL
	}
	return embedder.NewCachedEmbedder(base, storage.NewEmbeddingCache(redis, a.Logger, cacheCfg), a.Logger), nil
}

// LLM returns the completion provider chain.
func (a *App) LLM() (llm.Provider, error) {
	lc := a.Config.LLM
	cfg := llm.Config{
		Provider:        lc.Provider,
		Model:           lc.Model,
		FallbackModel:   lc.FallbackModel,
		MaxOutputTokens: lc.MaxOutputTokens,
		Temperature:     lc.Temperature,
	}
	switch llm.ProviderType(lc.Provider) {
	case llm.ProviderAnthropic:
		cfg.APIKey = lc.AnthropicKey
	case llm.ProviderOpenAI:
		cfg.APIKey = lc.OpenAIKey
	case llm.ProviderOllama:
		cfg.BaseURL = lc.OllamaBaseURL
	case llm.ProviderLMStudio:
		cfg.BaseURL = lc.LMStudioBaseURL
	}
	p, err := llm.NewFromConfig(cfg, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	return p, nil
}

// Chunker returns the tiktoken-backed chunker.
func (a *App) Chunker() (*chunker.Chunker, error) {
	tok, err := chunker.NewTiktoken(chunker.DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return chunker.New(chunker.Config{
		MaxTokens:     a.Config.Ingest.ChunkMaxTokens,
		OverlapTokens: a.Config.Ingest.ChunkOverlapTokens,
	}, tok)
}

// Pipeline builds the ingestion pipeline. Jobs it hands off go to scheduler.
func (a *App) Pipeline(ctx context.Context, scheduler jobs.Scheduler, events realtime.Publisher) (*ingest.Pipeline, error) {
	blobs, err := a.OpenBlobs(ctx)
	if err != nil {
		return nil, err
	}
	extractor, err := processor.New(a.Config.Ingest.Extractor, a.Logger)
	if err != nil {
		return nil, err
	}
	ch, err := a.Chunker()
	if err != nil {
		return nil, err
	}
	emb, err := a.Embedder()
	if err != nil {
		return nil, err
	}

	return ingest.NewPipeline(ingest.Deps{
		Documents: a.Documents,
		Chunks:    a.Chunks,
		Blobs:     blobs,
		Extractor: extractor,
		Chunker:   ch,
		Embedder:  emb,
		Ledger:    a.Ledger,
		Scheduler: scheduler,
		Events:    events,
	}, ingest.Config{
		MaxPages:      a.Config.Ingest.MaxPages,
		BatchSize:     a.Config.Embedding.BatchSize,
		SettleTimeout: a.Config.Budget.SettleTimeout,
	}, a.Logger), nil
}

// QueryEngine builds the retrieval and answer engine.
func (a *App) QueryEngine() (*query.Engine, error) {
	emb, err := a.Embedder()
	if err != nil {
		return nil, err
	}
	provider, err := a.LLM()
	if err != nil {
		return nil, err
	}

	qc := a.Config.Query
	cfg := query.DefaultConfig()
	cfg.TopK = qc.TopK
	cfg.MaxQuestionChars = qc.MaxQuestionChars
	cfg.MaxDocuments = qc.MaxDocuments
	cfg.MaxPages = qc.MaxPages
	cfg.MaxChunkTokens = a.Config.Ingest.ChunkMaxTokens
	cfg.PromptOverheadTokens = qc.PromptOverheadTokens
	cfg.MaxOutputTokens = a.Config.LLM.MaxOutputTokens
	cfg.Temperature = a.Config.LLM.Temperature
	cfg.EmbedTimeout = a.Config.Embedding.Timeout
	cfg.SearchTimeout = qc.SearchTimeout
	cfg.LLMTimeout = a.Config.LLM.Timeout
	cfg.SettleTimeout = a.Config.Budget.SettleTimeout
	cfg.LogEachQuery = qc.LogEachQuery

	return query.NewEngine(query.Deps{
		Documents: a.Documents,
		Vectors:   a.Vectors,
		Embedder:  emb,
		LLM:       provider,
		Ledger:    a.Ledger,
		Logs:      a.QueryLogs,
	}, cfg, a.Logger), nil
}

// History builds the query history and citation source reader.
func (a *App) History() *query.History {
	return query.NewHistory(a.QueryLogs, a.Chunks, a.Documents)
}

// DocumentService builds the document lifecycle service.
func (a *App) DocumentService(ctx context.Context, scheduler jobs.Scheduler, events realtime.Publisher) (*documents.Service, error) {
	blobs, err := a.OpenBlobs(ctx)
	if err != nil {
		return nil, err
	}
	return documents.NewService(a.Documents, blobs, scheduler, events, documents.Config{
		MaxFileSizeBytes: a.Config.Ingest.MaxFileSizeBytes,
		UploadURLTTL:     a.Config.Storage.UploadURLTTL,
	}, a.Logger), nil
}

// Sweeper builds the stale reservation sweeper.
func (a *App) Sweeper() *sweeper.Sweeper {
	return sweeper.New(a.Ledger, sweeper.Config{
		Interval:   a.Config.Budget.SweepInterval,
		StaleAfter: a.Config.Budget.ReservationTTL,
	}, a.Logger)
}

// NATS connects to NATS once and ensures the ingest stream exists. The
// connection carries both jobs and status events.
func (a *App) NATS(ctx context.Context) (*jobs.NATSClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nats != nil {
		return a.nats, nil
	}

	cfg := jobs.DefaultNATSConfig()
	cfg.URL = a.Config.NATS.URL
	cfg.Name = a.Config.NATS.Name
	client, err := jobs.NewNATSClient(cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := client.SetupStreams(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set up JetStream streams: %w", err)
	}
	a.nats = client
	a.closers = append(a.closers, closer{"nats", func(context.Context) error { return client.Close() }})
	return client, nil
}

// Events returns a publisher for document status events. Without NATS the
// events are dropped.
func (a *App) Events(ctx context.Context) realtime.Publisher {
	client, err := a.NATS(ctx)
	if err != nil {
		a.Logger.Warn("status events disabled", "error", err)
		return realtime.NopPublisher{}
	}
	return realtime.NewBusPublisher(client)
}

// Queue returns the scheduler and consumer for the configured backend.
func (a *App) Queue(ctx context.Context) (jobs.Scheduler, jobs.Consumer, error) {
	qc := a.Config.Queue
	redelivery := jobs.DefaultRedeliveryConfig()
	if qc.MaxDeliver > 0 {
		redelivery.MaxDeliver = qc.MaxDeliver
	}

	switch qc.Backend {
	case "rabbitmq":
		conn, err := jobs.DialRabbitMQ(ctx, a.Config.RabbitMQ.URL)
		if err != nil {
			return nil, nil, err
		}
		a.onClose("rabbitmq", func(context.Context) error { return conn.Close() })
		a.Logger.Info("connected to RabbitMQ")
		return jobs.NewRabbitScheduler(conn, a.Logger),
			jobs.NewRabbitConsumer(conn, qc.Concurrency, redelivery, a.Logger), nil
	default:
		client, err := a.NATS(ctx)
		if err != nil {
			return nil, nil, err
		}
		return jobs.NewNATSScheduler(client, a.Logger),
			jobs.NewNATSConsumer(client, qc.Concurrency, qc.AckWait, redelivery, a.Logger), nil
	}
}

// Close releases every connection, last opened first.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errList []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", closers[i].name, err))
		}
	}
	return errors.Join(errList...)
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name, fn})
}
