// Package testing provides test utilities including testcontainers setup.
package testing

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	gotesting "testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// ContainerConfig holds configuration for test containers.
type ContainerConfig struct {
	PostgresImage  string
	PostgresDB     string
	PostgresUser   string
	PostgresPass   string
	RedisImage     string
	StartupTimeout time.Duration
}

// DefaultContainerConfig returns a default container configuration.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		PostgresImage:  "pgvector/pgvector:pg16",
		PostgresDB:     "testdb",
		PostgresUser:   "testuser",
		PostgresPass:   "testpass",
		RedisImage:     "redis:7-alpine",
		StartupTimeout: 60 * time.Second,
	}
}

// TestContainers holds running test containers.
type TestContainers struct {
	PostgresContainer *postgres.PostgresContainer
	RedisContainer    *redis.RedisContainer
	PostgresConnStr   string
	RedisAddr         string
	config            ContainerConfig
	logger            *slog.Logger
}

// NewTestContainers prepares a container set. Nothing is started yet.
func NewTestContainers(config ContainerConfig, logger *slog.Logger) *TestContainers {
	if logger == nil {
		logger = slog.Default()
	}
	return &TestContainers{
		config: config,
		logger: logger.With("component", "testcontainers"),
	}
}

// StartPostgres starts a PostgreSQL container with the pgvector extension.
func (tc *TestContainers) StartPostgres(ctx context.Context) error {
	tc.logger.Info("starting PostgreSQL container", "image", tc.config.PostgresImage)

	container, err := postgres.Run(ctx,
		tc.config.PostgresImage,
		postgres.WithDatabase(tc.config.PostgresDB),
		postgres.WithUsername(tc.config.PostgresUser),
		postgres.WithPassword(tc.config.PostgresPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(tc.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}
	tc.PostgresContainer = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	tc.PostgresConnStr = connStr
	tc.logger.Info("PostgreSQL container started")
	return nil
}

// StartRedis starts a Redis container.
func (tc *TestContainers) StartRedis(ctx context.Context) error {
	tc.logger.Info("starting Redis container", "image", tc.config.RedisImage)

	container, err := redis.Run(ctx,
		tc.config.RedisImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(tc.config.StartupTimeout),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to start redis container: %w", err)
	}
	tc.RedisContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return fmt.Errorf("failed to get redis port: %w", err)
	}
	tc.RedisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	tc.logger.Info("Redis container started", "addr", tc.RedisAddr)
	return nil
}

// Cleanup terminates all running containers.
func (tc *TestContainers) Cleanup(ctx context.Context) error {
	var errs []error
	if tc.PostgresContainer != nil {
		if err := tc.PostgresContainer.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate postgres: %w", err))
		}
	}
	if tc.RedisContainer != nil {
		if err := tc.RedisContainer.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenMigrated opens a pool on the Postgres container and applies the schema.
func (tc *TestContainers) OpenMigrated(ctx context.Context) (*storage.PostgresDB, error) {
	if tc.PostgresConnStr == "" {
		return nil, fmt.Errorf("postgres container not started")
	}
	db, err := storage.OpenPostgres(tc.PostgresConnStr, storage.PostgresConfig{MaxOpenConns: 20, MaxIdleConns: 5})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// PostgresForTest starts a migrated pgvector database for one test and tears
// it down afterwards. Skipped under -short.
func PostgresForTest(t gotesting.TB) *storage.PostgresDB {
	t.Helper()
	if gotesting.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	tc := NewTestContainers(DefaultContainerConfig(), nil)
	t.Cleanup(func() {
		if err := tc.Cleanup(context.Background()); err != nil {
			t.Logf("container cleanup: %v", err)
		}
	})

	if err := tc.StartPostgres(ctx); err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	db, err := tc.OpenMigrated(ctx)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// RedisForTest starts a Redis container and returns a connected client.
func RedisForTest(t gotesting.TB) *storage.RedisClientWrapper {
	t.Helper()
	if gotesting.Short() {
		t.Skip("skipping container test in short mode")
	}

	tc := NewTestContainers(DefaultContainerConfig(), nil)
	t.Cleanup(func() {
		if err := tc.Cleanup(context.Background()); err != nil {
			t.Logf("container cleanup: %v", err)
		}
	})
	if err := tc.StartRedis(context.Background()); err != nil {
		t.Fatalf("start redis: %v", err)
	}
	client, err := storage.NewRedisClient(storage.RedisConfig{Addr: tc.RedisAddr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// SeedWorkspace inserts a workspace and returns its id.
func SeedWorkspace(t gotesting.TB, db *storage.PostgresDB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := db.EnsureWorkspace(context.Background(), id, "test"); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	return id
}

// SeedDocument inserts a document in the given status and returns it.
func SeedDocument(t gotesting.TB, db *storage.PostgresDB, workspaceID uuid.UUID, status storage.DocumentStatus) *storage.Document {
	t.Helper()
	docs := storage.NewDocumentStore(db, slog.Default())
	id := uuid.New()
	doc := &storage.Document{
		ID:             id,
		WorkspaceID:    workspaceID,
		Filename:       "test.pdf",
		FileSizeBytes:  1024,
		FileHashSHA256: fmt.Sprintf("%x", sha256.Sum256(id[:])),
		StoragePath:    storage.DocumentKey(workspaceID, id, "test.pdf"),
		Status:         status,
	}
	if err := docs.Create(context.Background(), doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc
}
