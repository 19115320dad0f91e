package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// VectorStore performs nearest-neighbour search over chunk embeddings.
type VectorStore interface {
	TopK(ctx context.Context, workspaceID uuid.UUID, vector []float32, documentIDs []uuid.UUID, k int) ([]RetrievedChunk, error)
	Health(ctx context.Context) error
}

// PgVectorStore implements VectorStore using PostgreSQL with pgvector.
type PgVectorStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewPgVectorStore creates a new pgvector-backed store.
func NewPgVectorStore(db *PostgresDB, logger *slog.Logger) *PgVectorStore {
	return &PgVectorStore{
		db:     db,
		logger: logger.With("component", "vector_store"),
	}
}

// TopK returns the k chunks closest to vector by cosine distance, limited to
// the given documents of the workspace. Ties keep the index order.
func (vs *PgVectorStore) TopK(ctx context.Context, workspaceID uuid.UUID, vector []float32, documentIDs []uuid.UUID, k int) ([]RetrievedChunk, error) {
	if k <= 0 || len(documentIDs) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		vs.logger.Debug("search completed",
			"workspace_id", workspaceID,
			"top_k", k,
			"documents", len(documentIDs),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	rows, err := vs.db.QueryContext(ctx, `
		SELECT
			c.id,
			c.document_id,
			c.page_start,
			c.content,
			c.token_count,
			1 - (e.embedding <=> $1::vector) AS similarity
		FROM chunk_embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		WHERE e.workspace_id = $2
		  AND e.document_id = ANY($3::uuid[])
		ORDER BY e.embedding <=> $1::vector
		LIMIT $4
	`, pgvector.NewVector(vector), workspaceID, pq.Array(uuidStrings(documentIDs)), k)
	if err != nil {
		vs.logger.Error("search query failed", "error", err)
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	var results []RetrievedChunk
	for rows.Next() {
		var rc RetrievedChunk
		if err := rows.Scan(&rc.ChunkID, &rc.DocumentID, &rc.PageNumber, &rc.Content, &rc.TokenCount, &rc.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		results = append(results, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

// Health checks the vector store connection.
func (vs *PgVectorStore) Health(ctx context.Context) error {
	return vs.db.Health(ctx)
}
