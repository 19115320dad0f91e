package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// ChunkStore persists chunks and their embeddings.
type ChunkStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewChunkStore creates a chunk store.
func NewChunkStore(db *PostgresDB, logger *slog.Logger) *ChunkStore {
	return &ChunkStore{db: db, logger: logger.With("component", "chunk_store")}
}

// ExistingChunks returns the stored chunks of a document keyed by chunk_index.
func (s *ChunkStore) ExistingChunks(ctx context.Context, workspaceID, documentID uuid.UUID) (map[int]ChunkState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_index, c.id, c.content_hash, e.chunk_id IS NOT NULL
		FROM chunks c
		LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id
		WHERE c.workspace_id = $1 AND c.document_id = $2
	`, workspaceID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[int]ChunkState)
	for rows.Next() {
		var idx int
		var st ChunkState
		if err := rows.Scan(&idx, &st.ID, &st.ContentHash, &st.HasEmbedding); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out[idx] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return out, nil
}

// UpsertChunks writes the chunk set of a document keyed by (document_id,
// chunk_index). Embeddings of chunks whose content changed are dropped, and
// chunks beyond the new set are deleted. Returns the chunk id per index.
func (s *ChunkStore) UpsertChunks(ctx context.Context, workspaceID, documentID uuid.UUID, chunks []Chunk) (map[int]uuid.UUID, error) {
	ids := make(map[int]uuid.UUID, len(chunks))

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range chunks {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM chunk_embeddings e
				USING chunks c
				WHERE e.chunk_id = c.id
				  AND c.document_id = $1 AND c.chunk_index = $2 AND c.content_hash <> $3
			`, documentID, c.ChunkIndex, c.ContentHash)
			if err != nil {
				return fmt.Errorf("failed to drop stale embedding: %w", err)
			}

			var id uuid.UUID
			err = tx.QueryRowContext(ctx, `
				INSERT INTO chunks (workspace_id, document_id, page_start, page_end, chunk_index, content, content_hash, token_count)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (document_id, chunk_index) DO UPDATE SET
					page_start = EXCLUDED.page_start,
					page_end = EXCLUDED.page_end,
					content = EXCLUDED.content,
					content_hash = EXCLUDED.content_hash,
					token_count = EXCLUDED.token_count
				RETURNING id
			`, workspaceID, documentID, c.PageStart, c.PageEnd, c.ChunkIndex, c.Content, c.ContentHash, c.TokenCount).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to upsert chunk %d: %w", c.ChunkIndex, err)
			}
			ids[c.ChunkIndex] = id
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE document_id = $1 AND chunk_index >= $2`,
			documentID, len(chunks),
		); err != nil {
			return fmt.Errorf("failed to trim chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("chunks upserted", "document_id", documentID, "count", len(chunks))
	return ids, nil
}

// InsertEmbeddings stores vectors for chunks of one document, replacing any
// existing vector for the same chunk.
func (s *ChunkStore) InsertEmbeddings(ctx context.Context, workspaceID, documentID uuid.UUID, embeddings []ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunk_embeddings (chunk_id, workspace_id, document_id, embedding, embedding_model)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chunk_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				embedding_model = EXCLUDED.embedding_model,
				created_at = NOW()
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, e := range embeddings {
			if _, err := stmt.ExecContext(ctx, e.ChunkID, workspaceID, documentID, pgvector.NewVector(e.Embedding), e.EmbeddingModel); err != nil {
				return fmt.Errorf("failed to insert embedding for chunk %s: %w", e.ChunkID, err)
			}
		}
		return nil
	})
}

// CountChunks returns the number of chunks and embedded chunks of a document.
func (s *ChunkStore) CountChunks(ctx context.Context, workspaceID, documentID uuid.UUID) (chunks, embedded int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(c.id), COUNT(e.chunk_id)
		FROM chunks c
		LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id
		WHERE c.workspace_id = $1 AND c.document_id = $2
	`, workspaceID, documentID).Scan(&chunks, &embedded)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return chunks, embedded, nil
}

// GetChunks loads chunks by id, scoped to a workspace.
func (s *ChunkStore) GetChunks(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, document_id, page_start, page_end, chunk_index, content, content_hash, token_count, created_at
		FROM chunks
		WHERE workspace_id = $1 AND id = ANY($2::uuid[])
		ORDER BY document_id, chunk_index
	`, workspaceID, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.DocumentID, &c.PageStart, &c.PageEnd,
			&c.ChunkIndex, &c.Content, &c.ContentHash, &c.TokenCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
