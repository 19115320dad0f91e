package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
)

// QueryLogStore appends query audit records.
type QueryLogStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewQueryLogStore creates a query log store.
func NewQueryLogStore(db *PostgresDB, logger *slog.Logger) *QueryLogStore {
	return &QueryLogStore{db: db, logger: logger.With("component", "query_logs")}
}

// Insert writes one query log row and fills in ID and CreatedAt.
func (s *QueryLogStore) Insert(ctx context.Context, l *QueryLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	scores := l.ChunkScores
	if scores == nil {
		scores = []float64{}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO query_logs (
			id, workspace_id, query_text, documents_searched, retrieved_chunk_ids, chunk_scores,
			answer_text, error_code, error_message,
			retrieval_latency_ms, llm_latency_ms, total_latency_ms,
			embedding_tokens_used, llm_input_tokens, llm_output_tokens, total_tokens_used
		) VALUES ($1, $2, $3, $4::uuid[], $5::uuid[], $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at
	`,
		l.ID, l.WorkspaceID, l.Question,
		pq.Array(uuidStrings(l.DocumentsSearched)), pq.Array(uuidStrings(l.RetrievedChunkIDs)), pq.Array(scores),
		nullString(l.AnswerText), nullString(l.ErrorCode), nullString(l.ErrorMessage),
		l.RetrievalLatencyMs, nullInt64(l.LLMLatencyMs), l.TotalLatencyMs,
		l.EmbeddingTokens, nullInt64(l.LLMInputTokens), nullInt64(l.LLMOutputTokens), l.TotalTokens,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert query log: %w", err)
	}
	return nil
}

const queryLogColumns = `id, workspace_id, query_text, documents_searched, retrieved_chunk_ids, chunk_scores,
	answer_text, error_code, error_message,
	retrieval_latency_ms, llm_latency_ms, total_latency_ms,
	embedding_tokens_used, llm_input_tokens, llm_output_tokens, total_tokens_used, created_at`

// List pages through a workspace's query logs, newest first. A document
// filter matches logs that searched that document.
func (s *QueryLogStore) List(ctx context.Context, workspaceID uuid.UUID, filter QueryLogFilter) ([]QueryLog, int, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	var doc any
	if filter.DocumentID != nil {
		doc = filter.DocumentID.String()
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM query_logs
		WHERE workspace_id = $1 AND ($2::uuid IS NULL OR $2::uuid = ANY(documents_searched))
	`, workspaceID, doc).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count query logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queryLogColumns+`
		FROM query_logs
		WHERE workspace_id = $1 AND ($2::uuid IS NULL OR $2::uuid = ANY(documents_searched))
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, workspaceID, doc, filter.Limit, max(0, filter.Offset))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list query logs: %w", err)
	}
	defer rows.Close()

	out := []QueryLog{}
	for rows.Next() {
		l, err := scanQueryLog(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list query logs: %w", err)
	}
	return out, total, nil
}

// Get loads one query log of the workspace.
func (s *QueryLogStore) Get(ctx context.Context, workspaceID, id uuid.UUID) (*QueryLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queryLogColumns+` FROM query_logs WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	)
	l, err := scanQueryLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("query", id.String())
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func scanQueryLog(row rowScanner) (*QueryLog, error) {
	var l QueryLog
	var docs, chunks []string
	err := row.Scan(&l.ID, &l.WorkspaceID, &l.Question, pq.Array(&docs), pq.Array(&chunks), pq.Array(&l.ChunkScores),
		&l.AnswerText, &l.ErrorCode, &l.ErrorMessage,
		&l.RetrievalLatencyMs, &l.LLMLatencyMs, &l.TotalLatencyMs,
		&l.EmbeddingTokens, &l.LLMInputTokens, &l.LLMOutputTokens, &l.TotalTokens, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan query log: %w", err)
	}
	l.DocumentsSearched = parseUUIDs(docs)
	l.RetrievedChunkIDs = parseUUIDs(chunks)
	return &l, nil
}

func parseUUIDs(in []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(in))
	for _, s := range in {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
