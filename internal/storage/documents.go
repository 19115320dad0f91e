package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
)

// ErrDuplicateHash is returned by Create when the workspace already has a
// document with the same file hash.
var ErrDuplicateHash = errors.New("document with this hash already exists")

const documentColumns = `id, workspace_id, filename, file_size_bytes, page_count, file_hash_sha256,
	storage_path, status, error_message, created_at, updated_at`

// maxErrorMessageLen bounds error_message so provider dumps do not bloat rows.
const maxErrorMessageLen = 2000

// DocumentStore persists documents and their extracted pages. Every method is
// scoped by workspace id.
type DocumentStore struct {
	db     *PostgresDB
	logger *slog.Logger
}

// NewDocumentStore creates a DocumentStore.
func NewDocumentStore(db *PostgresDB, logger *slog.Logger) *DocumentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentStore{
		db:     db,
		logger: logger.With("component", "document_store"),
	}
}

// Create inserts a new document row.
func (s *DocumentStore) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = StatusPendingUpload
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, workspace_id, filename, file_size_bytes, file_hash_sha256, storage_path, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		doc.ID, doc.WorkspaceID, doc.Filename, doc.FileSizeBytes, doc.FileHashSHA256, doc.StoragePath, doc.Status,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateHash
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// Get loads one document of the workspace.
func (s *DocumentStore) Get(ctx context.Context, workspaceID, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("document", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// FindByHash returns the workspace's document with the given file hash, or nil.
func (s *DocumentStore) FindByHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE workspace_id = $1 AND file_hash_sha256 = $2`,
		workspaceID, hash,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document by hash: %w", err)
	}
	return doc, nil
}

// GetMany loads the listed documents of the workspace. Ids that do not exist
// in the workspace are simply absent from the result.
func (s *DocumentStore) GetMany(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE workspace_id = $1 AND id = ANY($2::uuid[])`,
		workspaceID, pq.Array(uuidStrings(ids)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// List pages through the workspace's documents, newest first.
func (s *DocumentStore) List(ctx context.Context, workspaceID uuid.UUID, opts ListOptions) ([]Document, int, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	conditions := []string{"workspace_id = $1"}
	args := []any{workspaceID}
	if opts.Status != "" {
		args = append(args, opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		documentColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, opts.Limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, total, rows.Err()
}

// ListByStatus returns every document in the given status, across workspaces
// when workspaceID is uuid.Nil. Used by maintenance tooling.
func (s *DocumentStore) ListByStatus(ctx context.Context, workspaceID uuid.UUID, status DocumentStatus) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = $1`
	args := []any{status}
	if workspaceID != uuid.Nil {
		query += ` AND workspace_id = $2`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents by status: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// Transition moves a document to "to" only if it is currently in one of
// "from". It reports whether the row changed. A clear error message is
// written as NULL.
func (s *DocumentStore) Transition(ctx context.Context, workspaceID, id uuid.UUID, from []DocumentStatus, to DocumentStatus, errorMessage *string) (bool, error) {
	if errorMessage != nil && len(*errorMessage) > maxErrorMessageLen {
		trimmed := (*errorMessage)[:maxErrorMessageLen]
		errorMessage = &trimmed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND workspace_id = $4 AND status = ANY($5)`,
		to, nullString(errorMessage), id, workspaceID, pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update document status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	s.logger.Debug("document transition",
		"document_id", id,
		"to", to,
		"applied", n > 0,
	)
	return n > 0, nil
}

// Delete removes the document. Pages, chunks and embeddings cascade.
func (s *DocumentStore) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("document", id.String())
	}
	return nil
}

// SavePages upserts the extracted pages keyed by (document_id, page_number),
// drops pages beyond the new count, and moves the document from uploaded to
// indexing with the page count recorded, all in one transaction. It reports
// false without writing anything when the document left the uploaded state.
func (s *DocumentStore) SavePages(ctx context.Context, workspaceID, documentID uuid.UUID, pages []string) (bool, error) {
	start := time.Now()
	applied := false

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status DocumentStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM documents WHERE id = $1 AND workspace_id = $2 FOR UPDATE`,
			documentID, workspaceID,
		).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("document", documentID.String())
		}
		if err != nil {
			return fmt.Errorf("failed to lock document: %w", err)
		}
		if status != StatusUploaded {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO document_pages (workspace_id, document_id, page_number, content)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (document_id, page_number) DO UPDATE SET content = EXCLUDED.content`)
		if err != nil {
			return fmt.Errorf("failed to prepare page upsert: %w", err)
		}
		defer stmt.Close()

		for i, content := range pages {
			if _, err := stmt.ExecContext(ctx, workspaceID, documentID, i+1, content); err != nil {
				return fmt.Errorf("failed to upsert page %d: %w", i+1, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_pages WHERE document_id = $1 AND workspace_id = $2 AND page_number > $3`,
			documentID, workspaceID, len(pages),
		); err != nil {
			return fmt.Errorf("failed to trim pages: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET status = $1, page_count = $2, error_message = NULL, updated_at = NOW()
			WHERE id = $3 AND workspace_id = $4`,
			StatusIndexing, len(pages), documentID, workspaceID,
		); err != nil {
			return fmt.Errorf("failed to mark document indexing: %w", err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.Debug("pages saved",
		"document_id", documentID,
		"pages", len(pages),
		"applied", applied,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return applied, nil
}

// ListPages returns the document's pages ordered by page number.
func (s *DocumentStore) ListPages(ctx context.Context, workspaceID, documentID uuid.UUID) ([]DocumentPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, page_number, content
		FROM document_pages
		WHERE workspace_id = $1 AND document_id = $2
		ORDER BY page_number`,
		workspaceID, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []DocumentPage
	for rows.Next() {
		var p DocumentPage
		if err := rows.Scan(&p.DocumentID, &p.PageNumber, &p.Content); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// GetPage returns one page of a document.
func (s *DocumentStore) GetPage(ctx context.Context, workspaceID, documentID uuid.UUID, pageNumber int) (*DocumentPage, error) {
	var p DocumentPage
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, page_number, content
		FROM document_pages
		WHERE workspace_id = $1 AND document_id = $2 AND page_number = $3`,
		workspaceID, documentID, pageNumber,
	).Scan(&p.DocumentID, &p.PageNumber, &p.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("page", fmt.Sprintf("%s/%d", documentID, pageNumber))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		pageCount sql.NullInt64
		errMsg    sql.NullString
	)
	if err := row.Scan(
		&doc.ID, &doc.WorkspaceID, &doc.Filename, &doc.FileSizeBytes, &pageCount, &doc.FileHashSHA256,
		&doc.StoragePath, &doc.Status, &errMsg, &doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if pageCount.Valid {
		n := int(pageCount.Int64)
		doc.PageCount = &n
	}
	if errMsg.Valid {
		doc.ErrorMessage = &errMsg.String
	}
	return &doc, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func statusStrings(statuses []DocumentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
