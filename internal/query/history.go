package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// LogReader reads query logs back.
type LogReader interface {
	List(ctx context.Context, workspaceID uuid.UUID, filter storage.QueryLogFilter) ([]storage.QueryLog, int, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*storage.QueryLog, error)
}

// ChunkReader loads chunks by id.
type ChunkReader interface {
	GetChunks(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) ([]storage.Chunk, error)
}

// PageReader loads the text of one page.
type PageReader interface {
	GetPage(ctx context.Context, workspaceID, documentID uuid.UUID, pageNumber int) (*storage.DocumentPage, error)
}

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
	DefaultSourceChars  = 5000
	MaxSourceChars      = 20000

	answerPreviewChars = 200
)

// HistoryItem summarizes one past query.
type HistoryItem struct {
	ID            uuid.UUID  `json:"id"`
	DocumentID    *uuid.UUID `json:"document_id,omitempty"`
	Question      string     `json:"question"`
	AnswerPreview string     `json:"answer_preview"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HistoryPage is one page of history.
type HistoryPage struct {
	Items  []HistoryItem `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Total  int           `json:"total"`
}

// SourceRef points at a retrieved chunk and the page it starts on.
type SourceRef struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	PageNumber int       `json:"page_number"`
}

// HistoryDetail is a full query log with its retrieved chunks resolved to
// pages. Chunks deleted since the query are left out of Sources.
type HistoryDetail struct {
	storage.QueryLog
	Sources []SourceRef `json:"sources"`
}

// CitationSource is the text behind a citation: the chunk and its page.
// PageText is nil when the page is gone.
type CitationSource struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	PageNumber int       `json:"page_number"`
	ChunkText  string    `json:"chunk_text"`
	PageText   *string   `json:"page_text,omitempty"`
}

// History serves past queries and citation sources of a workspace.
type History struct {
	logs   LogReader
	chunks ChunkReader
	pages  PageReader
}

// NewHistory creates a History.
func NewHistory(logs LogReader, chunks ChunkReader, pages PageReader) *History {
	return &History{logs: logs, chunks: chunks, pages: pages}
}

// List returns past queries, newest first. limit must be in [1, 100] and
// offset non-negative; zero limit takes the default.
func (h *History) List(ctx context.Context, workspaceID uuid.UUID, documentID *uuid.UUID, limit, offset int) (*HistoryPage, error) {
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return nil, errs.Validation(errs.CodeInvalidPagination, "limit must be between 1 and %d", MaxHistoryLimit)
	}
	if offset < 0 {
		return nil, errs.Validation(errs.CodeInvalidPagination, "offset must be >= 0")
	}

	logs, total, err := h.logs.List(ctx, workspaceID, storage.QueryLogFilter{DocumentID: documentID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(logs))
	for _, l := range logs {
		item := HistoryItem{
			ID:            l.ID,
			Question:      l.Question,
			AnswerPreview: preview(l),
			CreatedAt:     l.CreatedAt,
		}
		if len(l.DocumentsSearched) > 0 {
			id := l.DocumentsSearched[0]
			item.DocumentID = &id
		}
		items = append(items, item)
	}
	return &HistoryPage{Items: items, Limit: limit, Offset: offset, Total: total}, nil
}

// Get returns one past query with its retrieved chunks resolved to pages.
func (h *History) Get(ctx context.Context, workspaceID, id uuid.UUID) (*HistoryDetail, error) {
	l, err := h.logs.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	chunks, err := h.chunks.GetChunks(ctx, workspaceID, l.RetrievedChunkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve query sources: %w", err)
	}
	pageOf := make(map[uuid.UUID]int, len(chunks))
	for _, c := range chunks {
		pageOf[c.ID] = c.PageStart
	}

	detail := &HistoryDetail{QueryLog: *l, Sources: []SourceRef{}}
	for _, cid := range l.RetrievedChunkIDs {
		if page, ok := pageOf[cid]; ok {
			detail.Sources = append(detail.Sources, SourceRef{ChunkID: cid, PageNumber: page})
		}
	}
	return detail, nil
}

// Source returns the chunk behind a citation and its page text, cut to
// maxChars characters. Zero maxChars takes the default.
func (h *History) Source(ctx context.Context, workspaceID, chunkID uuid.UUID, maxChars int) (*CitationSource, error) {
	if maxChars == 0 {
		maxChars = DefaultSourceChars
	}
	if maxChars < 1 || maxChars > MaxSourceChars {
		return nil, errs.Validation(errs.CodeInvalidPagination, "max_chars must be between 1 and %d", MaxSourceChars)
	}

	chunks, err := h.chunks.GetChunks(ctx, workspaceID, []uuid.UUID{chunkID})
	if err != nil {
		return nil, fmt.Errorf("failed to load citation source: %w", err)
	}
	if len(chunks) == 0 {
		return nil, errs.NotFound("citation source", chunkID.String())
	}
	c := chunks[0]

	src := &CitationSource{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		PageNumber: c.PageStart,
		ChunkText:  c.Content,
	}
	page, err := h.pages.GetPage(ctx, workspaceID, c.DocumentID, c.PageStart)
	switch {
	case err == nil:
		text := trimText(page.Content, maxChars)
		src.PageText = &text
	case !errors.Is(err, errs.ErrNotFound):
		return nil, fmt.Errorf("failed to load citation page: %w", err)
	}
	return src, nil
}

// preview is the start of the answer, or of the error for failed queries.
func preview(l storage.QueryLog) string {
	var text string
	switch {
	case l.AnswerText != nil && *l.AnswerText != "":
		text = *l.AnswerText
	case l.ErrorMessage != nil:
		text = *l.ErrorMessage
	}
	r := []rune(text)
	if len(r) > answerPreviewChars {
		r = r[:answerPreviewChars]
	}
	return string(r)
}

// trimText cuts s to at most maxChars characters, ending in "..." when cut.
func trimText(s string, maxChars int) string {
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return string(r[:maxChars])
	}
	return strings.TrimRight(string(r[:maxChars-3]), " \t\n") + "..."
}
