// Package query answers questions over a workspace's ready documents with
// grounded, cited answers, paying for each query through the budget ledger.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/internal/embedder"
	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/llm"
	"github.com/Aryan1718/enterprise-rag-platform/internal/metrics"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// DocumentReader loads the documents a query targets.
type DocumentReader interface {
	GetMany(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) ([]storage.Document, error)
}

// VectorSearcher finds the nearest chunks to a vector.
type VectorSearcher interface {
	TopK(ctx context.Context, workspaceID uuid.UUID, vector []float32, documentIDs []uuid.UUID, k int) ([]storage.RetrievedChunk, error)
}

// LogWriter persists query logs.
type LogWriter interface {
	Insert(ctx context.Context, l *storage.QueryLog) error
}

// Config holds query limits and timeouts.
type Config struct {
	TopK                 int
	MaxQuestionChars     int
	MaxDocuments         int
	MaxPages             int
	MaxChunkTokens       int
	PromptOverheadTokens int
	MaxOutputTokens      int
	Temperature          float64
	EmbedTimeout         time.Duration
	SearchTimeout        time.Duration
	LLMTimeout           time.Duration
	SettleTimeout        time.Duration
	LogEachQuery         bool
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		TopK:                 5,
		MaxQuestionChars:     500,
		MaxDocuments:         10,
		MaxPages:             50,
		MaxChunkTokens:       500,
		PromptOverheadTokens: 200,
		MaxOutputTokens:      800,
		Temperature:          0.1,
		EmbedTimeout:         30 * time.Second,
		SearchTimeout:        5 * time.Second,
		LLMTimeout:           60 * time.Second,
		SettleTimeout:        10 * time.Second,
		LogEachQuery:         true,
	}
}

// Request is one question over a set of documents.
type Request struct {
	WorkspaceID uuid.UUID   `json:"workspace_id"`
	Question    string      `json:"question"`
	DocumentIDs []uuid.UUID `json:"document_ids"`
}

// Result is a grounded answer with its citations and the ledger afterwards.
type Result struct {
	Answer     string        `json:"answer"`
	Citations  []Citation    `json:"citations"`
	Usage      budget.Status `json:"usage"`
	QueryLogID *uuid.UUID    `json:"query_log_id,omitempty"`
}

// Deps are the collaborators of an Engine. Logs may be nil.
type Deps struct {
	Documents DocumentReader
	Vectors   VectorSearcher
	Embedder  embedder.Embedder
	LLM       llm.Provider
	Ledger    *budget.Ledger
	Logs      LogWriter
}

// Engine runs queries.
type Engine struct {
	Deps
	cfg    Config
	logger *slog.Logger
	policy retry.Policy
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = d.TopK
	}
	if cfg.MaxQuestionChars <= 0 {
		cfg.MaxQuestionChars = d.MaxQuestionChars
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = d.MaxDocuments
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = d.MaxPages
	}
	if cfg.MaxChunkTokens <= 0 {
		cfg.MaxChunkTokens = d.MaxChunkTokens
	}
	if cfg.PromptOverheadTokens < 0 {
		cfg.PromptOverheadTokens = d.PromptOverheadTokens
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = d.MaxOutputTokens
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = d.EmbedTimeout
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = d.SearchTimeout
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = d.LLMTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = d.SettleTimeout
	}
	logger = logger.With("component", "query_engine")
	return &Engine{
		Deps:   deps,
		cfg:    cfg,
		logger: logger,
		policy: errs.RetryPolicy("query", logger),
	}
}

// Usage returns today's ledger status for the workspace.
func (e *Engine) Usage(ctx context.Context, workspaceID uuid.UUID) (budget.Status, error) {
	return e.Ledger.Status(ctx, workspaceID)
}

// Estimate is the worst-case spend reserved for a query whose question
// embedding cost embedTokens.
func (e *Engine) Estimate(embedTokens int64) int64 {
	return embedTokens +
		int64(e.cfg.TopK*e.cfg.MaxChunkTokens) +
		int64(e.cfg.PromptOverheadTokens) +
		int64(e.cfg.MaxOutputTokens)
}

// Run answers req. Validation problems fail with *errs.ValidationError or a
// not-found error before anything is spent; a rejected reservation fails with
// *errs.BudgetExceededError after the question embedding was charged.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	return e.run(ctx, req, nil)
}

// RunStream is Run with the answer text handed to onDelta as the model
// produces it. An error from onDelta, or ctx ending, aborts generation; the
// reservation is still settled with whatever was spent. The returned Result
// carries the full answer and citations.
func (e *Engine) RunStream(ctx context.Context, req Request, onDelta func(string) error) (*Result, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return e.run(ctx, req, onDelta)
}

func (e *Engine) run(ctx context.Context, req Request, onDelta func(string) error) (*Result, error) {
	start := time.Now()

	question, ids, err := e.validate(req)
	if err != nil {
		observe(start, "invalid")
		return nil, err
	}
	if err := e.checkDocuments(ctx, req.WorkspaceID, ids); err != nil {
		observe(start, "invalid")
		return nil, err
	}

	entry := &storage.QueryLog{
		WorkspaceID:       req.WorkspaceID,
		Question:          question,
		DocumentsSearched: ids,
	}

	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vector, tokens, err := e.Embedder.EmbedOne(embedCtx, question)
	cancel()
	if err != nil {
		err = fmt.Errorf("failed to embed question: %w", err)
		e.record(ctx, entry, start, err)
		observe(start, "error")
		return nil, err
	}
	embedTokens := int64(tokens)
	entry.EmbeddingTokens = embedTokens

	estimate := e.Estimate(embedTokens)
	res, err := e.Ledger.Reserve(ctx, req.WorkspaceID, estimate, budget.SourceQuery)
	if err != nil {
		if errors.Is(err, errs.ErrBudgetExceeded) {
			e.chargeEmbedding(ctx, req.WorkspaceID, embedTokens)
			entry.TotalTokens = embedTokens
			observe(start, "budget_exceeded")
		} else {
			observe(start, "error")
		}
		e.record(ctx, entry, start, err)
		return nil, err
	}

	spent := embedTokens
	answer, citations, err := e.answer(ctx, req.WorkspaceID, question, vector, ids, entry, &spent, onDelta)
	e.settle(ctx, res, spent)
	entry.TotalTokens = spent

	if err != nil {
		e.record(ctx, entry, start, err)
		observe(start, "error")
		return nil, err
	}

	entry.AnswerText = &answer
	result := &Result{Answer: answer, Citations: citations}
	result.QueryLogID = e.record(ctx, entry, start, nil)

	if st, err := e.Ledger.Status(ctx, req.WorkspaceID); err != nil {
		e.logger.Warn("failed to read usage after query", "error", err, "workspace_id", req.WorkspaceID)
	} else {
		result.Usage = st
	}

	outcome := "ok"
	if answer == Refusal {
		outcome = "refused"
	}
	observe(start, outcome)
	e.logger.Info("query answered",
		"workspace_id", req.WorkspaceID,
		"documents", len(ids),
		"chunks", len(entry.RetrievedChunkIDs),
		"citations", len(citations),
		"reserved_tokens", estimate,
		"actual_tokens", spent,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// answer retrieves context and asks the model. spent grows by whatever the
// model billed, even when answer fails afterwards. A non-nil onDelta streams
// the answer; a refusal that was not generated is sent as one fragment.
func (e *Engine) answer(ctx context.Context, ws uuid.UUID, question string, vector []float32, ids []uuid.UUID, entry *storage.QueryLog, spent *int64, onDelta func(string) error) (string, []Citation, error) {
	streamed := false
	refuse := func() (string, []Citation, error) {
		if onDelta != nil && !streamed {
			if err := onDelta(Refusal); err != nil {
				return "", nil, err
			}
		}
		return Refusal, []Citation{}, nil
	}

	retrievalStart := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	chunks, err := e.Vectors.TopK(searchCtx, ws, vector, ids, e.cfg.TopK)
	cancel()
	entry.RetrievalLatencyMs = time.Since(retrievalStart).Milliseconds()
	if err != nil {
		return "", nil, fmt.Errorf("failed to search chunks: %w", err)
	}

	entry.RetrievedChunkIDs = make([]uuid.UUID, len(chunks))
	entry.ChunkScores = make([]float64, len(chunks))
	for i, c := range chunks {
		entry.RetrievedChunkIDs[i] = c.ChunkID
		entry.ChunkScores[i] = c.Similarity
	}

	if len(chunks) == 0 {
		return refuse()
	}

	prompt := llm.CompletionRequest{
		SystemPrompt:    SystemPrompt,
		UserPrompt:      BuildUserPrompt(question, chunks),
		MaxOutputTokens: e.cfg.MaxOutputTokens,
		Temperature:     e.cfg.Temperature,
	}
	llmStart := time.Now()
	llmCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	var completion *llm.Completion
	if onDelta == nil {
		completion, err = e.LLM.Complete(llmCtx, prompt)
	} else {
		completion, err = llm.Stream(llmCtx, e.LLM, prompt, func(text string) error {
			streamed = true
			return onDelta(text)
		})
	}
	cancel()
	latency := time.Since(llmStart).Milliseconds()
	entry.LLMLatencyMs = &latency
	if completion != nil {
		in, out := int64(completion.InputTokens), int64(completion.OutputTokens)
		entry.LLMInputTokens = &in
		entry.LLMOutputTokens = &out
		*spent += in + out
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	text := strings.TrimSpace(completion.Text)
	if text == "" || text == Refusal {
		return refuse()
	}
	return text, ExtractCitations(text, chunks), nil
}

func (e *Engine) validate(req Request) (string, []uuid.UUID, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return "", nil, errs.Validation(errs.CodeInvalidQuestion, "question must not be empty")
	}
	if n := utf8.RuneCountInString(question); n > e.cfg.MaxQuestionChars {
		return "", nil, errs.Validation(errs.CodeInvalidQuestion,
			"question must be at most %d characters, got %d", e.cfg.MaxQuestionChars, n)
	}

	if len(req.DocumentIDs) == 0 {
		return "", nil, errs.Validation(errs.CodeInvalidDocuments, "at least one document is required")
	}
	if len(req.DocumentIDs) > e.cfg.MaxDocuments {
		return "", nil, errs.Validation(errs.CodeTooManyDocuments,
			"at most %d documents can be queried, got %d", e.cfg.MaxDocuments, len(req.DocumentIDs))
	}
	seen := make(map[uuid.UUID]bool, len(req.DocumentIDs))
	for _, id := range req.DocumentIDs {
		if id == uuid.Nil {
			return "", nil, errs.Validation(errs.CodeInvalidDocuments, "document id must not be empty")
		}
		if seen[id] {
			return "", nil, errs.Validation(errs.CodeInvalidDocuments, "document %s is listed twice", id)
		}
		seen[id] = true
	}
	return question, req.DocumentIDs, nil
}

func (e *Engine) checkDocuments(ctx context.Context, ws uuid.UUID, ids []uuid.UUID) error {
	docs, err := retry.DoValue(ctx, e.named("query.documents"), func(ctx context.Context) ([]storage.Document, error) {
		return e.Documents.GetMany(ctx, ws, ids)
	})
	if err != nil {
		return fmt.Errorf("failed to load documents: %w", err)
	}

	found := make(map[uuid.UUID]storage.Document, len(docs))
	for _, d := range docs {
		found[d.ID] = d
	}

	pages := 0
	for _, id := range ids {
		d, ok := found[id]
		if !ok {
			return errs.NotFound("document", id.String())
		}
		if d.Status != storage.StatusReady {
			return errs.Validation(errs.CodeDocumentNotReady, "document %s is %s, not ready", id, d.Status)
		}
		pages += d.Pages()
	}
	if pages > e.cfg.MaxPages {
		return errs.Validation(errs.CodePageLimitExceeded,
			"selected documents have %d pages, the limit is %d", pages, e.cfg.MaxPages)
	}
	return nil
}

// settle commits what was spent. It runs detached from ctx so a client
// that went away still has its usage recorded.
func (e *Engine) settle(ctx context.Context, res *budget.Reservation, spent int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()

	var err error
	if spent > 0 {
		err = e.Ledger.Commit(ctx, res, spent)
	} else {
		err = e.Ledger.Release(ctx, res)
	}
	if err != nil {
		e.logger.Error("failed to settle reservation",
			"error", err,
			"workspace_id", res.WorkspaceID,
			"reservation_id", res.ID,
			"spent", spent,
		)
	}
}

// chargeEmbedding records the question embedding of a query whose
// reservation was rejected.
func (e *Engine) chargeEmbedding(ctx context.Context, ws uuid.UUID, tokens int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()
	if err := e.Ledger.Charge(ctx, ws, tokens, budget.SourceQuery); err != nil {
		e.logger.Error("failed to charge embedding tokens", "error", err, "workspace_id", ws, "tokens", tokens)
	}
}

// record writes the query log. Failures are logged and never fail the query.
func (e *Engine) record(ctx context.Context, entry *storage.QueryLog, start time.Time, cause error) *uuid.UUID {
	if e.Logs == nil || !e.cfg.LogEachQuery {
		return nil
	}

	entry.TotalLatencyMs = time.Since(start).Milliseconds()
	if cause != nil {
		code := errs.Code(cause)
		if code == "" {
			code = "INTERNAL"
		}
		msg := cause.Error()
		entry.ErrorCode = &code
		entry.ErrorMessage = &msg
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()
	if err := e.Logs.Insert(ctx, entry); err != nil {
		e.logger.Warn("failed to write query log", "error", err, "workspace_id", entry.WorkspaceID)
		return nil
	}
	id := entry.ID
	return &id
}

func (e *Engine) named(name string) retry.Policy {
	p := e.policy
	p.Name = name
	return p
}

func observe(start time.Time, outcome string) {
	metrics.QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
