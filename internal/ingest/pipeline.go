// Package ingest turns uploaded PDFs into embedded chunks in two stages.
// Extract reads the blob and stores page text; Index chunks the pages,
// reserves budget, embeds and stores vectors. Each stage guards on the
// document status, so duplicate or reordered jobs are harmless.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/internal/chunker"
	"github.com/Aryan1718/enterprise-rag-platform/internal/embedder"
	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/jobs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/processor"
	"github.com/Aryan1718/enterprise-rag-platform/internal/realtime"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// DocumentStore is the document persistence the pipeline needs.
type DocumentStore interface {
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error)
	Transition(ctx context.Context, workspaceID, id uuid.UUID, from []storage.DocumentStatus, to storage.DocumentStatus, errorMessage *string) (bool, error)
	SavePages(ctx context.Context, workspaceID, documentID uuid.UUID, pages []string) (bool, error)
	ListPages(ctx context.Context, workspaceID, documentID uuid.UUID) ([]storage.DocumentPage, error)
}

// ChunkStore is the chunk persistence the pipeline needs.
type ChunkStore interface {
	ExistingChunks(ctx context.Context, workspaceID, documentID uuid.UUID) (map[int]storage.ChunkState, error)
	UpsertChunks(ctx context.Context, workspaceID, documentID uuid.UUID, chunks []storage.Chunk) (map[int]uuid.UUID, error)
	InsertEmbeddings(ctx context.Context, workspaceID, documentID uuid.UUID, embeddings []storage.ChunkEmbedding) error
}

// BlobStore reads uploaded files.
type BlobStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Config tunes the pipeline.
type Config struct {
	MaxPages      int
	BatchSize     int
	SettleTimeout time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxPages:      10,
		BatchSize:     100,
		SettleTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators of a Pipeline. Events may be nil.
type Deps struct {
	Documents DocumentStore
	Chunks    ChunkStore
	Blobs     BlobStore
	Extractor processor.Extractor
	Chunker   *chunker.Chunker
	Embedder  embedder.Embedder
	Ledger    *budget.Ledger
	Scheduler jobs.Scheduler
	Events    realtime.Publisher
}

// Pipeline runs ingestion stages.
type Pipeline struct {
	Deps
	cfg    Config
	logger *slog.Logger
	policy retry.Policy
}

// NewPipeline creates a pipeline.
func NewPipeline(deps Deps, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = d.MaxPages
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = d.SettleTimeout
	}
	if deps.Events == nil {
		deps.Events = realtime.NopPublisher{}
	}
	logger = logger.With("component", "ingest_pipeline")
	return &Pipeline{
		Deps:   deps,
		cfg:    cfg,
		logger: logger,
		policy: errs.RetryPolicy("ingest", logger),
	}
}

// Handlers maps each stage to its pipeline method.
func (p *Pipeline) Handlers() jobs.Handlers {
	return jobs.Handlers{
		jobs.StageExtract: p.Extract,
		jobs.StageIndex:   p.Index,
	}
}

// Extract runs Stage A for a document in the uploaded state. Failures the
// stage can classify end with the document marked failed and a nil return.
func (p *Pipeline) Extract(ctx context.Context, job jobs.Job) error {
	start := time.Now()
	log := p.logger.With("stage", jobs.StageExtract, "workspace_id", job.WorkspaceID, "document_id", job.DocumentID)

	doc, err := p.load(ctx, job, storage.StatusUploaded)
	if err != nil {
		return p.outcome(jobs.StageExtract, log, err)
	}

	data, err := retry.DoValue(ctx, p.named("ingest.download"), func(ctx context.Context) ([]byte, error) {
		return p.Blobs.Download(ctx, doc.StoragePath)
	})
	if err != nil {
		return p.fail(ctx, jobs.StageExtract, doc, storage.StatusUploaded, fmt.Errorf("failed to download document: %w", err))
	}

	pages, err := p.Extractor.ExtractPages(ctx, data)
	if err == nil {
		err = processor.ValidatePages(pages, p.cfg.MaxPages)
	}
	if err != nil {
		return p.fail(ctx, jobs.StageExtract, doc, storage.StatusUploaded, err)
	}

	applied, err := retry.DoValue(ctx, p.named("ingest.save_pages"), func(ctx context.Context) (bool, error) {
		return p.Documents.SavePages(ctx, doc.WorkspaceID, doc.ID, pages)
	})
	if err != nil {
		return p.fail(ctx, jobs.StageExtract, doc, storage.StatusUploaded, fmt.Errorf("failed to save pages: %w", err))
	}
	if !applied {
		return p.outcome(jobs.StageExtract, log, p.inconsistent(doc, storage.StatusUploaded))
	}

	event := realtime.NewDocumentStatusEvent(doc.WorkspaceID, doc.ID, string(storage.StatusIndexing))
	event.PageCount = len(pages)
	p.publish(ctx, event)

	err = retry.Do(ctx, p.named("ingest.enqueue"), func(ctx context.Context) error {
		return p.Scheduler.Enqueue(ctx, jobs.StageIndex, doc.WorkspaceID, doc.ID)
	})
	if err != nil {
		return p.fail(ctx, jobs.StageExtract, doc, storage.StatusIndexing, fmt.Errorf("failed to schedule indexing: %w", err))
	}

	log.Info("pages extracted", "pages", len(pages), "duration_ms", time.Since(start).Milliseconds())
	return p.outcome(jobs.StageExtract, log, nil)
}

// Index runs Stage B for a document in the indexing state.
func (p *Pipeline) Index(ctx context.Context, job jobs.Job) error {
	start := time.Now()
	log := p.logger.With("stage", jobs.StageIndex, "workspace_id", job.WorkspaceID, "document_id", job.DocumentID)

	doc, err := p.load(ctx, job, storage.StatusIndexing)
	if err != nil {
		return p.outcome(jobs.StageIndex, log, err)
	}

	pages, err := retry.DoValue(ctx, p.named("ingest.list_pages"), func(ctx context.Context) ([]storage.DocumentPage, error) {
		return p.Documents.ListPages(ctx, doc.WorkspaceID, doc.ID)
	})
	if err != nil {
		return p.fail(ctx, jobs.StageIndex, doc, storage.StatusIndexing, fmt.Errorf("failed to load pages: %w", err))
	}

	chunks := p.buildChunks(doc, pages)

	existing, err := retry.DoValue(ctx, p.named("ingest.existing_chunks"), func(ctx context.Context) (map[int]storage.ChunkState, error) {
		return p.Chunks.ExistingChunks(ctx, doc.WorkspaceID, doc.ID)
	})
	if err != nil {
		return p.fail(ctx, jobs.StageIndex, doc, storage.StatusIndexing, fmt.Errorf("failed to load chunks: %w", err))
	}

	pending := needsEmbedding(chunks, existing)
	var estimate int64
	for _, i := range pending {
		estimate += int64(chunks[i].TokenCount)
	}

	if len(pending) == 0 {
		if _, err := p.upsert(ctx, doc, chunks); err != nil {
			return p.fail(ctx, jobs.StageIndex, doc, storage.StatusIndexing, err)
		}
	} else {
		res, err := p.Ledger.Reserve(ctx, doc.WorkspaceID, estimate, budget.SourceIngest)
		if err != nil {
			return p.fail(ctx, jobs.StageIndex, doc, storage.StatusIndexing, err)
		}

		spent, err := p.embedAndStore(ctx, doc, chunks, pending)
		p.settle(ctx, res, spent)
		if err != nil {
			return p.fail(ctx, jobs.StageIndex, doc, storage.StatusIndexing, err)
		}
		log = log.With("estimated_tokens", estimate, "actual_tokens", spent)
	}

	ok, err := p.transition(ctx, doc, storage.StatusIndexing, storage.StatusReady, nil)
	if err != nil {
		return p.outcome(jobs.StageIndex, log, err)
	}
	if !ok {
		return p.outcome(jobs.StageIndex, log, p.inconsistent(doc, storage.StatusIndexing))
	}

	log.Info("document indexed",
		"chunks", len(chunks),
		"embedded", len(pending),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return p.outcome(jobs.StageIndex, log, nil)
}

// buildChunks chunks every stored page; a missing page counts as blank so
// page numbers stay aligned with the document.
func (p *Pipeline) buildChunks(doc *storage.Document, pages []storage.DocumentPage) []storage.Chunk {
	n := doc.Pages()
	for _, pg := range pages {
		n = max(n, pg.PageNumber)
	}
	texts := make([]string, n)
	for _, pg := range pages {
		if pg.PageNumber >= 1 {
			texts[pg.PageNumber-1] = pg.Content
		}
	}

	pcs := p.Chunker.ChunkPages(texts)
	out := make([]storage.Chunk, len(pcs))
	for i, pc := range pcs {
		out[i] = storage.Chunk{
			WorkspaceID: doc.WorkspaceID,
			DocumentID:  doc.ID,
			PageStart:   pc.PageNumber,
			PageEnd:     pc.PageNumber,
			ChunkIndex:  pc.ChunkIndex,
			Content:     pc.Content,
			ContentHash: pc.ContentHash,
			TokenCount:  pc.TokenCount,
		}
	}
	return out
}

// needsEmbedding returns the indexes of chunks with no stored vector for
// their current content.
func needsEmbedding(chunks []storage.Chunk, existing map[int]storage.ChunkState) []int {
	var out []int
	for i, c := range chunks {
		st, ok := existing[c.ChunkIndex]
		if !ok || !st.HasEmbedding || st.ContentHash != c.ContentHash {
			out = append(out, i)
		}
	}
	return out
}

func (p *Pipeline) upsert(ctx context.Context, doc *storage.Document, chunks []storage.Chunk) (map[int]uuid.UUID, error) {
	ids, err := retry.DoValue(ctx, p.named("ingest.upsert_chunks"), func(ctx context.Context) (map[int]uuid.UUID, error) {
		return p.Chunks.UpsertChunks(ctx, doc.WorkspaceID, doc.ID, chunks)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	return ids, nil
}

// embedAndStore embeds the pending chunks and stores their vectors. It
// returns the tokens the provider billed, even when it fails part way.
func (p *Pipeline) embedAndStore(ctx context.Context, doc *storage.Document, chunks []storage.Chunk, pending []int) (int64, error) {
	ids, err := p.upsert(ctx, doc, chunks)
	if err != nil {
		return 0, err
	}

	var (
		spent      int64
		embeddings = make([]storage.ChunkEmbedding, 0, len(pending))
	)
	for lo := 0; lo < len(pending); lo += p.cfg.BatchSize {
		batch := pending[lo:min(lo+p.cfg.BatchSize, len(pending))]
		texts := make([]string, len(batch))
		for j, i := range batch {
			texts[j] = chunks[i].Content
		}

		res, err := p.Embedder.Embed(ctx, texts)
		spent += int64(res.TokensUsed)
		if err != nil {
			return spent, fmt.Errorf("failed to embed chunks: %w", err)
		}
		for j, i := range batch {
			embeddings = append(embeddings, storage.ChunkEmbedding{
				ChunkID:        ids[chunks[i].ChunkIndex],
				Embedding:      res.Vectors[j],
				EmbeddingModel: p.Embedder.ModelName(),
			})
		}
	}

	err = retry.Do(ctx, p.named("ingest.insert_embeddings"), func(ctx context.Context) error {
		return p.Chunks.InsertEmbeddings(ctx, doc.WorkspaceID, doc.ID, embeddings)
	})
	if err != nil {
		return spent, fmt.Errorf("failed to store embeddings: %w", err)
	}
	return spent, nil
}

// settle commits what the provider billed, or releases the reservation when
// nothing was spent. It runs to completion even if ctx is cancelled; a
// failure here is left to the stale reservation sweep.
func (p *Pipeline) settle(ctx context.Context, res *budget.Reservation, spent int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
	defer cancel()

	var err error
	if spent > 0 {
		err = p.Ledger.Commit(ctx, res, spent)
	} else {
		err = p.Ledger.Release(ctx, res)
	}
	if err != nil {
		p.logger.Error("failed to settle reservation",
			"error", err,
			"workspace_id", res.WorkspaceID,
			"reservation_id", res.ID,
			"spent", spent,
		)
	}
}

// load fetches the document and checks the stage precondition.
func (p *Pipeline) load(ctx context.Context, job jobs.Job, want storage.DocumentStatus) (*storage.Document, error) {
	doc, err := retry.DoValue(ctx, p.named("ingest.load"), func(ctx context.Context) (*storage.Document, error) {
		return p.Documents.Get(ctx, job.WorkspaceID, job.DocumentID)
	})
	if err != nil {
		return nil, err
	}
	if doc.Status != want {
		return nil, p.inconsistent(doc, want)
	}
	return doc, nil
}

func (p *Pipeline) inconsistent(doc *storage.Document, want storage.DocumentStatus) error {
	return &errs.ConsistencyError{
		Entity:   "document",
		ID:       doc.ID.String(),
		Expected: string(want),
		Actual:   string(doc.Status),
	}
}

// fail marks the document failed with a message derived from cause. It
// returns an error only when the failure itself could not be recorded.
func (p *Pipeline) fail(ctx context.Context, stage string, doc *storage.Document, from storage.DocumentStatus, cause error) error {
	msg := FailureMessage(cause)
	ok, err := p.transition(ctx, doc, from, storage.StatusFailed, &msg)

	log := p.logger.With("stage", stage, "workspace_id", doc.WorkspaceID, "document_id", doc.ID)
	if err != nil {
		log.Error("failed to mark document failed", "error", err, "cause", cause)
		return p.outcome(stage, log, err)
	}
	if !ok {
		return p.outcome(stage, log, p.inconsistent(doc, from))
	}

	metricsStage(stage, "failed")
	log.Warn("document failed", "error", cause, "class", errs.Classify(cause).String())
	return nil
}

// transition moves the document and publishes the new status when the row
// changed. It runs detached from ctx so a cancelled job still records the
// outcome.
func (p *Pipeline) transition(ctx context.Context, doc *storage.Document, from, to storage.DocumentStatus, msg *string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
	defer cancel()

	ok, err := retry.DoValue(ctx, p.named("ingest.transition"), func(ctx context.Context) (bool, error) {
		return p.Documents.Transition(ctx, doc.WorkspaceID, doc.ID, []storage.DocumentStatus{from}, to, msg)
	})
	if err != nil {
		return false, fmt.Errorf("failed to move document to %s: %w", to, err)
	}
	if ok {
		event := realtime.NewDocumentStatusEvent(doc.WorkspaceID, doc.ID, string(to))
		event.PageCount = doc.Pages()
		if msg != nil {
			event.ErrorMessage = *msg
		}
		p.publish(ctx, event)
	}
	return ok, nil
}

func (p *Pipeline) publish(ctx context.Context, event realtime.DocumentStatusEvent) {
	if err := p.Events.PublishStatus(ctx, event); err != nil {
		p.logger.Warn("failed to publish status event", "error", err, "document_id", event.DocumentID)
	}
}

// outcome records the stage result. Consistency errors and missing
// documents are skips, acknowledged without error.
func (p *Pipeline) outcome(stage string, log *slog.Logger, err error) error {
	switch {
	case err == nil:
		metricsStage(stage, "ok")
		return nil
	case errors.Is(err, errs.ErrConsistency), errors.Is(err, errs.ErrNotFound):
		metricsStage(stage, "skipped")
		log.Info("stage skipped", "reason", err.Error())
		return nil
	default:
		metricsStage(stage, "error")
		return err
	}
}

func (p *Pipeline) named(name string) retry.Policy {
	pol := p.policy
	pol.Name = name
	return pol
}

// FailureMessage is the error_message recorded on a failed document.
func FailureMessage(err error) string {
	var be *errs.BudgetExceededError
	if errors.As(err, &be) {
		return fmt.Sprintf("daily token budget exceeded: document needs %d tokens, %d remaining; resets at %s",
			be.Requested, be.Remaining(), be.ResetsAt.Format(time.RFC3339))
	}
	return err.Error()
}
