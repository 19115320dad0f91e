// Package documents implements the document lifecycle around the ingestion
// pipeline: presigned uploads, upload completion, reindexing and reads.
package documents

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/jobs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/realtime"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// Store is the document persistence the service needs.
type Store interface {
	Create(ctx context.Context, doc *storage.Document) error
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error)
	FindByHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*storage.Document, error)
	List(ctx context.Context, workspaceID uuid.UUID, opts storage.ListOptions) ([]storage.Document, int, error)
	ListByStatus(ctx context.Context, workspaceID uuid.UUID, status storage.DocumentStatus) ([]storage.Document, error)
	Transition(ctx context.Context, workspaceID, id uuid.UUID, from []storage.DocumentStatus, to storage.DocumentStatus, errorMessage *string) (bool, error)
	Delete(ctx context.Context, workspaceID, id uuid.UUID) error
	GetPage(ctx context.Context, workspaceID, documentID uuid.UUID, pageNumber int) (*storage.DocumentPage, error)
}

// Blobs is the object storage the service needs.
type Blobs interface {
	GenerateUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Config holds upload limits.
type Config struct {
	MaxFileSizeBytes int64
	UploadURLTTL     time.Duration
}

// DefaultConfig allows 25 MB uploads through 10 minute URLs.
func DefaultConfig() Config {
	return Config{MaxFileSizeBytes: 25 << 20, UploadURLTTL: 10 * time.Minute}
}

// PrepareUploadRequest describes a file the client is about to upload.
type PrepareUploadRequest struct {
	Filename      string `json:"filename"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	SHA256        string `json:"sha256"`
	ContentType   string `json:"content_type,omitempty"`
}

// UploadTicket is the document placeholder and where to PUT the file.
type UploadTicket struct {
	Document  *storage.Document `json:"document"`
	UploadURL string            `json:"upload_url"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Service manages documents.
type Service struct {
	store     Store
	blobs     Blobs
	scheduler jobs.Scheduler
	events    realtime.Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewService creates a document service. A nil events publisher drops events.
func NewService(store Store, blobs Blobs, scheduler jobs.Scheduler, events realtime.Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = realtime.NopPublisher{}
	}
	d := DefaultConfig()
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = d.MaxFileSizeBytes
	}
	if cfg.UploadURLTTL <= 0 {
		cfg.UploadURLTTL = d.UploadURLTTL
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		events:    events,
		cfg:       cfg,
		logger:    logger.With("component", "documents"),
	}
}

// PrepareUpload creates a pending_upload document and a presigned PUT URL.
// Preparing the same file again while it is still pending returns a fresh URL
// for the existing document.
func (s *Service) PrepareUpload(ctx context.Context, workspaceID uuid.UUID, req PrepareUploadRequest) (*UploadTicket, error) {
	hash := strings.ToLower(strings.TrimSpace(req.SHA256))
	if err := s.validateUpload(req, hash); err != nil {
		return nil, err
	}

	existing, err := s.store.FindByHash(ctx, workspaceID, hash)
	if err != nil {
		return nil, err
	}
	doc := existing
	if existing != nil && existing.Status != storage.StatusPendingUpload {
		return nil, errs.Validation(errs.CodeDuplicateDocument,
			"document %s with the same content already exists (status %s)", existing.ID, existing.Status)
	}

	if doc == nil {
		id := uuid.New()
		doc = &storage.Document{
			ID:             id,
			WorkspaceID:    workspaceID,
			Filename:       strings.TrimSpace(req.Filename),
			FileSizeBytes:  req.FileSizeBytes,
			FileHashSHA256: hash,
			StoragePath:    storage.DocumentKey(workspaceID, id, req.Filename),
			Status:         storage.StatusPendingUpload,
		}
		if err := s.store.Create(ctx, doc); err != nil {
			if errors.Is(err, storage.ErrDuplicateHash) {
				return nil, errs.Validation(errs.CodeDuplicateDocument, "document with the same content already exists")
			}
			return nil, err
		}
		s.logger.Info("upload prepared", "workspace_id", workspaceID, "document_id", doc.ID, "size", req.FileSizeBytes)
	}

	url, err := s.blobs.GenerateUploadURL(ctx, doc.StoragePath, s.cfg.UploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload url: %w", err)
	}
	return &UploadTicket{
		Document:  doc,
		UploadURL: url,
		ExpiresAt: time.Now().UTC().Add(s.cfg.UploadURLTTL),
	}, nil
}

func (s *Service) validateUpload(req PrepareUploadRequest, hash string) error {
	name := strings.TrimSpace(req.Filename)
	if name == "" || len(name) > 255 {
		return errs.Validation(errs.CodeInvalidUpload, "filename must be between 1 and 255 characters")
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return errs.Validation(errs.CodeInvalidUpload, "only PDF files are supported")
	}
	if req.ContentType != "" && req.ContentType != "application/pdf" {
		return errs.Validation(errs.CodeInvalidUpload, "unsupported content type %q", req.ContentType)
	}
	if req.FileSizeBytes <= 0 || req.FileSizeBytes > s.cfg.MaxFileSizeBytes {
		return errs.Validation(errs.CodeInvalidUpload,
			"file size must be between 1 and %d bytes, got %d", s.cfg.MaxFileSizeBytes, req.FileSizeBytes)
	}
	if b, err := hex.DecodeString(hash); err != nil || len(b) != 32 {
		return errs.Validation(errs.CodeInvalidUpload, "sha256 must be 64 hex characters")
	}
	return nil
}

// CompleteUpload confirms the blob arrived, moves the document to uploaded
// and schedules extraction.
func (s *Service) CompleteUpload(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error) {
	doc, err := s.store.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != storage.StatusPendingUpload {
		return nil, conflict(doc, storage.StatusPendingUpload)
	}

	ok, err := s.blobs.Exists(ctx, doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check upload: %w", err)
	}
	if !ok {
		return nil, errs.Validation(errs.CodeInvalidUpload, "uploaded file not found in storage")
	}

	return s.startIngest(ctx, doc, storage.StatusPendingUpload)
}

// Reindex resets a failed document to uploaded and schedules extraction.
// Stage A overwrites the pages and Stage B reuses unchanged chunks.
func (s *Service) Reindex(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error) {
	doc, err := s.store.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != storage.StatusFailed {
		return nil, conflict(doc, storage.StatusFailed)
	}
	return s.startIngest(ctx, doc, storage.StatusFailed)
}

// Failed lists the workspace's failed documents, or every workspace's when
// workspaceID is uuid.Nil.
func (s *Service) Failed(ctx context.Context, workspaceID uuid.UUID) ([]storage.Document, error) {
	return s.store.ListByStatus(ctx, workspaceID, storage.StatusFailed)
}

func (s *Service) startIngest(ctx context.Context, doc *storage.Document, from storage.DocumentStatus) (*storage.Document, error) {
	ok, err := s.store.Transition(ctx, doc.WorkspaceID, doc.ID, []storage.DocumentStatus{from}, storage.StatusUploaded, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errs.ConsistencyError{Entity: "document", ID: doc.ID.String(), Expected: string(from), Actual: "changed concurrently"}
	}
	doc.Status = storage.StatusUploaded
	doc.ErrorMessage = nil

	if err := s.events.PublishStatus(ctx, realtime.NewDocumentStatusEvent(doc.WorkspaceID, doc.ID, string(doc.Status))); err != nil {
		s.logger.Warn("failed to publish status event", "error", err, "document_id", doc.ID)
	}

	if err := s.scheduler.Enqueue(ctx, jobs.StageExtract, doc.WorkspaceID, doc.ID); err != nil {
		msg := "failed to schedule extraction: " + err.Error()
		if _, terr := s.store.Transition(context.WithoutCancel(ctx), doc.WorkspaceID, doc.ID,
			[]storage.DocumentStatus{storage.StatusUploaded}, storage.StatusFailed, &msg); terr != nil {
			s.logger.Error("failed to mark document failed", "error", terr, "document_id", doc.ID)
		}
		return nil, errs.Transient(fmt.Errorf("failed to schedule extraction: %w", err))
	}

	s.logger.Info("ingestion scheduled", "workspace_id", doc.WorkspaceID, "document_id", doc.ID, "from", from)
	return doc, nil
}

// Get returns one document.
func (s *Service) Get(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error) {
	return s.store.Get(ctx, workspaceID, id)
}

// List pages through documents, optionally filtered by status.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID, opts storage.ListOptions) ([]storage.Document, int, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, 0, errs.Validation(errs.CodeInvalidDocuments, "unknown status %q", opts.Status)
	}
	if opts.Limit < 0 || opts.Limit > 100 {
		return nil, 0, errs.Validation(errs.CodeInvalidDocuments, "limit must be between 1 and 100")
	}
	if opts.Offset < 0 {
		return nil, 0, errs.Validation(errs.CodeInvalidDocuments, "offset must be non-negative")
	}
	return s.store.List(ctx, workspaceID, opts)
}

// GetPage returns the extracted text of one page.
func (s *Service) GetPage(ctx context.Context, workspaceID, id uuid.UUID, page int) (*storage.DocumentPage, error) {
	if page < 1 {
		return nil, errs.Validation(errs.CodeInvalidDocuments, "page number must be at least 1")
	}
	return s.store.GetPage(ctx, workspaceID, id, page)
}

// Delete removes the blob, best effort, and the document with everything
// derived from it.
func (s *Service) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	doc, err := s.store.Get(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.StoragePath); err != nil {
		s.logger.Warn("failed to delete blob", "error", err, "document_id", id, "key", doc.StoragePath)
	}
	if err := s.store.Delete(ctx, workspaceID, id); err != nil {
		return err
	}
	s.logger.Info("document deleted", "workspace_id", workspaceID, "document_id", id)
	return nil
}

func conflict(doc *storage.Document, want storage.DocumentStatus) error {
	return &errs.ConsistencyError{
		Entity:   "document",
		ID:       doc.ID.String(),
		Expected: string(want),
		Actual:   string(doc.Status),
	}
}
