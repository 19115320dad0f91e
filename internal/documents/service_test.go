package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

type fakeStore struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*storage.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[uuid.UUID]*storage.Document)}
}

func (f *fakeStore) Create(_ context.Context, doc *storage.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.WorkspaceID == doc.WorkspaceID && d.FileHashSHA256 == doc.FileHashSHA256 {
			return storage.ErrDuplicateHash
		}
	}
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, ws, id uuid.UUID) (*storage.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.WorkspaceID != ws {
		return nil, errs.NotFound("document", id.String())
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) FindByHash(_ context.Context, ws uuid.UUID, hash string) (*storage.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.WorkspaceID == ws && d.FileHashSHA256 == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) List(_ context.Context, ws uuid.UUID, opts storage.ListOptions) ([]storage.Document, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Document
	for _, d := range f.docs {
		if d.WorkspaceID == ws && (opts.Status == "" || d.Status == opts.Status) {
			out = append(out, *d)
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) ListByStatus(_ context.Context, ws uuid.UUID, status storage.DocumentStatus) ([]storage.Document, error) {
	docs, _, err := f.List(context.Background(), ws, storage.ListOptions{Status: status})
	return docs, err
}

func (f *fakeStore) Transition(_ context.Context, ws, id uuid.UUID, from []storage.DocumentStatus, to storage.DocumentStatus, msg *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.WorkspaceID != ws {
		return false, nil
	}
	for _, s := range from {
		if d.Status == s {
			d.Status, d.ErrorMessage = to, msg
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Delete(_ context.Context, ws, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; !ok || d.WorkspaceID != ws {
		return errs.NotFound("document", id.String())
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeStore) GetPage(_ context.Context, _, id uuid.UUID, page int) (*storage.DocumentPage, error) {
	return &storage.DocumentPage{DocumentID: id, PageNumber: page, Content: "text"}, nil
}

type fakeBlobs struct {
	objects   map[string]bool
	deleteErr error
}

func (f *fakeBlobs) GenerateUploadURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.local/" + key + "?signed", nil
}

func (f *fakeBlobs) Exists(_ context.Context, key string) (bool, error) {
	return f.objects[key], nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return f.deleteErr
}

type fakeScheduler struct {
	stages []string
	err    error
}

func (f *fakeScheduler) Enqueue(_ context.Context, stage string, _, _ uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.stages = append(f.stages, stage)
	return nil
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newService() (*Service, *fakeStore, *fakeBlobs, *fakeScheduler) {
	store := newFakeStore()
	blobs := &fakeBlobs{objects: make(map[string]bool)}
	sched := &fakeScheduler{}
	return NewService(store, blobs, sched, nil, DefaultConfig(), logger.Nop().Logger), store, blobs, sched
}

func TestUploadLifecycle(t *testing.T) {
	svc, store, blobs, sched := newService()
	ctx := context.Background()
	ws := uuid.New()

	ticket, err := svc.PrepareUpload(ctx, ws, PrepareUploadRequest{Filename: "Annual Report.pdf", FileSizeBytes: 1024, SHA256: hashOf("a")})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	doc := ticket.Document
	if doc.Status != storage.StatusPendingUpload || !strings.HasSuffix(doc.StoragePath, "/Annual_Report.pdf") {
		t.Fatalf("unexpected document %+v", doc)
	}
	if !strings.HasPrefix(doc.StoragePath, ws.String()+"/"+doc.ID.String()) {
		t.Errorf("unexpected storage path %s", doc.StoragePath)
	}

	// Preparing the same file again returns the same placeholder.
	again, err := svc.PrepareUpload(ctx, ws, PrepareUploadRequest{Filename: "Annual Report.pdf", FileSizeBytes: 1024, SHA256: strings.ToUpper(hashOf("a"))})
	if err != nil || again.Document.ID != doc.ID {
		t.Fatalf("expected same document, got %v (err=%v)", again, err)
	}

	// Completing before the blob exists is rejected.
	if _, err := svc.CompleteUpload(ctx, ws, doc.ID); errs.Code(err) != errs.CodeInvalidUpload {
		t.Fatalf("expected INVALID_UPLOAD, got %v", err)
	}

	blobs.objects[doc.StoragePath] = true
	done, err := svc.CompleteUpload(ctx, ws, doc.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != storage.StatusUploaded || len(sched.stages) != 1 || sched.stages[0] != "ingest.extract" {
		t.Fatalf("expected extraction scheduled, got %s %v", done.Status, sched.stages)
	}

	// A second completion is a conflict.
	if _, err := svc.CompleteUpload(ctx, ws, doc.ID); !errors.Is(err, errs.ErrConsistency) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Once uploaded, the same content is a duplicate.
	if _, err := svc.PrepareUpload(ctx, ws, PrepareUploadRequest{Filename: "copy.pdf", FileSizeBytes: 1024, SHA256: hashOf("a")}); errs.Code(err) != errs.CodeDuplicateDocument {
		t.Fatalf("expected duplicate, got %v", err)
	}

	if err := svc.Delete(ctx, ws, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, ws, doc.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Error("expected document removed")
	}
	if blobs.objects[doc.StoragePath] {
		t.Error("expected blob removed")
	}
}

func TestPrepareUploadValidation(t *testing.T) {
	svc, _, _, _ := newService()
	valid := PrepareUploadRequest{Filename: "a.pdf", FileSizeBytes: 10, SHA256: hashOf("x")}

	tests := []struct {
		name   string
		mutate func(*PrepareUploadRequest)
	}{
		{"empty filename", func(r *PrepareUploadRequest) { r.Filename = " " }},
		{"not a pdf", func(r *PrepareUploadRequest) { r.Filename = "a.docx" }},
		{"bad content type", func(r *PrepareUploadRequest) { r.ContentType = "text/plain" }},
		{"empty file", func(r *PrepareUploadRequest) { r.FileSizeBytes = 0 }},
		{"too large", func(r *PrepareUploadRequest) { r.FileSizeBytes = 26 << 20 }},
		{"bad hash", func(r *PrepareUploadRequest) { r.SHA256 = "abc" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := svc.PrepareUpload(context.Background(), uuid.New(), req); errs.Code(err) != errs.CodeInvalidUpload {
				t.Fatalf("expected INVALID_UPLOAD, got %v", err)
			}
		})
	}
}

func TestReindexOnlyFromFailed(t *testing.T) {
	svc, store, _, sched := newService()
	ctx := context.Background()
	ws := uuid.New()

	msg := "boom"
	failed := &storage.Document{ID: uuid.New(), WorkspaceID: ws, Status: storage.StatusFailed, ErrorMessage: &msg, FileHashSHA256: hashOf("f")}
	ready := &storage.Document{ID: uuid.New(), WorkspaceID: ws, Status: storage.StatusReady, FileHashSHA256: hashOf("r")}
	_ = store.Create(ctx, failed)
	_ = store.Create(ctx, ready)

	if _, err := svc.Reindex(ctx, ws, ready.ID); !errors.Is(err, errs.ErrConsistency) {
		t.Fatalf("expected conflict for ready document, got %v", err)
	}

	doc, err := svc.Reindex(ctx, ws, failed.ID)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if doc.Status != storage.StatusUploaded || doc.ErrorMessage != nil || len(sched.stages) != 1 {
		t.Fatalf("unexpected reindex result %+v %v", doc, sched.stages)
	}

	if _, err := svc.Reindex(ctx, uuid.New(), failed.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected other workspace to see not found, got %v", err)
	}
}

func TestScheduleFailureMarksDocumentFailed(t *testing.T) {
	svc, store, blobs, sched := newService()
	ctx := context.Background()
	ws := uuid.New()

	ticket, err := svc.PrepareUpload(ctx, ws, PrepareUploadRequest{Filename: "a.pdf", FileSizeBytes: 10, SHA256: hashOf("s")})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	blobs.objects[ticket.Document.StoragePath] = true
	sched.err = errors.New("broker down")

	if _, err := svc.CompleteUpload(ctx, ws, ticket.Document.ID); !errs.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	doc, _ := store.Get(ctx, ws, ticket.Document.ID)
	if doc.Status != storage.StatusFailed {
		t.Fatalf("expected failed, got %s", doc.Status)
	}
}

func TestDeleteIgnoresBlobErrors(t *testing.T) {
	svc, store, blobs, _ := newService()
	ctx := context.Background()
	ws := uuid.New()
	doc := &storage.Document{ID: uuid.New(), WorkspaceID: ws, Status: storage.StatusReady, StoragePath: "k", FileHashSHA256: hashOf("d")}
	_ = store.Create(ctx, doc)
	blobs.deleteErr = errors.New("s3 unavailable")

	if err := svc.Delete(ctx, ws, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestListAndGetPageValidation(t *testing.T) {
	svc, _, _, _ := newService()
	ctx := context.Background()

	if _, _, err := svc.List(ctx, uuid.New(), storage.ListOptions{Status: "archived"}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for status, got %v", err)
	}
	if _, err := svc.GetPage(ctx, uuid.New(), uuid.New(), 0); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for page 0, got %v", err)
	}
}
