package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/internal/documents"
	"github.com/Aryan1718/enterprise-rag-platform/internal/query"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// DocumentService is implemented by documents.Service.
type DocumentService interface {
	PrepareUpload(ctx context.Context, workspaceID uuid.UUID, req documents.PrepareUploadRequest) (*documents.UploadTicket, error)
	CompleteUpload(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error)
	Reindex(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*storage.Document, error)
	List(ctx context.Context, workspaceID uuid.UUID, opts storage.ListOptions) ([]storage.Document, int, error)
	GetPage(ctx context.Context, workspaceID, id uuid.UUID, page int) (*storage.DocumentPage, error)
	Delete(ctx context.Context, workspaceID, id uuid.UUID) error
}

// QueryService is implemented by query.Engine.
type QueryService interface {
	Run(ctx context.Context, req query.Request) (*query.Result, error)
	RunStream(ctx context.Context, req query.Request, onDelta func(string) error) (*query.Result, error)
	Usage(ctx context.Context, workspaceID uuid.UUID) (budget.Status, error)
}

// HistoryService is implemented by query.History.
type HistoryService interface {
	List(ctx context.Context, workspaceID uuid.UUID, documentID *uuid.UUID, limit, offset int) (*query.HistoryPage, error)
	Get(ctx context.Context, workspaceID, id uuid.UUID) (*query.HistoryDetail, error)
	Source(ctx context.Context, workspaceID, chunkID uuid.UUID, maxChars int) (*query.CitationSource, error)
}

// WorkspaceSocket is implemented by realtime.WSHub.
type WorkspaceSocket interface {
	ServeWorkspace(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID)
}

// HealthChecker is a dependency that can report its health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// NamedCheck pairs a dependency with the name reported by /ready.
type NamedCheck struct {
	Name    string
	Checker HealthChecker
}
