package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/api/middleware"
	"github.com/Aryan1718/enterprise-rag-platform/internal/documents"
	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// DocumentListResponse is the body of GET /api/v1/documents.
type DocumentListResponse struct {
	Documents  []storage.Document `json:"documents"`
	Pagination Pagination         `json:"pagination"`
}

// PrepareUpload handles POST /api/v1/documents/upload-prepare.
//
// Request body:
//
//	{
//	  "filename": "handbook.pdf",
//	  "file_size_bytes": 48213,
//	  "sha256": "9f86d0...",
//	  "content_type": "application/pdf"
//	}
//
// Response: 201 with the pending document and a presigned PUT URL.
func PrepareUpload(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}

		var req documents.PrepareUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("failed to decode upload request", "error", err)
			RespondBadRequest(w, "Invalid request body")
			return
		}

		ticket, err := svc.PrepareUpload(r.Context(), ws, req)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondCreated(w, ticket)
	}
}

// CompleteUpload handles POST /api/v1/documents/{id}/upload-complete.
func CompleteUpload(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, id, ok := workspaceAndDocument(w, r)
		if !ok {
			return
		}
		doc, err := svc.CompleteUpload(r.Context(), ws, id)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusAccepted, doc)
	}
}

// Reindex handles POST /api/v1/documents/{id}/reindex.
func Reindex(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, id, ok := workspaceAndDocument(w, r)
		if !ok {
			return
		}
		doc, err := svc.Reindex(r.Context(), ws, id)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusAccepted, doc)
	}
}

// ListDocuments handles GET /api/v1/documents.
//
// Query parameters:
//   - status: filter by lifecycle status
//   - limit: page size (default 20, max 100)
//   - offset: pagination offset
func ListDocuments(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		opts := storage.ListOptions{
			Status: storage.DocumentStatus(q.Get("status")),
			Limit:  20,
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				RespondBadRequest(w, "limit must be an integer")
				return
			}
			opts.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				RespondBadRequest(w, "offset must be an integer")
				return
			}
			opts.Offset = n
		}

		docs, total, err := svc.List(r.Context(), ws, opts)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		RespondJSON(w, http.StatusOK, DocumentListResponse{
			Documents: docs,
			Pagination: Pagination{
				Total:   total,
				Limit:   opts.Limit,
				Offset:  opts.Offset,
				HasMore: opts.Offset+len(docs) < total,
			},
		})
	}
}

// GetDocument handles GET /api/v1/documents/{id}.
func GetDocument(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, id, ok := workspaceAndDocument(w, r)
		if !ok {
			return
		}
		doc, err := svc.Get(r.Context(), ws, id)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusOK, doc)
	}
}

// GetPage handles GET /api/v1/documents/{id}/pages/{page}.
func GetPage(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, id, ok := workspaceAndDocument(w, r)
		if !ok {
			return
		}
		page, err := strconv.Atoi(chi.URLParam(r, "page"))
		if err != nil {
			RespondBadRequest(w, "Invalid page number")
			return
		}
		p, err := svc.GetPage(r.Context(), ws, id, page)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusOK, p)
	}
}

// DeleteDocument handles DELETE /api/v1/documents/{id}.
func DeleteDocument(svc DocumentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, id, ok := workspaceAndDocument(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), ws, id); err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondNoContent(w)
	}
}

func workspace(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ws, ok := middleware.WorkspaceFromContext(r.Context())
	if !ok {
		RespondUnauthorized(w, "missing workspace")
	}
	return ws, ok
}

func workspaceAndDocument(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ws, ok := workspace(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondBadRequest(w, "Invalid document ID")
		return uuid.Nil, uuid.Nil, false
	}
	return ws, id, true
}
