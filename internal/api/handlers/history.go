package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ListQueries handles GET /api/v1/queries?document_id=&limit=&offset=.
func ListQueries(svc HistoryService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		var documentID *uuid.UUID
		if v := q.Get("document_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				RespondBadRequest(w, "Invalid document ID")
				return
			}
			documentID = &id
		}
		limit, ok := intParam(w, q.Get("limit"), "limit")
		if !ok {
			return
		}
		offset, ok := intParam(w, q.Get("offset"), "offset")
		if !ok {
			return
		}

		page, err := svc.List(r.Context(), ws, documentID, limit, offset)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusOK, page)
	}
}

// GetQuery handles GET /api/v1/queries/{id}.
func GetQuery(svc HistoryService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			RespondBadRequest(w, "Invalid query ID")
			return
		}

		detail, err := svc.Get(r.Context(), ws, id)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusOK, detail)
	}
}

// GetCitationSource handles GET /api/v1/citations/{chunk_id}?max_chars=.
// It returns the cited chunk with the text of the page it starts on.
func GetCitationSource(svc HistoryService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}
		chunkID, err := uuid.Parse(chi.URLParam(r, "chunk_id"))
		if err != nil {
			RespondBadRequest(w, "Invalid chunk ID")
			return
		}
		maxChars, ok := intParam(w, r.URL.Query().Get("max_chars"), "max_chars")
		if !ok {
			return
		}

		src, err := svc.Source(r.Context(), ws, chunkID, maxChars)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusOK, src)
	}
}

// intParam parses an optional integer query parameter; absent is zero.
func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		RespondBadRequest(w, name+" must be an integer")
		return 0, false
	}
	return n, true
}
