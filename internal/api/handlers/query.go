package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/query"
)

// QueryRequestBody is the body of POST /api/v1/query.
type QueryRequestBody struct {
	Question    string   `json:"question"`
	DocumentIDs []string `json:"document_ids"`
}

// QueryResponse is the answer with its citations and today's usage.
type QueryResponse struct {
	Answer     string           `json:"answer"`
	Citations  []query.Citation `json:"citations"`
	Usage      budget.Status    `json:"usage"`
	QueryLogID *uuid.UUID       `json:"query_log_id,omitempty"`
}

// HandleQuery handles POST /api/v1/query.
//
// Request body:
//
//	{
//	  "question": "What is the refund window?",
//	  "document_ids": ["3b6f..."]
//	}
//
// Response:
//
//	{
//	  "answer": "Refunds are accepted within 30 days [p4|chunk:...].",
//	  "citations": [...],
//	  "usage": {"used": 1200, "reserved": 0, "limit": 100000, ...}
//	}
func HandleQuery(svc QueryService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}

		req, ok := decodeQuery(w, r, ws, logger)
		if !ok {
			return
		}

		res, err := svc.Run(r.Context(), req)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}

		citations := res.Citations
		if citations == nil {
			citations = []query.Citation{}
		}
		RespondJSON(w, http.StatusOK, QueryResponse{
			Answer:     res.Answer,
			Citations:  citations,
			Usage:      res.Usage,
			QueryLogID: res.QueryLogID,
		})
	}
}

// HandleQueryStream handles POST /api/v1/query/stream. The body is the same
// as for /query; the answer arrives as server-sent events:
//
//	event: meta       {"request_id": "...", "document_ids": [...]}
//	event: delta      {"text": "Refunds are "}          (repeated)
//	event: citations  {"citations": [...]}
//	event: usage      {"usage": {...}}
//	event: done       {"ok": true, "query_log_id": "..."}
//
// A failure after the stream opened ends it with
// "event: error" {"code": "...", "message": "..."} instead.
func HandleQueryStream(svc QueryService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}
		req, ok := decodeQuery(w, r, ws, logger)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sse := &eventWriter{w: w, rc: http.NewResponseController(w)}
		_ = sse.send("meta", map[string]any{
			"request_id":   chimiddleware.GetReqID(r.Context()),
			"document_ids": req.DocumentIDs,
		})

		res, err := svc.RunStream(r.Context(), req, func(text string) error {
			return sse.send("delta", map[string]string{"text": text})
		})
		if err != nil {
			if r.Context().Err() != nil || sse.err != nil {
				logger.Info("query stream closed by client", "error", err)
				return
			}
			_, apiErr := serviceError(logger, err)
			_ = sse.send("error", apiErr)
			return
		}

		citations := res.Citations
		if citations == nil {
			citations = []query.Citation{}
		}
		_ = sse.send("citations", map[string]any{"citations": citations})
		_ = sse.send("usage", map[string]any{"usage": res.Usage})
		_ = sse.send("done", map[string]any{"ok": true, "query_log_id": res.QueryLogID})
	}
}

// eventWriter writes server-sent events. After the first failed write it
// drops everything and keeps returning that error.
type eventWriter struct {
	w   http.ResponseWriter
	rc  *http.ResponseController
	err error
}

func (e *eventWriter) send(event string, payload any) error {
	if e.err != nil {
		return e.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.err = err
		return err
	}
	if err := e.rc.Flush(); err != nil {
		e.err = err
		return err
	}
	return nil
}

func decodeQuery(w http.ResponseWriter, r *http.Request, ws uuid.UUID, logger *slog.Logger) (query.Request, bool) {
	var body QueryRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Warn("failed to decode query request", "error", err)
		RespondBadRequest(w, "Invalid request body")
		return query.Request{}, false
	}

	ids := make([]uuid.UUID, 0, len(body.DocumentIDs))
	for _, raw := range body.DocumentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(w, http.StatusBadRequest, errs.CodeInvalidDocuments, "invalid document id "+raw)
			return query.Request{}, false
		}
		ids = append(ids, id)
	}
	return query.Request{WorkspaceID: ws, Question: body.Question, DocumentIDs: ids}, true
}

// UsageToday handles GET /api/v1/usage/today.
func UsageToday(svc QueryService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}
		st, err := svc.Usage(r.Context(), ws)
		if err != nil {
			RespondServiceError(w, logger, err)
			return
		}
		RespondJSON(w, http.StatusOK, st)
	}
}

// HandleWebSocket handles GET /api/v1/ws. Clients receive document status
// events for their workspace only.
func HandleWebSocket(hub WorkspaceSocket) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, ok := workspace(w, r)
		if !ok {
			return
		}
		hub.ServeWorkspace(w, r, ws)
	}
}
