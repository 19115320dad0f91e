package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

// WorkspaceHeader carries the caller's workspace. Token verification happens
// upstream of this service.
const WorkspaceHeader = "X-Workspace-ID"

// WorkspaceQueryParam is accepted where browsers cannot set headers, such as
// the WebSocket handshake.
const WorkspaceQueryParam = "workspace_id"

type workspaceKey struct{}

// WithWorkspace stores the workspace id in ctx.
func WithWorkspace(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, workspaceKey{}, id)
}

// WorkspaceFromContext returns the workspace set by Workspace.
func WorkspaceFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(workspaceKey{}).(uuid.UUID)
	return id, ok
}

// Workspace rejects requests without a valid X-Workspace-ID with 401. When
// allowQuery is set, the workspace_id query parameter is used as a fallback.
func Workspace(allowQuery bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(WorkspaceHeader))
			if raw == "" && allowQuery {
				raw = strings.TrimSpace(r.URL.Query().Get(WorkspaceQueryParam))
			}
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+WorkspaceHeader+" header")
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid workspace id")
				return
			}
			if seen, ok := r.Context().Value(seenKey{}).(*seenWorkspace); ok {
				seen.id = id
			}
			ctx := logger.ContextWithWorkspace(WithWorkspace(r.Context(), id), id.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Provisioner creates the workspace row on first use.
// storage.PostgresDB satisfies it.
type Provisioner interface {
	EnsureWorkspace(ctx context.Context, id uuid.UUID, name string) error
}

// ProvisionWorkspace makes sure the authenticated workspace exists before any
// workspace-scoped write. Workspaces seen by this process are remembered.
// It must run after Workspace.
func ProvisionWorkspace(p Provisioner, logger *slog.Logger) func(next http.Handler) http.Handler {
	var known sync.Map
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, ok := WorkspaceFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if _, seen := known.Load(ws); !seen {
				if err := p.EnsureWorkspace(r.Context(), ws, ws.String()); err != nil {
					logger.Error("failed to provision workspace", "workspace_id", ws, "error", err)
					writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable, try again")
					return
				}
				known.Store(ws, struct{}{})
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError mirrors the handlers' error envelope; middleware cannot import
// handlers without a cycle.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
