package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

func echoWorkspace() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(ws.String()))
	})
}

func TestWorkspace(t *testing.T) {
	ws := uuid.New()

	tests := []struct {
		name       string
		header     string
		query      string
		allowQuery bool
		wantStatus int
	}{
		{"header", ws.String(), "", false, http.StatusOK},
		{"missing", "", "", false, http.StatusUnauthorized},
		{"malformed", "workspace-1", "", false, http.StatusUnauthorized},
		{"nil uuid", uuid.Nil.String(), "", false, http.StatusUnauthorized},
		{"query ignored", "", ws.String(), false, http.StatusUnauthorized},
		{"query allowed", "", ws.String(), true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/"
			if tt.query != "" {
				target += "?" + WorkspaceQueryParam + "=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(WorkspaceHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			Workspace(tt.allowQuery)(echoWorkspace()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, ws.String(), rec.Body.String())
			} else {
				assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)
			}
		})
	}
}

func TestMemoryCounterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCounter()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := c.IncrWindow(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	other, _ := c.IncrWindow(ctx, "other", time.Minute)
	assert.Equal(t, int64(1), other)

	now = now.Add(time.Minute)
	n, _ := c.IncrWindow(ctx, "k", time.Minute)
	assert.Equal(t, int64(1), n, "a new window starts after expiry")
}

type failingCounter struct {
	calls int
}

func (f *failingCounter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("redis: connection refused")
}

func limitedHandler(rl *RateLimiter) http.Handler {
	return Workspace(false)(rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
}

func TestRateLimiterPerWorkspace(t *testing.T) {
	rl := NewRateLimiter(nil, "query", Limit{Requests: 2, Window: time.Minute}, logger.Nop().Logger)
	h := limitedHandler(rl)
	a, b := uuid.New(), uuid.New()

	send := func(ws uuid.UUID) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.Header.Set(WorkspaceHeader, ws.String())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send(a).Code)
	rec := send(a)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = send(a)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	assert.Equal(t, http.StatusOK, send(b).Code, "limits are per workspace")
}

func TestRateLimiterFallsBackWhenSharedCounterFails(t *testing.T) {
	primary := &failingCounter{}
	rl := NewRateLimiter(primary, "query", Limit{Requests: 1, Window: time.Minute}, logger.Nop().Logger)
	ctx := context.Background()

	allowed, remaining := rl.Allow(ctx, "ws")
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _ = rl.Allow(ctx, "ws")
	assert.False(t, allowed, "the local count still enforces the limit")
	assert.Equal(t, 2, primary.calls)
}

func TestRecovererReturnsJSON(t *testing.T) {
	h := Recoverer(logger.Nop().Logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestLoggerCapturesStatus(t *testing.T) {
	var seen int
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusInternalServerError)
	})
	h := Logger(logger.Nop().Logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
		seen = w.(*responseWriter).status
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, http.StatusAccepted, seen)
}

type countingProvisioner struct {
	calls map[uuid.UUID]int
	err   error
}

func (p *countingProvisioner) EnsureWorkspace(_ context.Context, id uuid.UUID, _ string) error {
	p.calls[id]++
	return p.err
}

func TestProvisionWorkspaceOncePerWorkspace(t *testing.T) {
	p := &countingProvisioner{calls: make(map[uuid.UUID]int)}
	h := Workspace(false)(ProvisionWorkspace(p, logger.Nop().Logger)(echoWorkspace()))
	ws := uuid.New()

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(WorkspaceHeader, ws.String())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, p.calls[ws])
}

func TestProvisionWorkspaceFailure(t *testing.T) {
	p := &countingProvisioner{calls: make(map[uuid.UUID]int), err: errors.New("db down")}
	h := Workspace(false)(ProvisionWorkspace(p, logger.Nop().Logger)(echoWorkspace()))
	ws := uuid.New()

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(WorkspaceHeader, ws.String())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	}
	assert.Equal(t, 2, p.calls[ws], "failures are not remembered")
}
