package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Aryan1718/enterprise-rag-platform/internal/metrics"
)

// Limit defines a fixed-window rate limit.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultQueryLimit allows 100 queries per workspace per minute.
func DefaultQueryLimit() Limit {
	return Limit{Requests: 100, Window: time.Minute}
}

// Counter increments a fixed-window counter and returns the count after
// incrementing. storage.RedisClientWrapper satisfies it.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryCounter is an in-process Counter for single-instance deployments and
// for when Redis is unavailable.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	now     func() time.Time
	sweeps  int
}

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*windowEntry), now: time.Now}
}

// IncrWindow increments key, starting a new window when the previous one expired.
func (c *MemoryCounter) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweeps++
	if c.sweeps%1024 == 0 {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		c.entries[key] = &windowEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	e.count++
	return e.count, nil
}

// RateLimiter limits requests per workspace. Counts live in Redis so every API
// instance shares them; when Redis fails the limiter degrades to a local count.
type RateLimiter struct {
	primary  Counter
	fallback *MemoryCounter
	limit    Limit
	scope    string
	logger   *slog.Logger
}

// NewRateLimiter creates a limiter for scope. A nil primary uses the in-memory
// counter only.
func NewRateLimiter(primary Counter, scope string, limit Limit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		primary:  primary,
		fallback: NewMemoryCounter(),
		limit:    limit,
		scope:    scope,
		logger:   logger.With("component", "rate_limiter", "scope", scope),
	}
}

// Allow counts one request for workspace and reports whether it is within the
// limit, along with the requests left in the window.
func (rl *RateLimiter) Allow(ctx context.Context, workspace string) (bool, int) {
	key := fmt.Sprintf("ratelimit:%s:%s", rl.scope, workspace)

	var (
		count int64
		err   error
	)
	if rl.primary != nil {
		count, err = rl.primary.IncrWindow(ctx, key, rl.limit.Window)
		if err != nil {
			rl.logger.Warn("shared rate limit counter unavailable, using local count", "error", err)
		}
	}
	if rl.primary == nil || err != nil {
		count, _ = rl.fallback.IncrWindow(ctx, key, rl.limit.Window)
	}

	remaining := max(0, rl.limit.Requests-int(count))
	return count <= int64(rl.limit.Requests), remaining
}

// Middleware enforces the limit for the workspace set by Workspace. Requests
// without a workspace pass through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, ok := WorkspaceFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining := rl.Allow(r.Context(), ws.String())
		window := strconv.Itoa(int(rl.limit.Window.Seconds()))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", window)

		if !allowed {
			metrics.RateLimited.WithLabelValues(rl.scope).Inc()
			rl.logger.Warn("rate limit exceeded", "workspace_id", ws, "limit", rl.limit.Requests)
			w.Header().Set("Retry-After", window)
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
