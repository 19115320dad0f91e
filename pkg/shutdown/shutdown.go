// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// Handler manages graceful shutdown of multiple components.
//
// Cleanups run one after another in LIFO order so that producers registered
// late (HTTP server, job consumers, sweeper) stop before the connections they
// depend on (database, broker) are closed.
type Handler struct {
	logger   *slog.Logger
	timeout  time.Duration
	cleanups []cleanup
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a new shutdown handler.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		logger:  logger.With("component", "shutdown"),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context is cancelled as soon as shutdown begins. Long-running loops should
// derive from it.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Register adds an anonymous cleanup function.
func (h *Handler) Register(fn CleanupFunc) {
	h.RegisterNamed("", fn)
}

// RegisterNamed adds a named cleanup function for better logging.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, cleanup{name: name, fn: fn})
}

// Wait blocks until a shutdown signal is received, then performs cleanup.
func (h *Handler) Wait() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		h.logger.Info("received shutdown signal", "signal", sig.String())
	case <-h.ctx.Done():
		h.logger.Info("shutdown requested")
	}

	return h.Shutdown()
}

// Trigger starts shutdown from inside the process, e.g. after a fatal server error.
func (h *Handler) Trigger() {
	h.cancel()
}

// Shutdown runs every cleanup once, newest first, and returns the joined errors.
func (h *Handler) Shutdown() error {
	var result error
	h.once.Do(func() {
		h.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		h.mu.Lock()
		cleanups := make([]cleanup, len(h.cleanups))
		copy(cleanups, h.cleanups)
		h.mu.Unlock()

		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			c := cleanups[i]
			if ctx.Err() != nil {
				h.logger.Warn("shutdown timed out, skipping remaining components", "remaining", i+1)
				errs = append(errs, ctx.Err())
				break
			}
			if c.name != "" {
				h.logger.Info("shutting down component", "name", c.name)
			}
			if err := c.fn(ctx); err != nil {
				h.logger.Error("error shutting down component", "name", c.name, "error", err)
				errs = append(errs, err)
				continue
			}
			if c.name != "" {
				h.logger.Info("component shut down", "name", c.name)
			}
		}

		result = errors.Join(errs...)
		if result == nil {
			h.logger.Info("graceful shutdown completed")
		}
	})
	return result
}
