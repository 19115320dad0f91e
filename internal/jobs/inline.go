package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// InlineScheduler runs stages in the caller's goroutine. ragctl uses it to
// drive the pipeline without a broker; Stage A's handoff then runs Stage B
// before Enqueue returns.
type InlineScheduler struct {
	mu       sync.RWMutex
	handlers Handlers
	logger   *slog.Logger
}

// NewInlineScheduler creates an InlineScheduler with no handlers.
func NewInlineScheduler(logger *slog.Logger) *InlineScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineScheduler{
		handlers: make(Handlers),
		logger:   logger.With("component", "inline_scheduler"),
	}
}

// Register sets the handler for stage.
func (s *InlineScheduler) Register(stage string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stage] = h
}

// Enqueue implements Scheduler. Handler errors are returned to the caller.
func (s *InlineScheduler) Enqueue(ctx context.Context, stage string, workspaceID, documentID uuid.UUID) error {
	s.mu.RLock()
	h, ok := s.handlers[stage]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for %s", stage)
	}

	job := NewJob(stage, workspaceID, documentID)
	s.logger.Debug("running job inline", "stage", stage, "document_id", documentID, "job_id", job.ID)
	return h(ctx, job)
}
