// Package sweeper periodically reclaims reservations left behind by
// operations that crashed between reserve and commit or release.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
)

// Ledger is the part of the budget ledger the sweeper drives.
type Ledger interface {
	SweepStale(ctx context.Context, staleAfter time.Duration) ([]budget.SweptRow, error)
}

// Config holds sweep timing.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// DefaultConfig sweeps every 5 minutes and reclaims rows idle for 10.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, StaleAfter: 10 * time.Minute}
}

// Sweeper runs SweepStale on a fixed interval.
type Sweeper struct {
	ledger Ledger
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a sweeper.
func New(ledger Ledger, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	return &Sweeper{
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With("component", "sweeper"),
	}
}

// Start sweeps once immediately and then on every tick until ctx ends or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)

	s.logger.Info("sweeper started", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for sweeper: %w", ctx.Err())
	}
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns the rows it released.
func (s *Sweeper) RunOnce(ctx context.Context) ([]budget.SweptRow, error) {
	start := time.Now()
	rows, err := s.ledger.SweepStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, r := range rows {
		total += r.Released
	}
	if len(rows) > 0 {
		s.logger.Info("sweep released stale reservations",
			"rows", len(rows),
			"tokens", total,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		s.logger.Debug("sweep found nothing to release")
	}
	return rows, nil
}
