package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/budget"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRunOnceReclaimsCrashedReservation(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	ledger := budget.NewLedger(budget.NewMemoryStore(clk.Now), 1000,
		budget.WithClock(clk.Now), budget.WithLogger(logger.Nop().Logger))
	ctx := context.Background()
	ws := uuid.New()

	// Reserve and never settle, as a crashed worker would.
	if _, err := ledger.Reserve(ctx, ws, 400, budget.SourceIngest); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	s := New(ledger, Config{Interval: time.Minute, StaleAfter: 10 * time.Minute}, logger.Nop().Logger)

	clk.Advance(5 * time.Minute)
	rows, err := s.RunOnce(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected nothing stale yet, got %v (err=%v)", rows, err)
	}

	clk.Advance(6 * time.Minute)
	rows, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rows) != 1 || rows[0].Released != 400 || rows[0].WorkspaceID != ws {
		t.Fatalf("unexpected rows %+v", rows)
	}

	st, _ := ledger.Status(ctx, ws)
	if st.Reserved != 0 || st.Remaining != 1000 {
		t.Fatalf("expected budget restored, got %+v", st)
	}

	// A second sweep is a no-op.
	rows, err = s.RunOnce(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected idempotent sweep, got %v (err=%v)", rows, err)
	}
}

type countingLedger struct {
	calls atomic.Int32
	err   error
}

func (c *countingLedger) SweepStale(context.Context, time.Duration) ([]budget.SweptRow, error) {
	c.calls.Add(1)
	return nil, c.err
}

func TestStartSweepsImmediatelyAndKeepsGoingOnError(t *testing.T) {
	ledger := &countingLedger{err: errors.New("db unavailable")}
	s := New(ledger, Config{Interval: 10 * time.Millisecond, StaleAfter: time.Minute}, logger.Nop().Logger)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected second start to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ledger.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated sweeps, got %d", ledger.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
