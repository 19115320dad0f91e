package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/logger"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails the first n Mutate calls with a transient error.
type flakyStore struct {
	Store
	failures atomic.Int32
}

func (f *flakyStore) Mutate(ctx context.Context, ws uuid.UUID, day time.Time, fn func(*Usage) error) (Usage, error) {
	if f.failures.Add(-1) >= 0 {
		return Usage{}, errs.Transient(errors.New("connection reset"))
	}
	return f.Store.Mutate(ctx, ws, day, fn)
}

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Retryable:    errs.IsTransient,
	}
}

func newTestLedger(limit int64, clock *fakeClock) (*Ledger, *MemoryStore) {
	store := NewMemoryStore(clock.Now)
	l := NewLedger(store, limit,
		WithClock(clock.Now),
		WithLogger(logger.Nop().Logger),
		WithRetryPolicy(fastPolicy()),
	)
	return l, store
}

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestLedgerReserveCommitScenario(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	l, _ := newTestLedger(1000, newFakeClock(t0))

	r1, err := l.Reserve(ctx, ws, 600, SourceQuery)
	if err != nil {
		t.Fatalf("reserve 600: %v", err)
	}

	_, err = l.Reserve(ctx, ws, 500, SourceQuery)
	var be *errs.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if be.Used != 0 || be.Reserved != 600 || be.Limit != 1000 || be.Remaining() != 400 {
		t.Errorf("unexpected snapshot: %+v", be)
	}
	if !be.ResetsAt.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected reset time %v", be.ResetsAt)
	}

	if err := l.Commit(ctx, r1, 450); err != nil {
		t.Fatalf("commit: %v", err)
	}

	st, err := l.Status(ctx, ws)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Used != 450 || st.Reserved != 0 || st.Remaining != 550 {
		t.Fatalf("unexpected status after commit: %+v", st)
	}

	if _, err := l.Reserve(ctx, ws, 550, SourceQuery); err != nil {
		t.Fatalf("expected reservation filling the budget exactly to succeed, got %v", err)
	}
	if _, err := l.Reserve(ctx, ws, 1, SourceQuery); !errors.Is(err, errs.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded once full, got %v", err)
	}
}

func TestLedgerRejectionDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	l, store := newTestLedger(100, newFakeClock(t0))

	if _, err := l.Reserve(ctx, ws, 101, SourceIngest); !errors.Is(err, errs.ErrBudgetExceeded) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(store.rows) != 0 {
		t.Fatalf("expected no row created by a rejected reservation, got %d", len(store.rows))
	}
}

func TestLedgerRejectsNegativeAmount(t *testing.T) {
	l, _ := newTestLedger(100, newFakeClock(t0))

	_, err := l.Reserve(context.Background(), uuid.New(), -1, SourceQuery)
	if !errors.Is(err, errs.ErrValidation) || errs.Code(err) != errs.CodeInvalidAmount {
		t.Fatalf("expected INVALID_AMOUNT, got %v", err)
	}
}

func TestLedgerConcurrentReservationsNeverOvercommit(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	const (
		limit   = 1000
		amount  = 30
		workers = 100
	)
	l, _ := newTestLedger(limit, newFakeClock(t0))

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, ws, amount, SourceQuery); err == nil {
				granted.Add(1)
			} else if !errors.Is(err, errs.ErrBudgetExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != limit/amount {
		t.Fatalf("expected %d grants, got %d", limit/amount, got)
	}
	st, _ := l.Status(ctx, ws)
	if st.Reserved != (limit/amount)*amount {
		t.Fatalf("expected reserved %d, got %d", (limit/amount)*amount, st.Reserved)
	}
}

func TestLedgerSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	l, _ := newTestLedger(1000, newFakeClock(t0))

	a, _ := l.Reserve(ctx, ws, 300, SourceQuery)
	b, _ := l.Reserve(ctx, ws, 200, SourceQuery)

	if err := l.Release(ctx, a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, a); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := l.Commit(ctx, a, 300); err != nil {
		t.Fatalf("commit after release: %v", err)
	}

	st, _ := l.Status(ctx, ws)
	if st.Reserved != 200 || st.Used != 0 {
		t.Fatalf("expected only b outstanding, got %+v", st)
	}
	if !a.Settled() || b.Settled() {
		t.Error("unexpected settled flags")
	}
}

func TestLedgerReleaseClampsAtZero(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	clock := newFakeClock(t0)
	l, store := newTestLedger(1000, clock)

	r, _ := l.Reserve(ctx, ws, 400, SourceIngest)

	// Simulate the sweep having reclaimed most of the reservation.
	_, _ = store.Mutate(ctx, ws, t0, func(u *Usage) error {
		u.Reserved = 100
		return nil
	})

	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("expected clamped release to succeed, got %v", err)
	}
	st, _ := l.Status(ctx, ws)
	if st.Reserved != 0 {
		t.Fatalf("expected reserved clamped to 0, got %d", st.Reserved)
	}
}

func TestLedgerCommitAcceptsOverage(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	l, _ := newTestLedger(1000, newFakeClock(t0))

	r, _ := l.Reserve(ctx, ws, 900, SourceQuery)
	if err := l.Commit(ctx, r, 1200); err != nil {
		t.Fatalf("commit: %v", err)
	}

	st, _ := l.Status(ctx, ws)
	if st.Used != 1200 || st.Reserved != 0 {
		t.Fatalf("expected overage recorded, got %+v", st)
	}
	if st.Remaining != 0 {
		t.Fatalf("expected remaining floored at 0, got %d", st.Remaining)
	}
}

func TestLedgerCommitAppliesToReservationDay(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	clock := newFakeClock(time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC))
	l, store := newTestLedger(1000, clock)

	r, _ := l.Reserve(ctx, ws, 200, SourceIngest)
	clock.Advance(2 * time.Minute)

	if err := l.Commit(ctx, r, 150); err != nil {
		t.Fatalf("commit: %v", err)
	}

	day1, _ := store.Get(ctx, ws, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	if day1.Used != 150 || day1.Reserved != 0 {
		t.Fatalf("expected commit on reservation day, got %+v", day1)
	}
	st, _ := l.Status(ctx, ws)
	if st.Used != 0 || st.Reserved != 0 || st.Remaining != 1000 {
		t.Fatalf("expected fresh budget on the new day, got %+v", st)
	}
}

func TestLedgerChargeBypassesLimit(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	l, _ := newTestLedger(100, newFakeClock(t0))

	if err := l.Charge(ctx, ws, 150, SourceQuery); err != nil {
		t.Fatalf("charge: %v", err)
	}
	st, _ := l.Status(ctx, ws)
	if st.Used != 150 {
		t.Fatalf("expected used 150, got %d", st.Used)
	}
}

func TestLedgerStatusDoesNotCreateRow(t *testing.T) {
	l, store := newTestLedger(100, newFakeClock(t0))

	st, err := l.Status(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Remaining != 100 || st.Limit != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(store.rows) != 0 {
		t.Fatal("expected status to be read-only")
	}
}

func TestLedgerRetriesTransientStoreErrors(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	clock := newFakeClock(t0)
	mem := NewMemoryStore(clock.Now)
	flaky := &flakyStore{Store: mem}
	l := NewLedger(flaky, 1000, WithClock(clock.Now), WithLogger(logger.Nop().Logger), WithRetryPolicy(fastPolicy()))

	r, err := l.Reserve(ctx, ws, 100, SourceQuery)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	flaky.failures.Store(2)
	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("expected release to succeed on third attempt, got %v", err)
	}
	st, _ := l.Status(ctx, ws)
	if st.Reserved != 0 {
		t.Fatalf("expected reservation released, got %d", st.Reserved)
	}
}

func TestLedgerFailedReleaseCanBeRetried(t *testing.T) {
	ctx := context.Background()
	ws := uuid.New()
	clock := newFakeClock(t0)
	flaky := &flakyStore{Store: NewMemoryStore(clock.Now)}
	l := NewLedger(flaky, 1000, WithClock(clock.Now), WithLogger(logger.Nop().Logger), WithRetryPolicy(fastPolicy()))

	r, _ := l.Reserve(ctx, ws, 100, SourceQuery)

	flaky.failures.Store(3)
	if err := l.Release(ctx, r); !retry.IsExhausted(err) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
	if r.Settled() {
		t.Fatal("expected reservation to stay unsettled after a failed release")
	}

	if err := l.Release(ctx, r); err != nil {
		t.Fatalf("second release: %v", err)
	}
	st, _ := l.Status(ctx, ws)
	if st.Reserved != 0 {
		t.Fatalf("expected reservation released, got %d", st.Reserved)
	}
}

func TestLedgerSweepStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	l, _ := newTestLedger(1000, clock)

	stale := uuid.New()
	fresh := uuid.New()

	if _, err := l.Reserve(ctx, stale, 300, SourceIngest); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(8 * time.Minute)
	if _, err := l.Reserve(ctx, fresh, 200, SourceIngest); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(3 * time.Minute)

	rows, err := l.SweepStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rows) != 1 || rows[0].WorkspaceID != stale || rows[0].Released != 300 {
		t.Fatalf("expected only the stale row swept, got %+v", rows)
	}

	st, _ := l.Status(ctx, stale)
	if st.Reserved != 0 {
		t.Fatalf("expected stale reservation cleared, got %d", st.Reserved)
	}
	st, _ = l.Status(ctx, fresh)
	if st.Reserved != 200 {
		t.Fatalf("expected fresh reservation kept, got %d", st.Reserved)
	}

	rows, err = l.SweepStale(ctx, 10*time.Minute)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %d rows (err=%v)", len(rows), err)
	}
}

func TestLedgerSweepRejectsNonPositiveWindow(t *testing.T) {
	l, _ := newTestLedger(1000, newFakeClock(t0))
	if _, err := l.SweepStale(context.Background(), 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
