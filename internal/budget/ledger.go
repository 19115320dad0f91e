// Package budget implements the per-workspace daily token ledger.
//
// Every spend runs in two phases: Reserve takes a worst-case estimate out of
// the day's budget before any provider call, then Commit records the real
// cost or Release returns the estimate. Reservations that are never settled
// are reclaimed by SweepStale.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/errs"
	"github.com/Aryan1718/enterprise-rag-platform/internal/metrics"
	"github.com/Aryan1718/enterprise-rag-platform/pkg/retry"
)

// Sources label what a reservation or charge pays for.
const (
	SourceIngest = "ingest"
	SourceQuery  = "query"
)

// Reservation is the token returned by Reserve. It settles exactly once:
// the first Commit or Release applies, later calls are no-ops.
type Reservation struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	// Date is the UTC day the tokens were taken from. Settlement always
	// applies to this day, even after midnight.
	Date   time.Time
	Amount int64
	Source string

	settled atomic.Bool
}

// Settled reports whether the reservation was committed or released.
func (r *Reservation) Settled() bool {
	return r.settled.Load()
}

// Status is a read-only view of today's ledger row.
type Status struct {
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Ledger enforces the daily token limit per workspace.
type Ledger struct {
	store  Store
	limit  int64
	now    func() time.Time
	logger *slog.Logger
	policy retry.Policy
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithRetryPolicy overrides the policy used for store calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// NewLedger creates a ledger with the given daily limit.
func NewLedger(store Store, dailyLimit int64, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		limit:  dailyLimit,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "budget_ledger")
	if l.policy.Retryable == nil {
		l.policy = errs.RetryPolicy("ledger", l.logger)
	}
	return l
}

// Limit returns the daily token limit.
func (l *Ledger) Limit() int64 { return l.limit }

// Reserve takes amount tokens out of today's budget. It fails with a
// *errs.BudgetExceededError, without mutating anything, when
// used + reserved + amount would exceed the limit.
func (l *Ledger) Reserve(ctx context.Context, workspaceID uuid.UUID, amount int64, source string) (*Reservation, error) {
	if amount < 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "reservation amount must be non-negative, got %d", amount)
	}

	now := l.now()
	day := Day(now)

	err := retry.Do(ctx, l.named("ledger.reserve"), func(ctx context.Context) error {
		_, err := l.store.Mutate(ctx, workspaceID, day, func(u *Usage) error {
			if u.Used+u.Reserved+amount > l.limit {
				return &errs.BudgetExceededError{
					Used:      u.Used,
					Reserved:  u.Reserved,
					Limit:     l.limit,
					Requested: amount,
					ResetsAt:  NextReset(now),
				}
			}
			u.Reserved += amount
			return nil
		})
		return err
	})
	if err != nil {
		if errors.Is(err, errs.ErrBudgetExceeded) {
			metrics.BudgetReservations.WithLabelValues("rejected").Inc()
			l.logger.Info("reservation rejected",
				"workspace_id", workspaceID,
				"source", source,
				"requested", amount,
				"error", err,
			)
			return nil, err
		}
		metrics.BudgetReservations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to reserve tokens: %w", err)
	}

	metrics.BudgetReservations.WithLabelValues("granted").Inc()
	r := &Reservation{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Date:        day,
		Amount:      amount,
		Source:      source,
	}
	l.logger.Debug("tokens reserved",
		"workspace_id", workspaceID,
		"reservation_id", r.ID,
		"source", source,
		"amount", amount,
	)
	return r, nil
}

// Release returns an unused reservation to the pool. Reserved never goes
// below zero; a release larger than the row's reservation is clamped and
// logged as a ledger anomaly. Releasing a settled reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.settled.CompareAndSwap(false, true) {
		return nil
	}

	var clamped int64
	err := retry.Do(ctx, l.named("ledger.release"), func(ctx context.Context) error {
		clamped = 0
		_, err := l.store.Mutate(ctx, r.WorkspaceID, r.Date, func(u *Usage) error {
			clamped = subtractReserved(u, r.Amount)
			return nil
		})
		return err
	})
	if err != nil {
		r.settled.Store(false)
		return fmt.Errorf("failed to release reservation %s: %w", r.ID, err)
	}

	if clamped > 0 {
		l.anomaly("release", r, clamped)
	}
	l.logger.Debug("reservation released",
		"workspace_id", r.WorkspaceID,
		"reservation_id", r.ID,
		"amount", r.Amount,
	)
	return nil
}

// Commit settles a reservation with the real cost: reserved drops by the
// reserved amount and used grows by actual, in one transaction. The limit is
// not re-checked; overage from an underestimate is accepted and logged.
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actual int64) error {
	if actual < 0 {
		return errs.Validation(errs.CodeInvalidAmount, "committed amount must be non-negative, got %d", actual)
	}
	if r == nil || !r.settled.CompareAndSwap(false, true) {
		return nil
	}

	var (
		clamped int64
		after   Usage
	)
	err := retry.Do(ctx, l.named("ledger.commit"), func(ctx context.Context) error {
		clamped = 0
		u, err := l.store.Mutate(ctx, r.WorkspaceID, r.Date, func(u *Usage) error {
			clamped = subtractReserved(u, r.Amount)
			u.Used += actual
			return nil
		})
		after = u
		return err
	})
	if err != nil {
		r.settled.Store(false)
		return fmt.Errorf("failed to commit reservation %s: %w", r.ID, err)
	}

	metrics.BudgetTokensCommitted.WithLabelValues(r.Source).Add(float64(actual))
	if clamped > 0 {
		l.anomaly("commit", r, clamped)
	}
	if actual > r.Amount {
		l.logger.Warn("commit exceeded reservation",
			"workspace_id", r.WorkspaceID,
			"reservation_id", r.ID,
			"source", r.Source,
			"reserved", r.Amount,
			"actual", actual,
			"overage", actual-r.Amount,
			"tokens_used", after.Used,
			"limit", l.limit,
		)
	}
	l.logger.Debug("reservation committed",
		"workspace_id", r.WorkspaceID,
		"reservation_id", r.ID,
		"reserved", r.Amount,
		"actual", actual,
	)
	return nil
}

// Charge records tokens that were already spent without a reservation, such
// as a query embedding whose follow-up reservation was rejected. Like Commit
// it never checks the limit.
func (l *Ledger) Charge(ctx context.Context, workspaceID uuid.UUID, amount int64, source string) error {
	if amount < 0 {
		return errs.Validation(errs.CodeInvalidAmount, "charged amount must be non-negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}

	err := retry.Do(ctx, l.named("ledger.charge"), func(ctx context.Context) error {
		_, err := l.store.Mutate(ctx, workspaceID, Day(l.now()), func(u *Usage) error {
			u.Used += amount
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to charge tokens: %w", err)
	}

	metrics.BudgetTokensCommitted.WithLabelValues(source).Add(float64(amount))
	l.logger.Info("tokens charged without reservation",
		"workspace_id", workspaceID,
		"source", source,
		"amount", amount,
	)
	return nil
}

// Status reads today's row without locking or creating it.
func (l *Ledger) Status(ctx context.Context, workspaceID uuid.UUID) (Status, error) {
	now := l.now()
	u, err := l.store.Get(ctx, workspaceID, Day(now))
	if err != nil {
		return Status{}, fmt.Errorf("failed to read usage: %w", err)
	}
	return Status{
		Used:      u.Used,
		Reserved:  u.Reserved,
		Limit:     l.limit,
		Remaining: max(0, l.limit-u.Used-u.Reserved),
		ResetsAt:  NextReset(now),
	}, nil
}

// SweepStale zeroes reservations on rows that have not been touched for
// staleAfter and logs every released amount.
func (l *Ledger) SweepStale(ctx context.Context, staleAfter time.Duration) ([]SweptRow, error) {
	if staleAfter <= 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "stale window must be positive, got %s", staleAfter)
	}

	rows, err := l.store.SweepStale(ctx, l.now().Add(-staleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale reservations: %w", err)
	}

	for _, row := range rows {
		metrics.BudgetTokensSwept.Add(float64(row.Released))
		l.logger.Warn("stale reservation released",
			"workspace_id", row.WorkspaceID,
			"date", row.Date.Format(time.DateOnly),
			"amount_released", row.Released,
		)
	}
	return rows, nil
}

func (l *Ledger) named(name string) retry.Policy {
	p := l.policy
	p.Name = name
	return p
}

func (l *Ledger) anomaly(op string, r *Reservation, clamped int64) {
	metrics.LedgerAnomalies.Inc()
	l.logger.Error("ledger anomaly: reserved would go negative",
		"error", errs.ErrLedgerAnomaly,
		"op", op,
		"workspace_id", r.WorkspaceID,
		"date", r.Date.Format(time.DateOnly),
		"reservation_id", r.ID,
		"amount", r.Amount,
		"clamped", clamped,
	)
}

// subtractReserved lowers u.Reserved by amount, clamping at zero. It returns
// how much could not be subtracted.
func subtractReserved(u *Usage, amount int64) int64 {
	if u.Reserved >= amount {
		u.Reserved -= amount
		return 0
	}
	short := amount - u.Reserved
	u.Reserved = 0
	return short
}
