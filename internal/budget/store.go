package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Usage is one (workspace, UTC day) ledger row.
type Usage struct {
	WorkspaceID uuid.UUID
	Date        time.Time
	Used        int64
	Reserved    int64
	UpdatedAt   time.Time
}

// SweptRow records a stale reservation total that the sweep returned to the pool.
type SweptRow struct {
	WorkspaceID uuid.UUID
	Date        time.Time
	Released    int64
}

// Store is the row storage behind the Ledger.
//
// Mutate runs fn on the (workspaceID, day) row while holding an exclusive
// lock on that row, creating it with zero counters if absent. When fn
// returns an error nothing is written, not even the lazily created row.
// Every successful Mutate refreshes UpdatedAt.
//
// SweepStale zeroes tokens_reserved on every row with reserved > 0 whose
// UpdatedAt is before cutoff and reports the amounts released. Rows are
// locked one at a time, so it is safe to run alongside Mutate and itself.
type Store interface {
	Mutate(ctx context.Context, workspaceID uuid.UUID, day time.Time, fn func(u *Usage) error) (Usage, error)
	Get(ctx context.Context, workspaceID uuid.UUID, day time.Time) (Usage, error)
	SweepStale(ctx context.Context, cutoff time.Time) ([]SweptRow, error)
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextReset is the UTC midnight following t.
func NextReset(t time.Time) time.Time {
	return Day(t).AddDate(0, 0, 1)
}
