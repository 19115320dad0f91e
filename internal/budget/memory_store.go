package budget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type rowKey struct {
	workspaceID uuid.UUID
	date        string
}

// MemoryStore keeps ledger rows in process memory. One mutex serializes every
// row, which satisfies the per-row exclusivity Store requires. Used by tests
// and the single-process CLI.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[rowKey]*Usage
	now  func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{rows: make(map[rowKey]*Usage), now: now}
}

func key(workspaceID uuid.UUID, day time.Time) rowKey {
	return rowKey{workspaceID: workspaceID, date: Day(day).Format(time.DateOnly)}
}

// Mutate implements Store.
func (s *MemoryStore) Mutate(ctx context.Context, workspaceID uuid.UUID, day time.Time, fn func(u *Usage) error) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(workspaceID, day)
	cur, ok := s.rows[k]
	if !ok {
		cur = &Usage{WorkspaceID: workspaceID, Date: Day(day)}
	}

	next := *cur
	if err := fn(&next); err != nil {
		return Usage{}, err
	}
	next.UpdatedAt = s.now()
	s.rows[k] = &next
	return next, nil
}

// Get implements Store. A missing row reads as zero usage.
func (s *MemoryStore) Get(ctx context.Context, workspaceID uuid.UUID, day time.Time) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.rows[key(workspaceID, day)]; ok {
		return *cur, nil
	}
	return Usage{WorkspaceID: workspaceID, Date: Day(day)}, nil
}

// SweepStale implements Store.
func (s *MemoryStore) SweepStale(ctx context.Context, cutoff time.Time) ([]SweptRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []SweptRow
	for _, row := range s.rows {
		if row.Reserved <= 0 || !row.UpdatedAt.Before(cutoff) {
			continue
		}
		swept = append(swept, SweptRow{WorkspaceID: row.WorkspaceID, Date: row.Date, Released: row.Reserved})
		row.Reserved = 0
		row.UpdatedAt = s.now()
	}

	sort.Slice(swept, func(i, j int) bool {
		if !swept[i].Date.Equal(swept[j].Date) {
			return swept[i].Date.Before(swept[j].Date)
		}
		return swept[i].WorkspaceID.String() < swept[j].WorkspaceID.String()
	})
	return swept, nil
}
