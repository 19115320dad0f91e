package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Aryan1718/enterprise-rag-platform/internal/storage"
)

// PostgresStore keeps ledger rows in workspace_daily_usage and serializes
// mutation with SELECT ... FOR UPDATE on the single row.
type PostgresStore struct {
	db *storage.PostgresDB
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *storage.PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Mutate implements Store. The row lock is held only for the read, fn and
// the write of this one transaction.
func (s *PostgresStore) Mutate(ctx context.Context, workspaceID uuid.UUID, day time.Time, fn func(u *Usage) error) (Usage, error) {
	date := Day(day).Format(time.DateOnly)
	var out Usage

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_daily_usage (workspace_id, date)
			VALUES ($1, $2::date)
			ON CONFLICT (workspace_id, date) DO NOTHING`,
			workspaceID, date,
		); err != nil {
			return fmt.Errorf("failed to create usage row: %w", err)
		}

		u := Usage{WorkspaceID: workspaceID, Date: Day(day)}
		if err := tx.QueryRowContext(ctx, `
			SELECT tokens_used, tokens_reserved, updated_at
			FROM workspace_daily_usage
			WHERE workspace_id = $1 AND date = $2::date
			FOR UPDATE`,
			workspaceID, date,
		).Scan(&u.Used, &u.Reserved, &u.UpdatedAt); err != nil {
			return fmt.Errorf("failed to lock usage row: %w", err)
		}

		if err := fn(&u); err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx, `
			UPDATE workspace_daily_usage
			SET tokens_used = $3, tokens_reserved = $4, updated_at = NOW()
			WHERE workspace_id = $1 AND date = $2::date
			RETURNING updated_at`,
			workspaceID, date, u.Used, u.Reserved,
		).Scan(&u.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update usage row: %w", err)
		}

		out = u
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	return out, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, workspaceID uuid.UUID, day time.Time) (Usage, error) {
	u := Usage{WorkspaceID: workspaceID, Date: Day(day)}
	err := s.db.QueryRowContext(ctx, `
		SELECT tokens_used, tokens_reserved, updated_at
		FROM workspace_daily_usage
		WHERE workspace_id = $1 AND date = $2::date`,
		workspaceID, Day(day).Format(time.DateOnly),
	).Scan(&u.Used, &u.Reserved, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read usage row: %w", err)
	}
	return u, nil
}

// SweepStale implements Store. Rows currently locked by a Mutate are skipped;
// they are in active use and not stale.
func (s *PostgresStore) SweepStale(ctx context.Context, cutoff time.Time) ([]SweptRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH stale AS (
			SELECT workspace_id, date, tokens_reserved
			FROM workspace_daily_usage
			WHERE tokens_reserved > 0 AND updated_at < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workspace_daily_usage u
		SET tokens_reserved = 0, updated_at = NOW()
		FROM stale
		WHERE u.workspace_id = stale.workspace_id AND u.date = stale.date
		RETURNING u.workspace_id, to_char(u.date, 'YYYY-MM-DD'), stale.tokens_reserved`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale reservations: %w", err)
	}
	defer rows.Close()

	var swept []SweptRow
	for rows.Next() {
		var r SweptRow
		var date string
		if err := rows.Scan(&r.WorkspaceID, &date, &r.Released); err != nil {
			return nil, fmt.Errorf("failed to scan swept row: %w", err)
		}
		if r.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("failed to parse swept date %q: %w", date, err)
		}
		swept = append(swept, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating swept rows: %w", err)
	}
	return swept, nil
}
