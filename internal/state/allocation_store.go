/*

This file contains the allocation persistence layer.

Snapshot-mode programs keep one row per (program, account, interval) and a
retried run overwrites its own rows. Cumulative-mode programs additionally
fold each run into a per-account running total; that merge is guarded by
last_interval_at so replaying the same interval is a no-op rather than a
double-count.

*/

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltalend/incentives/internal/types"
)

// AllocationStore persists allocation records and cumulative totals.
type AllocationStore struct{}

// PutRecord upserts one snapshot allocation record. Re-running the same
// (program, account, interval) replaces the amount instead of duplicating it.
func (AllocationStore) PutRecord(ctx context.Context, rec types.AllocationRecord) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO allocation_records (program, account, interval_at, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (program, account, interval_at)
		DO UPDATE SET amount = EXCLUDED.amount;
	`
	_, err := DB.ExecContext(ctx, query, rec.Program, string(rec.Account), rec.IntervalAt, rec.Amount)
	if err != nil {
		return fmt.Errorf("failed to upsert allocation record: %w", err)
	}

	return nil
}

// MergeTotal folds one allocation into the account's running total. The
// last_interval_at guard makes the merge idempotent: a record whose interval
// is not strictly newer than the stored one leaves the total untouched.
func (AllocationStore) MergeTotal(ctx context.Context, rec types.AllocationRecord) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO allocation_totals (program, account, total, last_interval_at, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (program, account)
		DO UPDATE SET
			total = allocation_totals.total + EXCLUDED.total,
			last_interval_at = EXCLUDED.last_interval_at,
			updated_at = CURRENT_TIMESTAMP
		WHERE allocation_totals.last_interval_at < EXCLUDED.last_interval_at;
	`
	_, err := DB.ExecContext(ctx, query, rec.Program, string(rec.Account), rec.Amount, rec.IntervalAt)
	if err != nil {
		return fmt.Errorf("failed to merge allocation total: %w", err)
	}

	return nil
}

// SumWindow returns the total amount allocated by a program across all
// records whose interval falls inside [windowStart, windowEnd].
func (AllocationStore) SumWindow(ctx context.Context, program string, windowStart, windowEnd time.Time) (float64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM allocation_records
		WHERE program = $1 AND interval_at >= $2 AND interval_at <= $3;
	`
	var sum float64
	err := DB.QueryRowContext(ctx, query, program, windowStart, windowEnd).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum allocation window: %w", err)
	}

	return sum, nil
}

// AccountTotal returns the cumulative total for one account, zero if the
// account has never been allocated to.
func (AllocationStore) AccountTotal(ctx context.Context, program string, account types.Account) (float64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT COALESCE(
			(SELECT total FROM allocation_totals WHERE program = $1 AND account = $2), 0
		);
	`
	var total float64
	err := DB.QueryRowContext(ctx, query, program, string(account)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to read account total: %w", err)
	}

	return total, nil
}

// ProgramTotals returns the cumulative totals of every account in a
// program, most-rewarded first, capped at limit rows.
func (AllocationStore) ProgramTotals(ctx context.Context, program string, limit int) (map[types.Account]float64, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT account, total
		FROM allocation_totals
		WHERE program = $1
		ORDER BY total DESC
		LIMIT $2;
	`
	rows, err := DB.QueryContext(ctx, query, program, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query program totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[types.Account]float64)
	for rows.Next() {
		var account string
		var total float64
		if err := rows.Scan(&account, &total); err != nil {
			return nil, fmt.Errorf("failed to scan program total row: %w", err)
		}
		totals[types.Account(account)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating program totals: %w", err)
	}

	log.Debug().Str("program", program).Int("accounts", len(totals)).Msg("Loaded program totals")
	return totals, nil
}
