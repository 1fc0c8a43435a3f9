/*

This file persists run summaries, one row per pipeline run. Summaries are
best-effort operational data consumed by the web API; a failed summary
write never fails the run that produced it.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/deltalend/incentives/internal/types"
)

// RunStore persists and queries run summaries.
type RunStore struct{}

// SaveRunSummary inserts one run summary and returns its id.
func (RunStore) SaveRunSummary(ctx context.Context, summary types.RunSummary) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO run_summaries (
			run_id, program, started_at, finished_at, interval_at,
			account_count, eligible_count, total_weight, budget, total_allocated,
			status, reconcile_diff, healthy, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING summary_id;
	`

	var summaryID int64
	err := DB.QueryRowContext(
		ctx, query,
		summary.RunID, summary.Program, summary.StartedAt, summary.FinishedAt, summary.IntervalAt,
		summary.AccountCount, summary.EligibleCount, summary.TotalWeight, summary.Budget, summary.TotalAllocated,
		summary.Status, summary.ReconcileDiff, summary.Healthy, summary.ErrorMessage,
	).Scan(&summaryID)
	if err != nil {
		return 0, fmt.Errorf("failed to save run summary: %w", err)
	}

	log.Info().
		Int64("summary_id", summaryID).
		Str("run_id", summary.RunID).
		Str("program", summary.Program).
		Str("status", summary.Status).
		Float64("total_allocated", summary.TotalAllocated).
		Msg("Run summary saved to database")

	return summaryID, nil
}

// GetRecentRuns returns the most recent run summaries across all programs.
func (RunStore) GetRecentRuns(ctx context.Context, limit int) ([]types.RunSummary, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT summary_id, run_id, program, started_at, finished_at, interval_at,
			account_count, eligible_count, total_weight, budget, total_allocated,
			status, reconcile_diff, healthy, COALESCE(error_message, '')
		FROM run_summaries
		ORDER BY started_at DESC
		LIMIT $1;
	`
	rows, err := DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	return scanRunSummaries(rows)
}

// GetLatestRun returns the most recent run summary for one program, or nil
// when the program has never run.
func (RunStore) GetLatestRun(ctx context.Context, program string) (*types.RunSummary, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `
		SELECT summary_id, run_id, program, started_at, finished_at, interval_at,
			account_count, eligible_count, total_weight, budget, total_allocated,
			status, reconcile_diff, healthy, COALESCE(error_message, '')
		FROM run_summaries
		WHERE program = $1
		ORDER BY started_at DESC
		LIMIT 1;
	`
	var s types.RunSummary
	err := DB.QueryRowContext(ctx, query, program).Scan(
		&s.SummaryID, &s.RunID, &s.Program, &s.StartedAt, &s.FinishedAt, &s.IntervalAt,
		&s.AccountCount, &s.EligibleCount, &s.TotalWeight, &s.Budget, &s.TotalAllocated,
		&s.Status, &s.ReconcileDiff, &s.Healthy, &s.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest run: %w", err)
	}

	return &s, nil
}

func scanRunSummaries(rows *sql.Rows) ([]types.RunSummary, error) {
	var summaries []types.RunSummary
	for rows.Next() {
		var s types.RunSummary
		err := rows.Scan(
			&s.SummaryID, &s.RunID, &s.Program, &s.StartedAt, &s.FinishedAt, &s.IntervalAt,
			&s.AccountCount, &s.EligibleCount, &s.TotalWeight, &s.Budget, &s.TotalAllocated,
			&s.Status, &s.ReconcileDiff, &s.Healthy, &s.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run summary row: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run summaries: %w", err)
	}
	return summaries, nil
}
