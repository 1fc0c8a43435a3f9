/*

This file manages the per-program checkpoint. The checkpoint is advanced
only after every allocation write of a run has landed, so a crash mid-run
leaves it behind and the next run replays the interval idempotently.

*/

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltalend/incentives/internal/types"
)

// CheckpointStore reads and advances per-program checkpoints.
type CheckpointStore struct{}

// Get returns the program's checkpoint, or nil when the program has never
// completed a run.
func (CheckpointStore) Get(ctx context.Context, program string) (*types.Checkpoint, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `SELECT last_interval_at, updated_at FROM checkpoints WHERE program = $1;`

	var cp types.Checkpoint
	cp.Program = program
	err := DB.QueryRowContext(ctx, query, program).Scan(&cp.LastIntervalAt, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	return &cp, nil
}

// Advance moves the program's checkpoint forward to intervalAt. The guard
// keeps the checkpoint monotonic: a stale run re-executing an old interval
// cannot move it backwards.
func (CheckpointStore) Advance(ctx context.Context, program string, intervalAt time.Time) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO checkpoints (program, last_interval_at, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (program)
		DO UPDATE SET
			last_interval_at = EXCLUDED.last_interval_at,
			updated_at = CURRENT_TIMESTAMP
		WHERE checkpoints.last_interval_at < EXCLUDED.last_interval_at;
	`
	_, err := DB.ExecContext(ctx, query, program, intervalAt)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	log.Debug().
		Str("program", program).
		Time("interval_at", intervalAt).
		Msg("Checkpoint advanced")

	return nil
}
