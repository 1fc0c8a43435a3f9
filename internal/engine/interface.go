/*

This file defines the dependency interfaces the engine is assembled from.
The concrete implementations live in datafetcher, state and healthcheck;
tests substitute in-memory fakes.

*/

package engine

import (
	"context"
	"time"

	"github.com/deltalend/incentives/internal/types"
)

// LedgerSource enumerates accounts and reads their state from the ledger.
type LedgerSource interface {
	LatestBlockReference(ctx context.Context) (types.BlockReference, error)
	FetchAllAccounts(ctx context.Context) ([]types.Account, error)
	FetchAccountStates(ctx context.Context, accounts []types.Account, ref types.BlockReference) ([]types.AccountState, error)
}

// PriceSource captures one price snapshot per run.
type PriceSource interface {
	FetchPriceSnapshot(ctx context.Context, symbols []string) (types.PriceSnapshot, error)
}

// AllocationStore persists allocation records and answers window sums.
type AllocationStore interface {
	PutRecord(ctx context.Context, rec types.AllocationRecord) error
	MergeTotal(ctx context.Context, rec types.AllocationRecord) error
	SumWindow(ctx context.Context, program string, windowStart, windowEnd time.Time) (float64, error)
}

// CheckpointStore tracks per-program run progress.
type CheckpointStore interface {
	Get(ctx context.Context, program string) (*types.Checkpoint, error)
	Advance(ctx context.Context, program string, intervalAt time.Time) error
}

// RunStore persists run summaries.
type RunStore interface {
	SaveRunSummary(ctx context.Context, summary types.RunSummary) (int64, error)
}

// HealthNotifier signals run outcomes to an external monitor.
type HealthNotifier interface {
	NotifySuccess()
	NotifyFailure(payload map[string]any)
}
