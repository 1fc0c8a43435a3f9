/*

This file contains the types for reward allocations, checkpoints and the
per-run summary persisted for observability.

*/

package types

import "time"

// AllocationRecord is one account's share of one interval's reward budget.
// For a run with total weight > 0 the amounts over all accounts sum to the
// interval budget within floating-point tolerance.
type AllocationRecord struct {
	Program    string    `json:"program"`
	Account    Account   `json:"account"`
	IntervalAt time.Time `json:"interval_at"`
	Amount     float64   `json:"amount"`
}

// Checkpoint marks the last successfully completed interval of a program.
// It is advanced exactly once per successful run, at the very end, and is
// the sole durable proof that a run happened.
type Checkpoint struct {
	Program        string    `json:"program"`
	LastIntervalAt time.Time `json:"last_interval_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Run status values recorded in run summaries.
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusNoOp      = "no_op" // zero total weight, nothing written
)

// RunSummary is the persisted outcome of one pipeline run.
type RunSummary struct {
	SummaryID      int64     `json:"summary_id,omitempty"`
	RunID          string    `json:"run_id"`
	Program        string    `json:"program"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	IntervalAt     time.Time `json:"interval_at"`
	AccountCount   int       `json:"account_count"`
	EligibleCount  int       `json:"eligible_count"` // accounts with weight > 0
	TotalWeight    float64   `json:"total_weight"`
	Budget         float64   `json:"budget"`
	TotalAllocated float64   `json:"total_allocated"`
	Status         string    `json:"status"`
	ReconcileDiff  float64   `json:"reconcile_diff"`
	Healthy        bool      `json:"healthy"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}
