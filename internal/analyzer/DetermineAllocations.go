/*

This file contains the proportional budget allocator, the interval budget
computation and the pending-boundary derivation that keys every persisted
record.

The allocator splits a fixed interval budget across accounts in proportion
to their weights. The split conserves the budget: after the proportional
pass the amounts are renormalized if floating-point error pushed their sum
off the budget. A population with zero total weight yields no allocations
at all, and the unspent budget simply stays unspent.

*/

package analyzer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/deltalend/incentives/internal/types"
)

var ErrInvalidWeight = errors.New("weight is invalid")

// relativeTolerance bounds the acceptable drift between the allocated sum
// and the budget before renormalization kicks in.
const relativeTolerance = 1e-9

// PendingIntervals returns the interval boundaries due at now, oldest
// first. With no checkpoint exactly the current epoch-aligned boundary is
// due; otherwise every whole interval elapsed since the checkpoint is due,
// so a stalled pipeline pays out the missed intervals on its next run.
//
// The boundaries depend only on the checkpoint and the interval length,
// never on the wall clock of the attempt, so a run retried after a crash
// rebuilds the identical record keys and overwrites the aborted run's rows
// instead of duplicating them.
func PendingIntervals(checkpoint *types.Checkpoint, now time.Time, interval time.Duration) []time.Time {
	if checkpoint == nil {
		return []time.Time{now.Truncate(interval)}
	}

	var due []time.Time
	for b := checkpoint.LastIntervalAt.Add(interval); !b.After(now); b = b.Add(interval) {
		due = append(due, b)
	}
	return due
}

// ComputeIntervalBudget converts the program emission rate into the budget
// for a single interval.
func ComputeIntervalBudget(ratePerPeriod float64, periodSeconds, intervalSeconds int64) float64 {
	return ratePerPeriod / float64(periodSeconds) * float64(intervalSeconds)
}

// DetermineAllocations splits budget across accounts proportionally to
// their weights. Zero-weight accounts receive exactly zero; zero total
// weight returns an empty map and leaves the budget unconsumed.
func DetermineAllocations(weights map[types.Account]float64, budget float64) (map[types.Account]float64, error) {
	if budget < 0 || math.IsNaN(budget) || math.IsInf(budget, 0) {
		return nil, fmt.Errorf("budget is invalid: %f", budget)
	}

	totalWeight := 0.0
	for account, weight := range weights {
		if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return nil, fmt.Errorf("%w: account %s has weight %f", ErrInvalidWeight, account, weight)
		}
		totalWeight += weight
	}

	if totalWeight == 0 {
		return map[types.Account]float64{}, nil
	}

	allocations := make(map[types.Account]float64, len(weights))
	allocated := 0.0
	for account, weight := range weights {
		amount := budget * (weight / totalWeight)
		allocations[account] = amount
		allocated += amount
	}

	// Renormalize if accumulated rounding drifted the sum off the budget.
	if budget > 0 && math.Abs(allocated-budget)/budget > relativeTolerance {
		scale := budget / allocated
		for account := range allocations {
			allocations[account] *= scale
		}
	}

	return allocations, nil
}
