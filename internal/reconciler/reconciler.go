/*

This file contains the independent rate reconciliation check.

The check sums what was actually written to the store over a window and
compares it against the program's expected hourly emission rate. Missed
runs are absorbed by rounding the observed/expected ratio to an integer
multiplier before diffing, so a pipeline that skipped an hour and then
caught up is still judged healthy.

*/

package reconciler

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/deltalend/incentives/internal/logger"
)

// Result is the outcome of one reconciliation check.
type Result struct {
	Healthy     bool
	Diff        float64
	ObservedSum float64
	Multiplier  int
}

var reconcileLogger zerolog.Logger = logger.GetForComponent("reconciler")

// Check compares the observed allocation sum against the expected hourly
// rate. The multiplier absorbs whole missed or caught-up intervals; the
// residual diff against one expected rate decides health.
func Check(observedSum, expectedRatePerHour, threshold float64) Result {
	multiplier := int(math.Round(observedSum / expectedRatePerHour))

	divisor := multiplier
	if divisor < 1 {
		divisor = 1
	}

	diff := math.Abs(observedSum/float64(divisor) - expectedRatePerHour)

	result := Result{
		Healthy:     diff < threshold,
		Diff:        diff,
		ObservedSum: observedSum,
		Multiplier:  multiplier,
	}

	if !result.Healthy {
		reconcileLogger.Warn().
			Float64("observed_sum", observedSum).
			Float64("expected_rate", expectedRatePerHour).
			Float64("diff", diff).
			Int("multiplier", multiplier).
			Msg("Reconciliation check failed: observed allocations diverge from expected rate")
	}

	return result
}
