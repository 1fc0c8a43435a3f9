package reconciler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckFlagsUnderAllocation(t *testing.T) {
	// Only 6 tokens observed against an expected 65.41666 per hour.
	result := Check(6, 65.41666, 0.01)

	require.False(t, result.Healthy)
	require.InDelta(t, 59.41666, result.Diff, 1e-5)
	require.Equal(t, 0, result.Multiplier)
}

func TestCheckHealthyAtExpectedRate(t *testing.T) {
	result := Check(65.41666, 65.41666, 0.01)

	require.True(t, result.Healthy)
	require.InDelta(t, 0, result.Diff, 1e-9)
	require.Equal(t, 1, result.Multiplier)
}

func TestCheckAbsorbsCaughtUpIntervals(t *testing.T) {
	// Three hours worth of allocations landed in the window after a stall.
	result := Check(3*65.41666, 65.41666, 0.01)

	require.True(t, result.Healthy)
	require.Equal(t, 3, result.Multiplier)
	require.InDelta(t, 0, result.Diff, 1e-9)
}

func TestCheckFlagsOverAllocation(t *testing.T) {
	// Half an extra hour cannot be explained by an integer multiplier.
	result := Check(1.5*100, 100, 0.01)

	require.False(t, result.Healthy)
	require.Equal(t, 2, result.Multiplier)
	require.InDelta(t, 25, result.Diff, 1e-9)
}

func TestCheckDiffJustBelowThresholdIsHealthy(t *testing.T) {
	result := Check(100.0099, 100, 0.01)
	require.True(t, result.Healthy)

	// At the threshold the check flips to unhealthy.
	atThreshold := Check(100.01, 100, 0.01)
	require.False(t, atThreshold.Healthy)
}
