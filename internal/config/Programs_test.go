package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validProgramsYAML = `
programs:
  - name: borrow-usdc
    role: borrower
    rate_per_period: 600
    period_seconds: 3600
    interval_seconds: 600
    store_mode: snapshot
    reconcile_threshold: 0.01
    healthcheck_url: https://hc.example.com/ping/abc
    assets:
      - symbol: USDC
        address: asset-usdc
        decimals: 6
      - symbol: ATOM
        address: asset-atom
        decimals: 6
  - name: deposit-atom
    role: depositor
    rate_per_period: 100
    period_seconds: 86400
    interval_seconds: 3600
    store_mode: cumulative
    assets:
      - symbol: ATOM
        address: asset-atom
        decimals: 6
`

func writePrograms(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "programs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadProgramsAppliesDefaults(t *testing.T) {
	programs, err := LoadPrograms(writePrograms(t, validProgramsYAML))
	require.NoError(t, err)
	require.Len(t, programs, 2)

	borrow := programs[0]
	require.Equal(t, "borrow-usdc", borrow.Name)
	require.Equal(t, RoleBorrower, borrow.Role)
	require.Equal(t, StoreModeSnapshot, borrow.StoreMode)
	require.Equal(t, 0.01, borrow.ReconcileThreshold)

	// Tuning fields left unset fall back to defaults.
	require.Equal(t, 1000, borrow.PageSize)
	require.Equal(t, 100, borrow.BatchSize)
	require.Equal(t, 50.0, borrow.RequestsPerSecond)
	require.Equal(t, 60, borrow.FetchTimeoutSeconds)
	require.Equal(t, 24, borrow.ReconcileWindowHours)

	deposit := programs[1]
	require.Equal(t, StoreModeCumulative, deposit.StoreMode)
	require.Equal(t, 1e-6, deposit.ReconcileThreshold)
}

func TestLoadProgramsRejectsBadRole(t *testing.T) {
	yaml := `
programs:
  - name: broken
    role: lender
    rate_per_period: 1
    period_seconds: 3600
    interval_seconds: 600
    store_mode: snapshot
    assets:
      - symbol: X
        address: a
        decimals: 6
`
	_, err := LoadPrograms(writePrograms(t, yaml))
	require.ErrorContains(t, err, "role")
}

func TestLoadProgramsRejectsDuplicateNames(t *testing.T) {
	yaml := `
programs:
  - name: same
    role: borrower
    rate_per_period: 1
    period_seconds: 3600
    interval_seconds: 600
    store_mode: snapshot
    assets:
      - {symbol: X, address: a, decimals: 6}
  - name: same
    role: borrower
    rate_per_period: 1
    period_seconds: 3600
    interval_seconds: 600
    store_mode: snapshot
    assets:
      - {symbol: X, address: a, decimals: 6}
`
	_, err := LoadPrograms(writePrograms(t, yaml))
	require.ErrorContains(t, err, "duplicate program name")
}

func TestLoadProgramsRejectsDuplicateAssetAddress(t *testing.T) {
	yaml := `
programs:
  - name: dup-assets
    role: borrower
    rate_per_period: 1
    period_seconds: 3600
    interval_seconds: 600
    store_mode: snapshot
    assets:
      - {symbol: X, address: a, decimals: 6}
      - {symbol: Y, address: a, decimals: 8}
`
	_, err := LoadPrograms(writePrograms(t, yaml))
	require.ErrorContains(t, err, "duplicate asset address")
}

func TestLoadProgramsRejectsNegativeTuning(t *testing.T) {
	// Negative values skip the zero-value defaults, so validation has to
	// catch them before they reach a limiter or a timeout.
	cases := []struct {
		field string
		line  string
	}{
		{"requests_per_second", "requests_per_second: -5"},
		{"fetch_timeout_seconds", "fetch_timeout_seconds: -1"},
		{"store_timeout_seconds", "store_timeout_seconds: -1"},
		{"reconcile_window_hours", "reconcile_window_hours: -24"},
		{"reconcile_threshold", "reconcile_threshold: -0.01"},
	}

	for _, tc := range cases {
		yaml := `
programs:
  - name: negative-tuning
    role: borrower
    rate_per_period: 1
    period_seconds: 3600
    interval_seconds: 600
    store_mode: snapshot
    ` + tc.line + `
    assets:
      - {symbol: X, address: a, decimals: 6}
`
		_, err := LoadPrograms(writePrograms(t, yaml))
		require.ErrorContains(t, err, tc.field)
	}
}

func TestProgramHelpers(t *testing.T) {
	programs, err := LoadPrograms(writePrograms(t, validProgramsYAML))
	require.NoError(t, err)

	borrow := programs[0]
	byAddr := borrow.AssetByAddress()
	require.Equal(t, "USDC", byAddr["asset-usdc"].Symbol)
	require.Equal(t, 6, byAddr["asset-atom"].Decimals)
	require.ElementsMatch(t, []string{"USDC", "ATOM"}, borrow.Symbols())

	// 600 tokens per 3600s period is 600 per hour.
	require.InDelta(t, 600.0, borrow.ExpectedRatePerHour(), 1e-9)

	// 100 tokens per day is 100/24 per hour.
	require.InDelta(t, 100.0/24.0, programs[1].ExpectedRatePerHour(), 1e-9)
}

func TestLoadProgramsMissingFile(t *testing.T) {
	_, err := LoadPrograms(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "cannot read programs file")
}
