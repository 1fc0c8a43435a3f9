package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/deltalend/incentives/internal/config"
	"github.com/deltalend/incentives/internal/types"
)

// --- In-memory fakes ---

type fakeLedger struct {
	accounts  []types.Account
	states    map[types.Account]types.AccountState
	statesErr error
}

func (f *fakeLedger) LatestBlockReference(context.Context) (types.BlockReference, error) {
	return types.BlockReference{Height: 100, TimestampMs: 1}, nil
}

func (f *fakeLedger) FetchAllAccounts(context.Context) ([]types.Account, error) {
	return f.accounts, nil
}

func (f *fakeLedger) FetchAccountStates(_ context.Context, accounts []types.Account, ref types.BlockReference) ([]types.AccountState, error) {
	if f.statesErr != nil {
		return nil, f.statesErr
	}
	states := make([]types.AccountState, 0, len(accounts))
	for _, a := range accounts {
		s := f.states[a]
		s.Account = a
		s.Ref = ref
		states = append(states, s)
	}
	return states, nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) FetchPriceSnapshot(_ context.Context, symbols []string) (types.PriceSnapshot, error) {
	return types.PriceSnapshot{Prices: f.prices, CapturedAt: time.Now()}, nil
}

type fakeStore struct {
	mu            sync.Mutex
	records       map[string]float64 // key: account|interval -> amount
	totals        map[types.Account]float64
	lastIntervals map[types.Account]time.Time
	putErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:       make(map[string]float64),
		totals:        make(map[types.Account]float64),
		lastIntervals: make(map[types.Account]time.Time),
	}
}

func recKey(rec types.AllocationRecord) string {
	return fmt.Sprintf("%s|%d", rec.Account, rec.IntervalAt.UnixNano())
}

func (f *fakeStore) PutRecord(_ context.Context, rec types.AllocationRecord) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[recKey(rec)] = rec.Amount
	return nil
}

func (f *fakeStore) MergeTotal(_ context.Context, rec types.AllocationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.lastIntervals[rec.Account]; ok && !rec.IntervalAt.After(last) {
		return nil // same interval replayed, guarded merge is a no-op
	}
	f.totals[rec.Account] += rec.Amount
	f.lastIntervals[rec.Account] = rec.IntervalAt
	return nil
}

func (f *fakeStore) SumWindow(context.Context, string, time.Time, time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0.0
	for _, amount := range f.records {
		sum += amount
	}
	return sum, nil
}

func (f *fakeStore) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeStore) sum() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := 0.0
	for _, amount := range f.records {
		s += amount
	}
	return s
}

func (f *fakeStore) record(account types.Account, intervalAt time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[fmt.Sprintf("%s|%d", account, intervalAt.UnixNano())]
}

type fakeCheckpoints struct {
	cp         *types.Checkpoint
	advanced   []time.Time
	advanceErr error
}

func (f *fakeCheckpoints) Get(context.Context, string) (*types.Checkpoint, error) {
	return f.cp, nil
}

func (f *fakeCheckpoints) Advance(_ context.Context, program string, intervalAt time.Time) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advanced = append(f.advanced, intervalAt)
	f.cp = &types.Checkpoint{Program: program, LastIntervalAt: intervalAt, UpdatedAt: intervalAt}
	return nil
}

type fakeRuns struct {
	saved []types.RunSummary
}

func (f *fakeRuns) SaveRunSummary(_ context.Context, summary types.RunSummary) (int64, error) {
	f.saved = append(f.saved, summary)
	return int64(len(f.saved)), nil
}

type fakeNotifier struct {
	successes int
	failures  []map[string]any
}

func (f *fakeNotifier) NotifySuccess() { f.successes++ }
func (f *fakeNotifier) NotifyFailure(payload map[string]any) {
	f.failures = append(f.failures, payload)
}

// --- Fixture ---

type fixture struct {
	engine      *Engine
	ledger      *fakeLedger
	store       *fakeStore
	checkpoints *fakeCheckpoints
	runs        *fakeRuns
	notifier    *fakeNotifier
	now         time.Time
}

// newFixture wires an engine paying 600 tokens per hour in 10-minute
// intervals, so a fresh run has a budget of exactly 100.
func newFixture(t *testing.T, program config.Program) *fixture {
	t.Helper()

	f := &fixture{
		ledger: &fakeLedger{
			accounts: []types.Account{"alice", "bob", "carol"},
			states: map[types.Account]types.AccountState{
				// exposure 10, collateral 10 -> weight 0
				"alice": accountState(10, 10),
				// exposure 50 -> weight 50
				"bob": accountState(50, 0),
				// exposure 150 -> weight 150
				"carol": accountState(150, 0),
			},
		},
		store:       newFakeStore(),
		checkpoints: &fakeCheckpoints{},
		runs:        &fakeRuns{},
		notifier:    &fakeNotifier{},
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	eng, err := New(Config{
		Program:     program,
		Ledger:      f.ledger,
		Prices:      &fakePrices{prices: map[string]float64{"TKN": 1.0}},
		Store:       f.store,
		Checkpoints: f.checkpoints,
		Runs:        f.runs,
		Notifier:    f.notifier,
	})
	require.NoError(t, err)

	eng.now = func() time.Time { return f.now }
	f.engine = eng
	return f
}

func accountState(exposure, collateral int64) types.AccountState {
	return types.AccountState{
		CollateralValueUSD: float64(collateral),
		Balances: []types.AssetBalance{
			{Symbol: "TKN", RawAmount: sdkmath.NewInt(exposure), Decimals: 0},
		},
	}
}

func testProgram() config.Program {
	return config.Program{
		Name:                 "borrow-tkn",
		Role:                 config.RoleBorrower,
		RatePerPeriod:        600,
		PeriodSeconds:        3600,
		IntervalSeconds:      600,
		StoreMode:            config.StoreModeSnapshot,
		StoreTimeoutSeconds:  1,
		ReconcileWindowHours: 24,
		// Wide enough that a single cold-start run does not trip the check;
		// the reconciliation test narrows it explicitly.
		ReconcileThreshold: 1000,
		Assets:             []config.Asset{{Symbol: "TKN", Address: "tkn", Decimals: 0}},
	}
}

// --- Tests ---

func TestRunCycleAllocatesProportionally(t *testing.T) {
	f := newFixture(t, testProgram())

	require.NoError(t, f.engine.RunCycle(context.Background()))

	// Weights [0, 50, 150] against a budget of 100 -> [0, 25, 75].
	require.Equal(t, 0.0, f.store.record("alice", f.now))
	require.InDelta(t, 25.0, f.store.record("bob", f.now), 1e-9)
	require.InDelta(t, 75.0, f.store.record("carol", f.now), 1e-9)

	require.LessOrEqual(t, math.Abs(f.store.sum()-100.0)/100.0, 1e-9, "allocations must conserve the budget")

	require.Len(t, f.checkpoints.advanced, 1)
	require.Equal(t, f.now, f.checkpoints.advanced[0])

	require.Len(t, f.runs.saved, 1)
	summary := f.runs.saved[0]
	require.Equal(t, types.RunStatusCompleted, summary.Status)
	require.Equal(t, 3, summary.AccountCount)
	require.Equal(t, 2, summary.EligibleCount)
	require.InDelta(t, 200.0, summary.TotalWeight, 1e-9)
	require.Equal(t, 1, f.notifier.successes)
}

func TestRunCycleRerunOfSameIntervalIsIdempotent(t *testing.T) {
	f := newFixture(t, testProgram())

	require.NoError(t, f.engine.RunCycle(context.Background()))
	recordsAfterFirst := f.store.recordCount()

	// The clock has not moved: the checkpoint now equals the run time, so a
	// replay pays nothing and writes nothing new.
	require.NoError(t, f.engine.RunCycle(context.Background()))

	require.Equal(t, recordsAfterFirst, f.store.recordCount())
	require.Equal(t, types.RunStatusNoOp, f.runs.saved[1].Status)
	require.InDelta(t, 100.0, f.store.sum(), 1e-6, "replay must not double-count")
}

func TestRunCycleReplayAfterCrashedCheckpointOverwrites(t *testing.T) {
	f := newFixture(t, testProgram())
	f.checkpoints.cp = &types.Checkpoint{
		Program:        "borrow-tkn",
		LastIntervalAt: f.now.Add(-10 * time.Minute),
	}

	// The run's writes land but the checkpoint advance fails, as if the
	// process crashed between the two.
	f.checkpoints.advanceErr = errors.New("connection reset")
	require.Error(t, f.engine.RunCycle(context.Background()))
	require.Equal(t, 3, f.store.recordCount())
	require.InDelta(t, 100.0, f.store.sum(), 1e-9)

	// The clock moves on before the retry. The record keys derive from the
	// un-advanced checkpoint, so the retry rebuilds the aborted interval's
	// boundary, overwrites its rows, and only the newly due interval adds
	// records.
	firstBoundary := f.now
	f.now = f.now.Add(10 * time.Minute)
	f.checkpoints.advanceErr = nil
	require.NoError(t, f.engine.RunCycle(context.Background()))

	require.Equal(t, 6, f.store.recordCount(), "replay must overwrite the aborted interval, not duplicate it")
	require.InDelta(t, 200.0, f.store.sum(), 1e-6, "two intervals due since the checkpoint")
	require.InDelta(t, 25.0, f.store.record("bob", firstBoundary), 1e-9)
	require.InDelta(t, 25.0, f.store.record("bob", f.now), 1e-9)
	require.InDelta(t, 200.0, f.runs.saved[1].Budget, 1e-9)

	require.Len(t, f.checkpoints.advanced, 1)
	require.Equal(t, f.now, f.checkpoints.advanced[0])
}

func TestRunCycleCumulativeReplayDoesNotDoubleMerge(t *testing.T) {
	program := testProgram()
	program.StoreMode = config.StoreModeCumulative
	f := newFixture(t, program)
	f.checkpoints.cp = &types.Checkpoint{
		Program:        "borrow-tkn",
		LastIntervalAt: f.now.Add(-10 * time.Minute),
	}

	f.checkpoints.advanceErr = errors.New("connection reset")
	require.Error(t, f.engine.RunCycle(context.Background()))
	require.InDelta(t, 25.0, f.store.totals["bob"], 1e-9)

	// The retry rebuilds the crashed run's boundary; its merge is guarded
	// off because the stored totals already carry that interval, and only
	// the newly due interval folds in.
	f.now = f.now.Add(10 * time.Minute)
	f.checkpoints.advanceErr = nil
	require.NoError(t, f.engine.RunCycle(context.Background()))

	require.InDelta(t, 50.0, f.store.totals["bob"], 1e-9)
	require.InDelta(t, 150.0, f.store.totals["carol"], 1e-9)
}

func TestRunCycleCatchUpPaysMissedIntervals(t *testing.T) {
	f := newFixture(t, testProgram())

	// Checkpoint 30 minutes behind with a 10-minute interval: three
	// intervals worth of budget are due.
	f.checkpoints.cp = &types.Checkpoint{
		Program:        "borrow-tkn",
		LastIntervalAt: f.now.Add(-30 * time.Minute),
	}

	require.NoError(t, f.engine.RunCycle(context.Background()))

	require.InDelta(t, 300.0, f.runs.saved[0].Budget, 1e-9)
	require.InDelta(t, 300.0, f.runs.saved[0].TotalAllocated, 1e-9)
}

func TestRunCycleFailureLeavesCheckpointBehind(t *testing.T) {
	f := newFixture(t, testProgram())
	f.ledger.statesErr = errors.New("ledger unavailable")

	err := f.engine.RunCycle(context.Background())
	require.Error(t, err)

	require.Empty(t, f.checkpoints.advanced, "a failed run must not advance the checkpoint")
	require.Empty(t, f.store.records)

	require.Len(t, f.runs.saved, 1)
	require.Equal(t, types.RunStatusFailed, f.runs.saved[0].Status)
	require.Contains(t, f.runs.saved[0].ErrorMessage, "ledger unavailable")
	require.Len(t, f.notifier.failures, 1)
}

func TestRunCycleZeroTotalWeightIsNoOp(t *testing.T) {
	f := newFixture(t, testProgram())
	f.ledger.states = map[types.Account]types.AccountState{
		"alice": accountState(10, 10),
		"bob":   accountState(5, 100),
		"carol": accountState(0, 0),
	}

	require.NoError(t, f.engine.RunCycle(context.Background()))

	require.Empty(t, f.store.records, "zero total weight must write nothing")
	require.Equal(t, types.RunStatusNoOp, f.runs.saved[0].Status)
	require.Len(t, f.checkpoints.advanced, 1, "the interval is still consumed")
}

func TestRunCycleEmptyPopulationIsNoOp(t *testing.T) {
	f := newFixture(t, testProgram())
	f.ledger.accounts = nil

	require.NoError(t, f.engine.RunCycle(context.Background()))

	require.Empty(t, f.store.records)
	require.Equal(t, types.RunStatusNoOp, f.runs.saved[0].Status)
}

func TestRunCycleCumulativeModeMergesTotalsOnce(t *testing.T) {
	program := testProgram()
	program.StoreMode = config.StoreModeCumulative
	f := newFixture(t, program)

	require.NoError(t, f.engine.RunCycle(context.Background()))
	require.InDelta(t, 25.0, f.store.totals["bob"], 1e-9)
	require.InDelta(t, 75.0, f.store.totals["carol"], 1e-9)

	// Advance one interval: totals accumulate.
	f.now = f.now.Add(10 * time.Minute)
	require.NoError(t, f.engine.RunCycle(context.Background()))
	require.InDelta(t, 50.0, f.store.totals["bob"], 1e-9)
	require.InDelta(t, 150.0, f.store.totals["carol"], 1e-9)
}

func TestRunCycleUnhealthyReconciliationNotifiesFailure(t *testing.T) {
	program := testProgram()
	// Expect 600/hour; the single 100-token run cannot explain it, so the
	// window check must flag the divergence.
	program.ReconcileThreshold = 0.5
	f := newFixture(t, program)

	require.NoError(t, f.engine.RunCycle(context.Background()))

	summary := f.runs.saved[0]
	require.Equal(t, types.RunStatusCompleted, summary.Status)
	require.False(t, summary.Healthy)
	require.InDelta(t, 500.0, summary.ReconcileDiff, 1e-6)
	require.Len(t, f.notifier.failures, 1)
	require.Equal(t, 0, f.notifier.successes)
}
