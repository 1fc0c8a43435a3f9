/*

This file contains the incentive allocation engine, the orchestrator that
drives one program's pipeline: enumerate accounts, capture a shared price
snapshot, batch-fetch state at one block reference, weight, allocate the
interval budget, persist, then reconcile the store against the expected
emission rate.

The checkpoint is the last thing a run mutates, and every record key is an
interval boundary derived from it rather than from the attempt's clock. A
crash anywhere before the checkpoint advance leaves it behind, and the next
run rebuilds the same boundaries and overwrites the aborted rows.

*/

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deltalend/incentives/internal/analyzer"
	"github.com/deltalend/incentives/internal/config"
	"github.com/deltalend/incentives/internal/logger"
	"github.com/deltalend/incentives/internal/reconciler"
	"github.com/deltalend/incentives/internal/retry"
	"github.com/deltalend/incentives/internal/types"
)

// Engine runs the allocation pipeline for one program.
type Engine struct {
	logger  zerolog.Logger
	program config.Program

	ledger      LedgerSource
	prices      PriceSource
	store       AllocationStore
	checkpoints CheckpointStore
	runs        RunStore
	notifier    HealthNotifier

	// running guards against overlapping cycles of the same program.
	running sync.Mutex

	// now is swappable in tests.
	now func() time.Time

	runCount int
}

// Config holds the dependencies for creating a new Engine.
type Config struct {
	Program     config.Program
	Ledger      LedgerSource
	Prices      PriceSource
	Store       AllocationStore
	Checkpoints CheckpointStore
	Runs        RunStore
	Notifier    HealthNotifier
}

// New creates an engine with dependency injection.
func New(cfg Config) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("engine configuration validation failed: %w", err)
	}

	e := &Engine{
		logger:      logger.GetForComponent("engine").With().Str("program", cfg.Program.Name).Logger(),
		program:     cfg.Program,
		ledger:      cfg.Ledger,
		prices:      cfg.Prices,
		store:       cfg.Store,
		checkpoints: cfg.Checkpoints,
		runs:        cfg.Runs,
		notifier:    cfg.Notifier,
		now:         time.Now,
	}

	e.logger.Info().
		Str("role", cfg.Program.Role).
		Str("storeMode", cfg.Program.StoreMode).
		Float64("ratePerPeriod", cfg.Program.RatePerPeriod).
		Msg("Engine instance created")

	return e, nil
}

func validateConfig(cfg Config) error {
	if cfg.Ledger == nil {
		return fmt.Errorf("ledger source cannot be nil")
	}
	if cfg.Prices == nil {
		return fmt.Errorf("price source cannot be nil")
	}
	if cfg.Store == nil {
		return fmt.Errorf("allocation store cannot be nil")
	}
	if cfg.Checkpoints == nil {
		return fmt.Errorf("checkpoint store cannot be nil")
	}
	if cfg.Runs == nil {
		return fmt.Errorf("run store cannot be nil")
	}
	if cfg.Notifier == nil {
		return fmt.Errorf("health notifier cannot be nil")
	}
	if cfg.Program.Name == "" {
		return fmt.Errorf("program name cannot be empty")
	}
	return nil
}

// Interval returns the program's run interval.
func (e *Engine) Interval() time.Duration {
	return time.Duration(e.program.IntervalSeconds) * time.Second
}

// RunLoop starts the engine loop with the program's interval.
func (e *Engine) RunLoop(ctx context.Context) {
	interval := e.Interval()
	e.logger.Info().Dur("interval", interval).Msg("Starting engine loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run first cycle immediately
	e.runCount++
	if err := e.RunCycle(ctx); err != nil {
		e.logger.Error().Err(err).Int("run", e.runCount).Msg("Run failed")
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine loop stopped due to context cancellation")
			return
		case <-ticker.C:
			e.runCount++
			if err := e.RunCycle(ctx); err != nil {
				e.logger.Error().Err(err).Int("run", e.runCount).Msg("Run failed")
			}
		}
	}
}

// RunCycle executes one complete allocation run.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.running.TryLock() {
		e.logger.Warn().Msg("Previous run still in progress, skipping this tick")
		return nil
	}
	defer e.running.Unlock()

	startedAt := e.now().UTC()
	runID := uuid.New().String()
	runLogger := e.logger.With().Str("run_id", runID).Logger()

	runLogger.Info().Msg("--- Starting allocation run ---")

	summary := types.RunSummary{
		RunID:      runID,
		Program:    e.program.Name,
		StartedAt:  startedAt,
		IntervalAt: startedAt,
		Healthy:    true,
	}

	err := e.runPipeline(ctx, runLogger, &summary)

	summary.FinishedAt = e.now().UTC()
	if err != nil {
		summary.Status = types.RunStatusFailed
		summary.ErrorMessage = err.Error()
		summary.Healthy = false
	}

	// The summary is operational data; failing to save it must not fail the
	// run or mask the pipeline error.
	if _, saveErr := e.runs.SaveRunSummary(ctx, summary); saveErr != nil {
		runLogger.Error().Err(saveErr).Msg("Failed to save run summary")
	}

	if err != nil {
		runLogger.Error().Err(err).Msg("--- Allocation run failed ---")
		e.notifier.NotifyFailure(map[string]any{
			"program": e.program.Name,
			"run_id":  runID,
			"error":   err.Error(),
		})
		return err
	}

	if !summary.Healthy {
		e.notifier.NotifyFailure(map[string]any{
			"program":        e.program.Name,
			"run_id":         runID,
			"reconcile_diff": summary.ReconcileDiff,
		})
	} else {
		e.notifier.NotifySuccess()
	}

	runLogger.Info().
		Str("status", summary.Status).
		Float64("totalAllocated", summary.TotalAllocated).
		Bool("healthy", summary.Healthy).
		Msg("--- Allocation run completed ---")

	return nil
}

// runPipeline performs the fetch/weight/allocate/persist/reconcile steps,
// filling summary as it goes.
func (e *Engine) runPipeline(ctx context.Context, runLogger zerolog.Logger, summary *types.RunSummary) error {
	startedAt := summary.StartedAt

	// --- Step 1: Checkpoint, due intervals and budget ---
	checkpoint, err := e.checkpoints.Get(ctx, e.program.Name)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	// The boundaries derive from the checkpoint, not the attempt's clock:
	// a retry of a crashed run rebuilds the same record keys and overwrites
	// the aborted rows instead of writing a second copy of the interval.
	boundaries := analyzer.PendingIntervals(checkpoint, startedAt, e.Interval())
	if len(boundaries) == 0 {
		runLogger.Warn().Msg("Checkpoint is not behind the current time, nothing to pay out")
		summary.Status = types.RunStatusNoOp
		return nil
	}
	summary.IntervalAt = boundaries[len(boundaries)-1]

	perInterval := analyzer.ComputeIntervalBudget(e.program.RatePerPeriod, e.program.PeriodSeconds, e.program.IntervalSeconds)
	budget := perInterval * float64(len(boundaries))
	summary.Budget = budget

	runLogger.Info().
		Int("dueIntervals", len(boundaries)).
		Time("intervalAt", summary.IntervalAt).
		Float64("budget", budget).
		Msg("Step 1: Budget computed")

	// --- Step 2: Data fetching ---
	ref, err := e.ledger.LatestBlockReference(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture block reference: %w", err)
	}

	accounts, err := e.ledger.FetchAllAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate accounts: %w", err)
	}
	summary.AccountCount = len(accounts)

	if len(accounts) == 0 {
		runLogger.Info().Msg("No accounts enrolled, completing run as a no-op")
		return e.completeNoOp(ctx, runLogger, summary)
	}

	// One snapshot for the whole run; never refetched mid-run.
	snapshot, err := e.prices.FetchPriceSnapshot(ctx, e.program.Symbols())
	if err != nil {
		return fmt.Errorf("failed to capture price snapshot: %w", err)
	}

	states, err := e.ledger.FetchAccountStates(ctx, accounts, ref)
	if err != nil {
		return fmt.Errorf("failed to fetch account states: %w", err)
	}

	runLogger.Info().
		Int64("height", ref.Height).
		Int("accounts", len(accounts)).
		Msg("Step 2: Data fetching complete")

	// --- Step 3: Weighting and allocation ---
	weights, err := analyzer.CalculateEligibleWeights(e.program.Role, states, snapshot)
	if err != nil {
		return fmt.Errorf("failed to calculate weights: %w", err)
	}

	totalWeight := 0.0
	eligible := 0
	for _, w := range weights {
		totalWeight += w
		if w > 0 {
			eligible++
		}
	}
	summary.TotalWeight = totalWeight
	summary.EligibleCount = eligible

	allocations, err := analyzer.DetermineAllocations(weights, perInterval)
	if err != nil {
		return fmt.Errorf("failed to determine allocations: %w", err)
	}

	if len(allocations) == 0 {
		runLogger.Info().Msg("Total weight is zero, no allocations to write")
		return e.completeNoOp(ctx, runLogger, summary)
	}

	runLogger.Info().
		Int("eligible", eligible).
		Float64("totalWeight", totalWeight).
		Msg("Step 3: Allocation complete")

	// --- Step 4: Persistence ---
	// Accounts fan out concurrently; each account writes its due boundaries
	// oldest first, one record per (account, boundary), so the cumulative
	// merge guard sees every interval exactly once. All cross-account
	// aggregation already happened above.
	storeTimeout := time.Duration(e.program.StoreTimeoutSeconds) * time.Second
	totalAllocated := 0.0

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for account, amount := range allocations {
		totalAllocated += amount * float64(len(boundaries))

		wg.Add(1)
		go func(account types.Account, amount float64) {
			defer wg.Done()

			for _, boundary := range boundaries {
				rec := types.AllocationRecord{
					Program:    e.program.Name,
					Account:    account,
					IntervalAt: boundary,
					Amount:     amount,
				}

				err := retry.Do(ctx, storeTimeout, func(opCtx context.Context) error {
					if err := e.store.PutRecord(opCtx, rec); err != nil {
						return err
					}
					if e.program.StoreMode == config.StoreModeCumulative {
						return e.store.MergeTotal(opCtx, rec)
					}
					return nil
				})
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("failed to persist allocation for %s: %w", account, err)
					}
					mu.Unlock()
					return
				}
			}
		}(account, amount)
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	summary.TotalAllocated = totalAllocated
	summary.Status = types.RunStatusCompleted

	runLogger.Info().
		Int("records", len(allocations)*len(boundaries)).
		Float64("totalAllocated", totalAllocated).
		Msg("Step 4: Persistence complete")

	// --- Step 5: Checkpoint, the run's final mutation ---
	if err := e.checkpoints.Advance(ctx, e.program.Name, summary.IntervalAt); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	// --- Step 6: Reconciliation ---
	e.reconcile(ctx, runLogger, summary)

	return nil
}

// completeNoOp finishes a run that wrote nothing. The checkpoint still
// advances so the skipped interval is not replayed forever.
func (e *Engine) completeNoOp(ctx context.Context, runLogger zerolog.Logger, summary *types.RunSummary) error {
	if err := e.checkpoints.Advance(ctx, e.program.Name, summary.IntervalAt); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	summary.Status = types.RunStatusNoOp
	runLogger.Info().Msg("Run completed as a no-op, budget left unspent")
	return nil
}

// reconcile sums the store over the configured window and checks it against
// the expected emission rate. The result only marks the summary; the run
// itself has already succeeded.
func (e *Engine) reconcile(ctx context.Context, runLogger zerolog.Logger, summary *types.RunSummary) {
	windowEnd := summary.IntervalAt
	windowStart := windowEnd.Add(-time.Duration(e.program.ReconcileWindowHours) * time.Hour)

	observed, err := e.store.SumWindow(ctx, e.program.Name, windowStart, windowEnd)
	if err != nil {
		runLogger.Error().Err(err).Msg("Reconciliation window sum failed")
		return
	}

	result := reconciler.Check(observed, e.program.ExpectedRatePerHour(), e.program.ReconcileThreshold)
	summary.ReconcileDiff = result.Diff
	summary.Healthy = result.Healthy

	runLogger.Info().
		Float64("observed", result.ObservedSum).
		Float64("diff", result.Diff).
		Int("multiplier", result.Multiplier).
		Bool("healthy", result.Healthy).
		Msg("Step 6: Reconciliation complete")
}
