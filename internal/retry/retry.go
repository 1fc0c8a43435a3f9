/*

This file contains the shared retry combinator that wraps every batched
network operation (state fetches, store writes) with a timeout and a
bounded backoff.

A timed-out operation is retried wholesale after an increasing backoff
(0s, 5s, 10s, ..., up to the cap, then the ladder restarts at 0s). Any
non-timeout error is treated as a hard failure and propagated immediately;
only transient slowness is retried.

*/

package retry

import (
	"context"
	"errors"
	"time"

	"github.com/deltalend/incentives/internal/logger"
)

var retryLogger = logger.GetForComponent("retry")

// ErrOpTimeout marks an operation that did not complete within its timeout.
var ErrOpTimeout = errors.New("operation timed out")

const (
	// BackoffStep is the increment between consecutive backoff sleeps.
	BackoffStep = 5 * time.Second
	// BackoffCap is the largest backoff sleep before the ladder resets to 0.
	BackoffCap = 15 * time.Second
)

// Do runs op with the given timeout, retrying timed-out attempts until the
// parent context is cancelled. Non-timeout errors are returned immediately.
func Do(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	return doWithSleep(ctx, timeout, op, time.Sleep)
}

// doWithSleep is the testable core of Do; sleep is injected so tests can
// observe the backoff ladder without waiting.
func doWithSleep(ctx context.Context, timeout time.Duration, op func(context.Context) error, sleep func(time.Duration)) error {
	attempt := 0
	backoffIdx := 0

	for {
		attempt++

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		done := make(chan error, 1)
		go func() {
			done <- op(opCtx)
		}()

		var err error
		select {
		case err = <-done:
		case <-opCtx.Done():
			// The attempt is abandoned; the buffered channel lets the
			// goroutine finish without leaking.
			err = ErrOpTimeout
		}
		cancel()

		if err == nil {
			return nil
		}

		if !isTimeout(err) {
			return err
		}

		// The parent context being done means shutdown, not slowness.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		backoff := backoffFor(backoffIdx)
		backoffIdx++

		retryLogger.Warn().
			Int("attempt", attempt).
			Dur("timeout", timeout).
			Dur("backoff", backoff).
			Msg("Operation timed out, retrying after backoff")

		sleep(backoff)
	}
}

// isTimeout reports whether err is transient slowness rather than a hard
// failure.
func isTimeout(err error) bool {
	return errors.Is(err, ErrOpTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// backoffFor returns the sleep for the n-th consecutive timeout. The ladder
// climbs in BackoffStep increments and restarts at zero once the cap has
// been slept.
func backoffFor(n int) time.Duration {
	rungs := int(BackoffCap/BackoffStep) + 1 // 0, 5s, 10s, 15s
	return time.Duration(n%rungs) * BackoffStep
}
