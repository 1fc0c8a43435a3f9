/*

This file contains the batched account state fetch.

Accounts are processed in fixed-size batches. Within a batch the per-account
queries run concurrently (bounded by the shared rate limiter); batches run
sequentially so a retry re-runs one batch, not the whole population. Every
query pins the block reference captured at the start of the run so all
accounts are observed at the same ledger state.

Any per-account failure aborts the run. A payout computed from a partial
population would overweight everyone who was fetched successfully.

*/

package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/deltalend/incentives/internal/retry"
	"github.com/deltalend/incentives/internal/types"
	"github.com/deltalend/incentives/internal/utils"
)

var ErrMalformedState = errors.New("malformed account state")

type accountStateResponse struct {
	CollateralValueUSD float64 `json:"collateral_value_usd"`
	DebtValueUSD       float64 `json:"debt_value_usd"`
	Balances           []struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	} `json:"balances"`
}

// FetchAccountStates retrieves the state of every account at the given block
// reference. Each batch is wrapped in the shared retry combinator, so a
// timed-out batch is re-fetched wholesale after backoff.
func (c *LedgerClient) FetchAccountStates(ctx context.Context, accounts []types.Account, ref types.BlockReference) ([]types.AccountState, error) {
	states := make([]types.AccountState, 0, len(accounts))

	for start := 0; start < len(accounts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		batch := accounts[start:end]

		var batchStates []types.AccountState
		err := retry.Do(ctx, c.fetchTimeout, func(opCtx context.Context) error {
			var fetchErr error
			batchStates, fetchErr = c.fetchBatch(opCtx, batch, ref)
			return fetchErr
		})
		if err != nil {
			c.logger.Error().Err(err).
				Int("batchStart", start).
				Int("batchSize", len(batch)).
				Msg("Account state batch failed, aborting run")
			return nil, fmt.Errorf("state batch starting at %d: %w", start, err)
		}

		states = append(states, batchStates...)

		c.logger.Debug().
			Int("batchStart", start).
			Int("fetched", len(states)).
			Int("total", len(accounts)).
			Msg("Account state batch complete")
	}

	return states, nil
}

// fetchBatch fetches one batch of accounts concurrently. The first error
// encountered fails the whole batch; results keep the batch's input order.
func (c *LedgerClient) fetchBatch(ctx context.Context, batch []types.Account, ref types.BlockReference) ([]types.AccountState, error) {
	states := make([]types.AccountState, len(batch))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, account := range batch {
		wg.Add(1)
		go func(idx int, acct types.Account) {
			defer wg.Done()

			state, err := c.fetchAccountState(ctx, acct, ref)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("account %s: %w", acct, err)
				}
				mu.Unlock()
				return
			}

			states[idx] = state
		}(i, account)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return states, nil
}

// fetchAccountState queries one account's state pinned at the run's block
// reference and resolves its raw balances through the program asset table.
func (c *LedgerClient) fetchAccountState(ctx context.Context, account types.Account, ref types.BlockReference) (types.AccountState, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return types.AccountState{}, err
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/state?height=%d", c.ledgerURL, escapeAccount(account), ref.Height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.AccountState{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isContextDeadline(err) {
			return types.AccountState{}, context.DeadlineExceeded
		}
		return types.AccountState{}, fmt.Errorf("state fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.AccountState{}, fmt.Errorf("%w: ledger returned status %d", ErrMalformedState, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.AccountState{}, fmt.Errorf("failed to read state body: %w", err)
	}

	var raw accountStateResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.AccountState{}, fmt.Errorf("%w: %w", ErrMalformedState, err)
	}

	if raw.CollateralValueUSD < 0 || raw.DebtValueUSD < 0 {
		return types.AccountState{}, fmt.Errorf("%w: negative USD values (collateral=%f debt=%f)",
			ErrMalformedState, raw.CollateralValueUSD, raw.DebtValueUSD)
	}

	state := types.AccountState{
		Account:            account,
		CollateralValueUSD: raw.CollateralValueUSD,
		DebtValueUSD:       raw.DebtValueUSD,
		Ref:                ref,
	}

	for _, bal := range raw.Balances {
		asset, known := c.assets[bal.Asset]
		if !known {
			// Balances in assets the program does not incentivize carry no
			// weight and are dropped here.
			continue
		}

		amount, err := utils.ParseRawAmount(bal.Amount)
		if err != nil {
			return types.AccountState{}, fmt.Errorf("%w: balance of %s: %w", ErrMalformedState, asset.Symbol, err)
		}

		state.Balances = append(state.Balances, types.AssetBalance{
			Symbol:    asset.Symbol,
			RawAmount: amount,
			Decimals:  asset.Decimals,
		})
	}

	return state, nil
}

// isContextDeadline catches deadline errors wrapped by net/http's transport,
// which url.Error does not always unwrap cleanly across Go versions.
func isContextDeadline(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
