/*

This file contains the ledger client and the account enumeration logic.

Accounts are listed from the paginated graph endpoint with a (limit, offset)
cursor until an empty page is returned. A page failure is fatal to the run:
a partial population would silently misweight every remaining account.

*/

package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/deltalend/incentives/internal/config"
	"github.com/deltalend/incentives/internal/logger"
	"github.com/deltalend/incentives/internal/types"
)

var ErrPageFetch = errors.New("account page fetch failed")

const httpClientTimeout = 30 * time.Second

// LedgerClient reads participant accounts and their financial state from
// the external lending ledger over its JSON query API.
type LedgerClient struct {
	client       *http.Client
	ledgerURL    string
	graphURL     string
	pageSize     int
	batchSize    int
	fetchTimeout time.Duration
	limiter      *rate.Limiter
	assets       map[string]config.Asset
	logger       zerolog.Logger
}

// NewLedgerClient creates a ledger client tuned by the program's fetch
// settings. The program's asset table drives address -> symbol/decimals
// resolution for every balance the ledger returns.
func NewLedgerClient(ledgerURL, graphURL string, program config.Program) (*LedgerClient, error) {
	if ledgerURL == "" {
		return nil, errors.New("ledger URL cannot be empty")
	}
	if graphURL == "" {
		return nil, errors.New("graph URL cannot be empty")
	}

	return &LedgerClient{
		client:       &http.Client{Timeout: httpClientTimeout},
		ledgerURL:    ledgerURL,
		graphURL:     graphURL,
		pageSize:     program.PageSize,
		batchSize:    program.BatchSize,
		fetchTimeout: time.Duration(program.FetchTimeoutSeconds) * time.Second,
		limiter:      rate.NewLimiter(rate.Limit(program.RequestsPerSecond), program.BatchSize),
		assets:       program.AssetByAddress(),
		logger:       logger.GetForComponent("ledger_client"),
	}, nil
}

type accountsPageResponse struct {
	Accounts []string `json:"accounts"`
}

// FetchAllAccounts pages through the graph endpoint until an empty page is
// returned, deduping across pages. The result is sorted so downstream
// processing is deterministic for a given population.
func (c *LedgerClient) FetchAllAccounts(ctx context.Context) ([]types.Account, error) {
	seen := make(map[types.Account]bool)
	offset := 0
	pages := 0

	for {
		page, err := c.fetchAccountsPage(ctx, c.pageSize, offset)
		if err != nil {
			c.logger.Error().Err(err).Int("offset", offset).Msg("Account page fetch failed, aborting enumeration")
			return nil, fmt.Errorf("%w: offset %d: %w", ErrPageFetch, offset, err)
		}
		pages++

		if len(page) == 0 {
			break
		}

		for _, id := range page {
			if id == "" {
				return nil, fmt.Errorf("%w: empty account identifier at offset %d", ErrPageFetch, offset)
			}
			seen[types.Account(id)] = true
		}

		c.logger.Debug().
			Int("pageSize", len(page)).
			Int("offset", offset).
			Int("uniqueSoFar", len(seen)).
			Msg("Fetched page of accounts, continuing pagination")

		// Advance by what was actually returned: a server that caps pages
		// below the requested limit must not make us skip accounts.
		offset += len(page)
	}

	accounts := make([]types.Account, 0, len(seen))
	for id := range seen {
		accounts = append(accounts, id)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	c.logger.Info().
		Int("pages", pages).
		Int("accounts", len(accounts)).
		Msg("Account enumeration complete")

	return accounts, nil
}

// fetchAccountsPage retrieves one (limit, offset) page from the graph.
func (c *LedgerClient) fetchAccountsPage(ctx context.Context, limit, offset int) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/accounts?limit=%d&offset=%d", c.graphURL, limit, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read page body: %w", err)
	}

	var page accountsPageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse page body: %w", err)
	}

	return page.Accounts, nil
}

type ledgerStatusResponse struct {
	Height      int64 `json:"height"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// LatestBlockReference captures the ledger reference point shared by every
// state query of one run.
func (c *LedgerClient) LatestBlockReference(ctx context.Context) (types.BlockReference, error) {
	endpoint := c.ledgerURL + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.BlockReference{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.BlockReference{}, fmt.Errorf("ledger status fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.BlockReference{}, fmt.Errorf("ledger status returned %d", resp.StatusCode)
	}

	var status ledgerStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return types.BlockReference{}, fmt.Errorf("failed to parse ledger status: %w", err)
	}

	if status.Height <= 0 {
		return types.BlockReference{}, fmt.Errorf("ledger status has invalid height: %d", status.Height)
	}

	c.logger.Debug().
		Int64("height", status.Height).
		Int64("timestampMs", status.TimestampMs).
		Msg("Captured block reference")

	return types.BlockReference{Height: status.Height, TimestampMs: status.TimestampMs}, nil
}

// escapeAccount makes an account identifier safe for a URL path segment.
func escapeAccount(id types.Account) string {
	return url.PathEscape(string(id))
}
