/*

This file contains the oracle price client.

Prices for the whole run are captured in a single snapshot before any
account state is processed, so every account in a run is valued at the
same prices. When the oracle returns multiple points for a symbol the
latest timestamp wins. A required symbol with no usable price is fatal:
valuing part of a portfolio at zero would corrupt every weight downstream.

*/

package datafetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deltalend/incentives/internal/logger"
	"github.com/deltalend/incentives/internal/types"
)

var (
	ErrMissingPrice = errors.New("required price missing from oracle snapshot")
	ErrInvalidPrice = errors.New("oracle returned an invalid price")
)

// OracleClient reads spot prices from the external price oracle.
type OracleClient struct {
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewOracleClient creates an oracle client for the given base URL.
func NewOracleClient(baseURL string) (*OracleClient, error) {
	if baseURL == "" {
		return nil, errors.New("oracle URL cannot be empty")
	}
	return &OracleClient{
		client:  &http.Client{Timeout: httpClientTimeout},
		baseURL: baseURL,
		logger:  logger.GetForComponent("oracle_client"),
	}, nil
}

type oraclePricesResponse struct {
	Prices []types.PricePoint `json:"prices"`
}

// FetchPriceSnapshot fetches one price per requested symbol. Duplicate
// points for a symbol resolve to the one with the latest timestamp; any
// requested symbol left without a finite positive price fails the snapshot.
func (c *OracleClient) FetchPriceSnapshot(ctx context.Context, symbols []string) (types.PriceSnapshot, error) {
	if len(symbols) == 0 {
		return types.PriceSnapshot{}, errors.New("no symbols requested")
	}

	endpoint := fmt.Sprintf("%s/prices?symbols=%s", c.baseURL, url.QueryEscape(strings.Join(symbols, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.PriceSnapshot{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.PriceSnapshot{}, fmt.Errorf("oracle fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.PriceSnapshot{}, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.PriceSnapshot{}, fmt.Errorf("failed to read oracle body: %w", err)
	}

	var raw oraclePricesResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.PriceSnapshot{}, fmt.Errorf("failed to parse oracle body: %w", err)
	}

	prices := make(map[string]float64, len(symbols))
	latest := make(map[string]int64, len(symbols))

	for _, p := range raw.Prices {
		if p.Symbol == "" {
			continue
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.Value <= 0 {
			return types.PriceSnapshot{}, fmt.Errorf("%w: %s = %f", ErrInvalidPrice, p.Symbol, p.Value)
		}
		if ts, ok := latest[p.Symbol]; ok && p.TimestampMs <= ts {
			continue
		}
		prices[p.Symbol] = p.Value
		latest[p.Symbol] = p.TimestampMs
	}

	for _, symbol := range symbols {
		if _, ok := prices[symbol]; !ok {
			c.logger.Error().Str("symbol", symbol).Msg("Oracle snapshot is missing a required symbol")
			return types.PriceSnapshot{}, fmt.Errorf("%w: %s", ErrMissingPrice, symbol)
		}
	}

	c.logger.Debug().Int("symbols", len(prices)).Msg("Captured price snapshot")

	return types.PriceSnapshot{Prices: prices, CapturedAt: time.Now().UTC()}, nil
}
