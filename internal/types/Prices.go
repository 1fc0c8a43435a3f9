package types

import "time"

// PricePoint is a single oracle data point for a symbol. When the feed
// returns several points for one symbol, the latest TimestampMs wins.
type PricePoint struct {
	Symbol      string  `json:"symbol"`
	Value       float64 `json:"value"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// PriceSnapshot maps symbol to USD price. It is captured exactly once per
// run and reused for every account in that run, so all participants are
// weighted against identical prices. Never refetched mid-run.
type PriceSnapshot struct {
	Prices     map[string]float64 `json:"prices"`
	CapturedAt time.Time          `json:"captured_at"`
}

// Price returns the snapshot price for a symbol.
func (s PriceSnapshot) Price(symbol string) (float64, bool) {
	p, ok := s.Prices[symbol]
	return p, ok
}
