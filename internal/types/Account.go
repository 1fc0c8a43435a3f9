/*

This file contains the types describing participant accounts and the
financial state fetched for them from the lending ledger.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// Account is the opaque, stable identifier of a ledger participant
// (borrower or depositor, depending on which program processes it).
type Account string

// BlockReference pins every state query of one run to the same point on the
// ledger. All accounts in a run are fetched against the identical reference.
type BlockReference struct {
	Height      int64 `json:"height"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// AssetBalance is a single raw token balance held by an account.
type AssetBalance struct {
	Symbol    string      `json:"symbol"`
	RawAmount sdkmath.Int `json:"raw_amount"` // base units, converted via the asset's decimals
	Decimals  int         `json:"decimals"`
}

// AccountState is the run-scoped financial state of one account, fetched at
// the run's shared BlockReference. Never persisted as-is.
type AccountState struct {
	Account            Account        `json:"account"`
	CollateralValueUSD float64        `json:"collateral_value_usd"`
	DebtValueUSD       float64        `json:"debt_value_usd"`
	Balances           []AssetBalance `json:"balances"`
	Ref                BlockReference `json:"ref"`
}
