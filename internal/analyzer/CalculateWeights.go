/*

This file contains the eligibility weight calculation.

An account's exposure is the USD value of its incentivized balances at the
run's shared price snapshot. For borrower programs the collateral value is
netted out so over-collateralized accounts earn nothing; depositor programs
weight the exposure directly. Weights are floored at zero: a negative weight
would let one account siphon share from the rest of the population.

*/

package analyzer

import (
	"errors"
	"fmt"
	"math"

	"github.com/deltalend/incentives/internal/config"
	"github.com/deltalend/incentives/internal/types"
	"github.com/deltalend/incentives/internal/utils"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable for balance symbol")
	ErrWeightNotFinite  = errors.New("computed weight is not finite")
)

// CalculateEligibleWeights derives a non-negative weight per account from
// its state and the run's price snapshot. Every account is valued against
// the same snapshot; a balance whose symbol has no price is fatal.
func CalculateEligibleWeights(role string, states []types.AccountState, snapshot types.PriceSnapshot) (map[types.Account]float64, error) {
	weights := make(map[types.Account]float64, len(states))

	for _, state := range states {
		exposure, err := exposureUSD(state, snapshot)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", state.Account, err)
		}

		weight := exposure
		if role == config.RoleBorrower {
			weight = exposure - state.CollateralValueUSD
		}
		if weight < 0 {
			weight = 0
		}

		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			return nil, fmt.Errorf("%w: account %s", ErrWeightNotFinite, state.Account)
		}

		weights[state.Account] = weight
	}

	return weights, nil
}

// exposureUSD values an account's incentivized balances at snapshot prices.
func exposureUSD(state types.AccountState, snapshot types.PriceSnapshot) (float64, error) {
	total := 0.0
	for _, bal := range state.Balances {
		price, ok := snapshot.Price(bal.Symbol)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, bal.Symbol)
		}

		amount, err := utils.RawAmountToFloat64(bal.RawAmount, bal.Decimals)
		if err != nil {
			return 0, fmt.Errorf("balance of %s: %w", bal.Symbol, err)
		}

		total += amount * price
	}

	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, fmt.Errorf("%w: exposure is %f", ErrWeightNotFinite, total)
	}

	return total, nil
}
