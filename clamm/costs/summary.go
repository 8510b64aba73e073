// Package costs aggregates pending intents into per-token totals for display.
package costs

import (
	"math/big"
	"sort"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/shopspring/decimal"
)

// DefaultFeeMultiplier is the share of the premium charged as protocol fee.
var DefaultFeeMultiplier = decimal.RequireFromString("0.34")

// Total is the aggregated cost for one token.
type Total struct {
	Token models.Token
	// Amount is the sum of premiums or deposits in base units.
	Amount *big.Int
	// Fee is the estimated protocol fee in base units.
	Fee *big.Int
}

// Display returns Amount in token units.
func (t Total) Display() decimal.Decimal {
	return t.Token.FromBaseUnits(decimal.NewFromBigInt(t.Amount, 0))
}

// FeeDisplay returns Fee in token units.
func (t Total) FeeDisplay() decimal.Decimal {
	return t.Token.FromBaseUnits(decimal.NewFromBigInt(t.Fee, 0))
}

// Summary holds the totals keyed by token symbol.
type Summary struct {
	Totals map[string]Total
}

// Symbols returns the token symbols of the summary in sorted order.
func (s Summary) Symbols() []string {
	out := make([]string, 0, len(s.Totals))
	for symbol := range s.Totals {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Fee returns premium * multiplier rounded up to a whole base unit.
func Fee(premium *big.Int, multiplier decimal.Decimal) *big.Int {
	if premium == nil || premium.Sign() <= 0 || !multiplier.IsPositive() {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(premium, 0).Mul(multiplier).Ceil().BigInt()
}

// Summarize sums the intents by token symbol. Trade intents also accumulate
// the estimated fee; liquidity intents never carry one.
func Summarize(list []intents.Intent, feeMultiplier decimal.Decimal) Summary {
	summary := Summary{Totals: make(map[string]Total)}
	for _, intent := range list {
		total, ok := summary.Totals[intent.Token.Symbol]
		if !ok {
			total = Total{Token: intent.Token, Amount: new(big.Int), Fee: new(big.Int)}
		}
		if intent.Premium != nil {
			total.Amount.Add(total.Amount, intent.Premium)
		}
		if intent.Mode == models.ModeTrade {
			total.Fee.Add(total.Fee, Fee(intent.Premium, feeMultiplier))
		}
		summary.Totals[intent.Token.Symbol] = total
	}
	return summary
}
