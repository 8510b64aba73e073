// Package strikes derives the selectable strikes of a CLAMM market from the
// pool's current tick and keeps track of which of them the user selected.
package strikes

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/ticks"
	"github.com/shopspring/decimal"
)

// Strike is one tick range that can be bought as an option or funded with liquidity.
type Strike struct {
	Index     int
	TickLower int
	TickUpper int
	// Price is the strike price of the call token in put token terms.
	Price  decimal.Decimal
	IsCall bool
	// Token is the only token the range holds: the call token for calls, the put token for puts.
	Token    models.Token
	IsToken0 bool
	// AvailableLiquidity is nil when the pricing service did not report it.
	AvailableLiquidity *big.Int
}

// QuoteTick is the tick a premium quote is priced at.
func (s Strike) QuoteTick() int {
	if s.IsCall {
		return s.TickUpper
	}
	return s.TickLower
}

// Key identifies a strike independently of its index.
type Key struct {
	TickLower int
	TickUpper int
}

// Key returns the tick bounds of the strike.
func (s Strike) Key() Key {
	return Key{TickLower: s.TickLower, TickUpper: s.TickUpper}
}

/*
Derive builds the strike chain of a market around currentTick.

Ranges above the current tick only hold token0 and ranges below it only hold
token1, so which side is the call side depends on CallTokenIsToken0.

Parameters:
  - market: the market, StrikeWidth must be a positive multiple of TickSpacing
  - currentTick: the pool's current tick

Returns:
  - []Strike: strikes sorted by price, indexed from 0
  - error: if the market parameters are invalid or a tick falls out of range
*/
func Derive(market models.Market, currentTick int) ([]Strike, error) {
	width := market.StrikeWidth
	if width <= 0 {
		width = market.TickSpacing
	}
	if market.TickSpacing <= 0 || width%market.TickSpacing != 0 {
		return nil, fmt.Errorf("invalid strike width %d for tick spacing %d", width, market.TickSpacing)
	}
	if market.StrikeCount <= 0 {
		return nil, fmt.Errorf("strike count must be positive")
	}

	base := ticks.UsableTick(currentTick, width)
	result := make([]Strike, 0, market.StrikeCount*2)

	for i := 0; i < market.StrikeCount; i++ {
		// above: [base+width*(i+1), base+width*(i+2)] holds token0 only
		above := Strike{
			TickLower: base + width*(i+1),
			TickUpper: base + width*(i+2),
			IsCall:    market.CallTokenIsToken0,
			IsToken0:  true,
		}
		// below: [base-width*(i+1), base-width*i] holds token1 only
		below := Strike{
			TickLower: base - width*(i+1),
			TickUpper: base - width*i,
			IsCall:    !market.CallTokenIsToken0,
			IsToken0:  false,
		}
		for _, strike := range []Strike{above, below} {
			if strike.TickLower < ticks.MinTick || strike.TickUpper > ticks.MaxTick {
				continue
			}
			price, err := strikePrice(market, strike)
			if err != nil {
				return nil, err
			}
			strike.Price = price
			if strike.IsCall {
				strike.Token = market.CallToken
			} else {
				strike.Token = market.PutToken
			}
			result = append(result, strike)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Price.LessThan(result[j].Price)
	})
	for i := range result {
		result[i].Index = i
	}
	return result, nil
}

// strikePrice returns the call token price at the strike's quote tick.
func strikePrice(market models.Market, strike Strike) (decimal.Decimal, error) {
	token0, token1 := market.Token0(), market.Token1()
	price, err := ticks.PriceAtTick(strike.QuoteTick(), token0.Decimals, token1.Decimals)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if market.CallTokenIsToken0 {
		return price, nil
	}
	if price.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("zero price at tick %d", strike.QuoteTick())
	}
	return decimal.NewFromInt(1).DivRound(price, 18), nil
}

// ApplyLiquidity sets AvailableLiquidity on every strike found in available.
func ApplyLiquidity(chain []Strike, available map[Key]*big.Int) []Strike {
	out := make([]Strike, len(chain))
	for i, strike := range chain {
		if liquidity, ok := available[strike.Key()]; ok && liquidity != nil {
			strike.AvailableLiquidity = new(big.Int).Set(liquidity)
		}
		out[i] = strike
	}
	return out
}
