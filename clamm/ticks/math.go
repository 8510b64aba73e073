// Package ticks converts between CLAMM ticks, Q64.96 square root prices,
// human prices and the token amounts backing a liquidity position.
package ticks

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	MinTick = -887272
	MaxTick = 887272
)

var (
	ErrTickOutOfRange      = errors.New("tick out of range")
	ErrSqrtRatioOutOfRange = errors.New("sqrt ratio out of range")
)

var (
	// MinSqrtRatio is the sqrt price at MinTick.
	MinSqrtRatio = uint256.NewInt(4295128739)
	// MaxSqrtRatio is the sqrt price at MaxTick.
	MaxSqrtRatio = uint256.MustFromDecimal("1461446703485210103287273052203988822378723970342")

	// Q96 is 2^96, the fixed point unit of sqrt prices.
	Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

	maxUint256 = new(uint256.Int).Not(new(uint256.Int))
	q128       = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	q192       = new(big.Int).Lsh(big.NewInt(1), 192)
	lowMask32  = uint256.NewInt(0xffffffff)
)

// firstBitRatio is used instead of 2^128 when the lowest bit of |tick| is set.
var firstBitRatio = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")

// tickMultipliers[i] is 1/sqrt(1.0001)^(2^(i+1)) in Q128.128.
var tickMultipliers = mustHexList(
	"0xfff97272373d413259a46990580e213a",
	"0xfff2e50f5f656932ef12357cf3c7fdcc",
	"0xffe5caca7e10e4e61c3624eaa0941cd0",
	"0xffcb9843d60f6159c9db58835c926644",
	"0xff973b41fa98c081472e6896dfb254c0",
	"0xff2ea16466c96a3843ec78b326b52861",
	"0xfe5dee046a99a2a811c461f1969c3053",
	"0xfcbe86c7900a88aedcffc83b479aa3a4",
	"0xf987a7253ac413176f2b074cf7815e54",
	"0xf3392b0822b70005940c7a398e4b70f3",
	"0xe7159475a2c29b7443b29c7fa6e889d9",
	"0xd097f3bdfd2022b8845ad8f792aa5825",
	"0xa9f746462d870fdf8a65dc1f90e061e5",
	"0x70d869a156d2a1b890bb3df62baf32f7",
	"0x31be135f97d08fd981231505542fcfa6",
	"0x9aa508b5b7a84e1c677de54f3e99bc9",
	"0x5d6af8dedb81196699c329225ee604",
	"0x2216e584f5fa1ea926041bedfe98",
	"0x48a170391f7dc42444e8fa2",
)

func mustHexList(values ...string) []*uint256.Int {
	out := make([]*uint256.Int, len(values))
	for i, v := range values {
		out[i] = uint256.MustFromHex(v)
	}
	return out
}

/*
SqrtRatioAtTick returns sqrt(1.0001^tick) * 2^96.

Parameters:
  - tick: a tick in [MinTick, MaxTick]

Returns:
  - *uint256.Int: the Q64.96 sqrt price, rounded up
  - error: ErrTickOutOfRange when the tick is outside the supported range
*/
func SqrtRatioAtTick(tick int) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(uint256.Int).Set(q128)
	if absTick&0x1 != 0 {
		ratio.Set(firstBitRatio)
	}
	for i, multiplier := range tickMultipliers {
		if absTick&(1<<(i+1)) != 0 {
			ratio.Mul(ratio, multiplier)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio = new(uint256.Int).Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so TickAtSqrtRatio stays consistent.
	sqrtPrice := new(uint256.Int).Rsh(ratio, 32)
	if !new(uint256.Int).And(ratio, lowMask32).IsZero() {
		sqrtPrice.AddUint64(sqrtPrice, 1)
	}
	return sqrtPrice, nil
}

// TickAtSqrtRatio returns the greatest tick whose sqrt ratio is <= sqrtPrice.
func TickAtSqrtRatio(sqrtPrice *uint256.Int) (int, error) {
	if sqrtPrice.Cmp(MinSqrtRatio) < 0 || sqrtPrice.Cmp(MaxSqrtRatio) >= 0 {
		return 0, fmt.Errorf("%w: %s", ErrSqrtRatioOutOfRange, sqrtPrice.Dec())
	}

	// float estimate first, then walk to the exact tick
	f := new(big.Float).SetInt(sqrtPrice.ToBig())
	f.Quo(f, new(big.Float).SetInt(Q96.ToBig()))
	approx, _ := f.Float64()
	tick := int(math.Floor(2 * math.Log(approx) / math.Log(1.0001)))
	tick = max(MinTick, min(MaxTick, tick))

	for tick > MinTick {
		ratio, _ := SqrtRatioAtTick(tick)
		if ratio.Cmp(sqrtPrice) <= 0 {
			break
		}
		tick--
	}
	for tick < MaxTick {
		ratio, _ := SqrtRatioAtTick(tick + 1)
		if ratio.Cmp(sqrtPrice) > 0 {
			break
		}
		tick++
	}
	return tick, nil
}

// PriceAtTick returns the price of token0 denominated in token1, adjusted for
// the decimals of both tokens.
func PriceAtTick(tick int, decimals0, decimals1 uint8) (decimal.Decimal, error) {
	sqrtPrice, err := SqrtRatioAtTick(tick)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return PriceFromSqrtRatio(sqrtPrice, decimals0, decimals1), nil
}

// PriceFromSqrtRatio converts a Q64.96 sqrt price into a human price of token0 in token1.
func PriceFromSqrtRatio(sqrtPrice *uint256.Int, decimals0, decimals1 uint8) decimal.Decimal {
	s := decimal.NewFromBigInt(sqrtPrice.ToBig(), 0)
	raw := s.Mul(s).DivRound(decimal.NewFromBigInt(q192, 0), 40)
	return raw.Shift(int32(decimals0) - int32(decimals1))
}

// UsableTick rounds tick down to the nearest multiple of spacing.
func UsableTick(tick, spacing int) int {
	if spacing <= 0 {
		return tick
	}
	rounded := (tick / spacing) * spacing
	if tick < 0 && tick%spacing != 0 {
		rounded -= spacing
	}
	return rounded
}
