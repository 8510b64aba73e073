package ticks

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrEmptyRange        = errors.New("tick range is empty")
	ErrLiquidityOverflow = errors.New("liquidity does not fit in uint128")
	ErrAmountOverflow    = errors.New("amount does not fit in uint256")
)

func sortRatios(a, b *uint256.Int) (*uint256.Int, *uint256.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// LiquidityForAmount0 computes the liquidity that amount0 of token0 provides
// between two sqrt prices.
func LiquidityForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	lower, upper := sortRatios(sqrtA, sqrtB)
	if lower.Eq(upper) {
		return nil, ErrEmptyRange
	}
	intermediate, overflow := new(uint256.Int).MulDivOverflow(lower, upper, Q96)
	if overflow {
		return nil, ErrLiquidityOverflow
	}
	liquidity, overflow := new(uint256.Int).MulDivOverflow(amount0, intermediate, new(uint256.Int).Sub(upper, lower))
	if overflow || liquidity.BitLen() > 128 {
		return nil, ErrLiquidityOverflow
	}
	return liquidity, nil
}

// LiquidityForAmount1 computes the liquidity that amount1 of token1 provides
// between two sqrt prices.
func LiquidityForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	lower, upper := sortRatios(sqrtA, sqrtB)
	if lower.Eq(upper) {
		return nil, ErrEmptyRange
	}
	liquidity, overflow := new(uint256.Int).MulDivOverflow(amount1, Q96, new(uint256.Int).Sub(upper, lower))
	if overflow || liquidity.BitLen() > 128 {
		return nil, ErrLiquidityOverflow
	}
	return liquidity, nil
}

// Amount0ForLiquidity returns the token0 amount backing liquidity between two sqrt prices.
func Amount0ForLiquidity(sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, error) {
	lower, upper := sortRatios(sqrtA, sqrtB)
	if lower.IsZero() {
		return nil, ErrSqrtRatioOutOfRange
	}
	shifted := new(uint256.Int).Lsh(liquidity, 96)
	numerator, overflow := new(uint256.Int).MulDivOverflow(shifted, new(uint256.Int).Sub(upper, lower), upper)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return numerator.Div(numerator, lower), nil
}

// Amount1ForLiquidity returns the token1 amount backing liquidity between two sqrt prices.
func Amount1ForLiquidity(sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, error) {
	lower, upper := sortRatios(sqrtA, sqrtB)
	amount, overflow := new(uint256.Int).MulDivOverflow(liquidity, new(uint256.Int).Sub(upper, lower), Q96)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return amount, nil
}

// AmountsForLiquidity returns both token amounts of a position at the current sqrt price.
func AmountsForLiquidity(sqrtPrice, sqrtA, sqrtB, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	lower, upper := sortRatios(sqrtA, sqrtB)
	switch {
	case sqrtPrice.Cmp(lower) <= 0:
		amount0, err := Amount0ForLiquidity(lower, upper, liquidity)
		return amount0, new(uint256.Int), err
	case sqrtPrice.Cmp(upper) < 0:
		amount0, err := Amount0ForLiquidity(sqrtPrice, upper, liquidity)
		if err != nil {
			return nil, nil, err
		}
		amount1, err := Amount1ForLiquidity(lower, sqrtPrice, liquidity)
		return amount0, amount1, err
	default:
		amount1, err := Amount1ForLiquidity(lower, upper, liquidity)
		return new(uint256.Int), amount1, err
	}
}

// LiquidityForTickRange converts a base-unit amount of one pool token into
// liquidity for [tickLower, tickUpper]. isToken0 selects which formula applies.
func LiquidityForTickRange(tickLower, tickUpper int, amount *big.Int, isToken0 bool) (*big.Int, error) {
	if tickLower >= tickUpper {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrEmptyRange, tickLower, tickUpper)
	}
	sqrtLower, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, err
	}
	sqrtUpper, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, err
	}
	value, overflow := uint256.FromBig(amount)
	if overflow || amount.Sign() < 0 {
		return nil, ErrAmountOverflow
	}

	var liquidity *uint256.Int
	if isToken0 {
		liquidity, err = LiquidityForAmount0(sqrtLower, sqrtUpper, value)
	} else {
		liquidity, err = LiquidityForAmount1(sqrtLower, sqrtUpper, value)
	}
	if err != nil {
		return nil, err
	}
	return liquidity.ToBig(), nil
}

// AmountForTickRange is the inverse of LiquidityForTickRange.
func AmountForTickRange(tickLower, tickUpper int, liquidity *big.Int, isToken0 bool) (*big.Int, error) {
	sqrtLower, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, err
	}
	sqrtUpper, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, err
	}
	value, overflow := uint256.FromBig(liquidity)
	if overflow || liquidity.Sign() < 0 {
		return nil, ErrLiquidityOverflow
	}

	var amount *uint256.Int
	if isToken0 {
		amount, err = Amount0ForLiquidity(sqrtLower, sqrtUpper, value)
	} else {
		amount, err = Amount1ForLiquidity(sqrtLower, sqrtUpper, value)
	}
	if err != nil {
		return nil, err
	}
	return amount.ToBig(), nil
}
