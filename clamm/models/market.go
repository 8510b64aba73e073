package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Mode selects whether the desk buys options or provides liquidity to strikes.
type Mode string

const (
	ModeTrade     Mode = "trade"
	ModeLiquidity Mode = "liquidity"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeTrade || m == ModeLiquidity
}

// Token is the ERC-20 metadata the desk needs to format and encode amounts.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// ToBaseUnits converts a human amount into the token's base units, truncating
// any digits below the token precision.
func (t Token) ToBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(int32(t.Decimals)).Truncate(0)
}

// FromBaseUnits converts base units into a human amount.
func (t Token) FromBaseUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(-int32(t.Decimals))
}

// Market describes one CLAMM option market and the pool its strikes live in.
type Market struct {
	Name    string
	ChainID uint64

	OptionMarket    common.Address
	PositionManager common.Address
	Handler         common.Address
	Pool            common.Address
	Hook            common.Address

	TickSpacing int
	// StrikeWidth is the number of ticks covered by one strike, a multiple of TickSpacing.
	StrikeWidth int
	// StrikeCount is the number of strikes derived on each side of the current tick.
	StrikeCount int

	CallToken Token
	PutToken  Token
	// CallTokenIsToken0 is true when the call token is token0 of the pool.
	CallTokenIsToken0 bool
}

// Token0 returns the pool's token0.
func (m Market) Token0() Token {
	if m.CallTokenIsToken0 {
		return m.CallToken
	}
	return m.PutToken
}

// Token1 returns the pool's token1.
func (m Market) Token1() Token {
	if m.CallTokenIsToken0 {
		return m.PutToken
	}
	return m.CallToken
}
