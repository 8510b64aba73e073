package pricing

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PremiumQuoteRequest asks for the premium of buying liquidity at one strike.
type PremiumQuoteRequest struct {
	OptionMarket common.Address
	User         common.Address
	// Tick is tickUpper for calls and tickLower for puts.
	Tick int
	// TTL is the option expiry in seconds.
	TTL    uint64
	IsCall bool
	// Amount is the option size in base units of the strike token.
	Amount *big.Int
}

// PremiumQuote is the pricing service answer to a PremiumQuoteRequest.
type PremiumQuote struct {
	AmountInToken string `json:"amountInToken"`
	AmountInUSD   string `json:"amountInUsd,omitempty"`
}

// Premium returns AmountInToken as an integer.
func (q PremiumQuote) Premium() (*big.Int, error) {
	return parseAmount("amountInToken", q.AmountInToken)
}

// DepositRequest asks for the calldata of a liquidity deposit into one strike.
type DepositRequest struct {
	PositionManager common.Address
	Handler         common.Address
	Pool            common.Address
	Hook            common.Address
	TickLower       int
	TickUpper       int
	Token           common.Address
	Amount          *big.Int
	User            common.Address
}

// DepositResponse carries pre-encoded calldata that is relayed to the chain unmodified.
type DepositResponse struct {
	To        common.Address `json:"to"`
	TxData    hexutil.Bytes  `json:"txData"`
	Liquidity string         `json:"liquidity,omitempty"`
}

// LiquidityAmount returns the reported liquidity, or nil when it was omitted.
func (d DepositResponse) LiquidityAmount() (*big.Int, error) {
	if d.Liquidity == "" {
		return nil, nil
	}
	return parseAmount("liquidity", d.Liquidity)
}

// Balances are the wallet balances of both legs of a market.
type Balances struct {
	CallToken string `json:"callToken"`
	PutToken  string `json:"putToken"`
}

// Delegate is a contract the user can authorise to auto-exercise options.
type Delegate struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name"`
}

// BuyPosition is an open option position.
type BuyPosition struct {
	TokenID   string `json:"tokenId"`
	Strike    string `json:"strike"`
	TickLower int    `json:"tickLower"`
	TickUpper int    `json:"tickUpper"`
	IsCall    bool   `json:"isCall"`
	Size      string `json:"size"`
	Premium   string `json:"premium"`
	Expiry    int64  `json:"expiry"`
	Profit    string `json:"profit"`
}

// LPPosition is a liquidity position held in the position manager.
type LPPosition struct {
	Handler   common.Address `json:"handler"`
	Pool      common.Address `json:"pool"`
	TickLower int            `json:"tickLower"`
	TickUpper int            `json:"tickUpper"`
	Shares    string         `json:"shares"`
	Liquidity string         `json:"liquidity"`
	Earned    string         `json:"earned"`
}

// StrikeLiquidity is the free liquidity of one strike range.
type StrikeLiquidity struct {
	TickLower          int    `json:"tickLower"`
	TickUpper          int    `json:"tickUpper"`
	AvailableLiquidity string `json:"availableLiquidity"`
}

// Available returns AvailableLiquidity as an integer.
func (s StrikeLiquidity) Available() (*big.Int, error) {
	return parseAmount("availableLiquidity", s.AvailableLiquidity)
}

func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", field, value)
	}
	return amount, nil
}
