package strikes_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/strikes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/assert"
)

var weth = models.Token{
	Address:  common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"),
	Symbol:   "WETH",
	Decimals: 18,
}

var usdc = models.Token{
	Address:  common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
	Symbol:   "USDC",
	Decimals: 6,
}

func testMarket() models.Market {
	return models.Market{
		Name:              "WETH-USDC",
		ChainID:           42161,
		TickSpacing:       10,
		StrikeWidth:       50,
		StrikeCount:       3,
		CallToken:         weth,
		PutToken:          usdc,
		CallTokenIsToken0: true,
	}
}

func TestDeriveSplitsCallsAndPuts(t *testing.T) {
	chain, err := strikes.Derive(testMarket(), -197000)
	assert.NoError(t, err)
	assert.Equal(t, len(chain), 6)

	for i, strike := range chain {
		assert.Equal(t, strike.Index, i)
		assert.Equal(t, strike.TickUpper-strike.TickLower, 50)
		if i > 0 && !chain[i-1].Price.LessThan(strike.Price) {
			t.Errorf("strike %d price %s not above previous %s", i, strike.Price, chain[i-1].Price)
		}
	}

	// puts sit below the current tick and come first
	for _, strike := range chain[:3] {
		assert.False(t, strike.IsCall)
		assert.Equal(t, strike.Token.Symbol, "USDC")
		assert.True(t, strike.TickUpper <= -197000)
	}
	for _, strike := range chain[3:] {
		assert.True(t, strike.IsCall)
		assert.Equal(t, strike.Token.Symbol, "WETH")
		assert.True(t, strike.IsToken0)
		assert.True(t, strike.TickLower > -197000)
	}

	assert.Equal(t, chain[3].TickLower, -196950)
	assert.Equal(t, chain[3].TickUpper, -196900)
	assert.Equal(t, chain[3].QuoteTick(), -196900)
	assert.Equal(t, chain[2].QuoteTick(), -197050)
}

func TestDeriveWithCallTokenAsToken1(t *testing.T) {
	market := testMarket()
	market.CallTokenIsToken0 = false
	market.CallToken, market.PutToken = usdc, weth

	chain, err := strikes.Derive(market, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(chain), 6)
	for _, strike := range chain {
		if strike.IsCall {
			assert.False(t, strike.IsToken0)
			assert.True(t, strike.TickUpper <= 0)
		} else {
			assert.True(t, strike.IsToken0)
			assert.True(t, strike.TickLower > 0)
		}
	}
}

func TestDeriveRejectsBadWidth(t *testing.T) {
	market := testMarket()
	market.StrikeWidth = 55
	_, err := strikes.Derive(market, 0)
	assert.Error(t, err)

	market = testMarket()
	market.StrikeCount = 0
	_, err = strikes.Derive(market, 0)
	assert.Error(t, err)

	// a zero width falls back to the spacing and reports that value
	market = testMarket()
	market.StrikeWidth = 0
	market.TickSpacing = -10
	_, err = strikes.Derive(market, 0)
	assert.Error(t, err)
	assert.Equal(t, err.Error(), "invalid strike width -10 for tick spacing -10")
}

func TestApplyLiquidity(t *testing.T) {
	chain, err := strikes.Derive(testMarket(), -197000)
	assert.NoError(t, err)

	enriched := strikes.ApplyLiquidity(chain, map[strikes.Key]*big.Int{
		chain[3].Key(): big.NewInt(1000),
	})
	assert.Equal(t, enriched[3].AvailableLiquidity.Int64(), int64(1000))
	assert.True(t, enriched[0].AvailableLiquidity == nil)
	assert.True(t, chain[3].AvailableLiquidity == nil)
}

func TestStoreSelection(t *testing.T) {
	chain, err := strikes.Derive(testMarket(), -197000)
	assert.NoError(t, err)

	store := strikes.NewStore()
	assert.NoError(t, store.Dispatch(strikes.Replace{Strikes: chain}))
	assert.NoError(t, store.Dispatch(strikes.Select{Index: 3}))
	assert.NoError(t, store.Dispatch(strikes.Select{Index: 1}))

	selected := store.Selected()
	assert.Equal(t, len(selected), 2)
	assert.Equal(t, selected[0].Index, 1)
	assert.Equal(t, selected[1].Index, 3)

	err = store.Dispatch(strikes.Select{Index: 42})
	assert.True(t, errors.Is(err, strikes.ErrUnknownStrike))

	assert.NoError(t, store.Dispatch(strikes.Deselect{Index: 1}))
	_, ok := store.SelectedStrike(1)
	assert.False(t, ok)
	_, ok = store.SelectedStrike(3)
	assert.True(t, ok)
}

func TestStoreReplaceKeepsSurvivingSelections(t *testing.T) {
	store := strikes.NewStore()
	chain, _ := strikes.Derive(testMarket(), -197000)
	assert.NoError(t, store.Dispatch(strikes.Replace{Strikes: chain}))
	assert.NoError(t, store.Dispatch(strikes.Select{Index: 4}))
	assert.NoError(t, store.Dispatch(strikes.Select{Index: 0}))
	kept := chain[4].Key()

	// the price moved up by one strike width
	moved, _ := strikes.Derive(testMarket(), -196950)
	assert.NoError(t, store.Dispatch(strikes.Replace{Strikes: moved}))

	selected := store.Selected()
	assert.Equal(t, len(selected), 1)
	assert.Equal(t, selected[0].Key(), kept)
}

func TestStoreSwitchModeClearsSelection(t *testing.T) {
	store := strikes.NewStore()
	chain, _ := strikes.Derive(testMarket(), -197000)
	assert.NoError(t, store.Dispatch(strikes.Replace{Strikes: chain}))
	assert.NoError(t, store.Dispatch(strikes.Select{Index: 3}))

	assert.NoError(t, store.Dispatch(strikes.SwitchMode{Mode: models.ModeLiquidity}))
	assert.Equal(t, store.Mode(), models.ModeLiquidity)
	assert.Equal(t, len(store.Selected()), 0)

	err := store.Dispatch(strikes.SwitchMode{Mode: "bogus"})
	assert.True(t, errors.Is(err, strikes.ErrInvalidMode))
}
