package costs_test

import (
	"math/big"
	"testing"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/costs"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

var (
	tokenA = models.Token{Symbol: "A", Decimals: 0}
	tokenB = models.Token{Symbol: "B", Decimals: 6}
)

func intent(idx int, token models.Token, premium int64, mode models.Mode) intents.Intent {
	return intents.Intent{StrikeIndex: idx, Token: token, Premium: big.NewInt(premium), Mode: mode}
}

func TestSummarizeIsOrderIndependent(t *testing.T) {
	a := intent(0, tokenA, 10, models.ModeTrade)
	b := intent(1, tokenB, 20, models.ModeTrade)

	for _, list := range [][]intents.Intent{{a, b}, {b, a}} {
		summary := costs.Summarize(list, costs.DefaultFeeMultiplier)
		assert.Equal(t, len(summary.Totals), 2)
		assert.Equal(t, summary.Totals["A"].Amount.Int64(), int64(10))
		assert.Equal(t, summary.Totals["B"].Amount.Int64(), int64(20))
		assert.Equal(t, summary.Symbols()[0], "A")
	}
}

func TestSummarizeSumsSameSymbol(t *testing.T) {
	list := []intents.Intent{
		intent(0, tokenB, 1_000_000, models.ModeTrade),
		intent(1, tokenB, 2_500_000, models.ModeTrade),
	}
	summary := costs.Summarize(list, costs.DefaultFeeMultiplier)
	total := summary.Totals["B"]
	assert.Equal(t, total.Amount.Int64(), int64(3_500_000))
	assert.Equal(t, total.Fee.Int64(), int64(1_190_000))
	assert.True(t, total.Display().Equal(decimal.RequireFromString("3.5")))
	assert.True(t, total.FeeDisplay().Equal(decimal.RequireFromString("1.19")))
}

func TestSummarizeLiquidityHasNoFee(t *testing.T) {
	list := []intents.Intent{intent(0, tokenA, 100, models.ModeLiquidity)}
	summary := costs.Summarize(list, costs.DefaultFeeMultiplier)
	assert.Equal(t, summary.Totals["A"].Fee.Sign(), 0)
	assert.Equal(t, summary.Totals["A"].Amount.Int64(), int64(100))
}

func TestFee(t *testing.T) {
	tests := []struct {
		name       string
		premium    *big.Int
		multiplier string
		expected   int64
	}{
		{"default multiplier", big.NewInt(100), "0.34", 34},
		{"rounds up", big.NewInt(10), "0.34", 4},
		{"zero premium", big.NewInt(0), "0.34", 0},
		{"nil premium", nil, "0.34", 0},
		{"overridden multiplier", big.NewInt(1000), "0.1", 100},
		{"zero multiplier", big.NewInt(1000), "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := costs.Fee(tt.premium, decimal.RequireFromString(tt.multiplier))
			assert.Equal(t, got.Int64(), tt.expected)
		})
	}
}
