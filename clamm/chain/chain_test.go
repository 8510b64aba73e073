package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/zeebo/assert"
)

var (
	owner        = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	optionMarket = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	tokenA       = models.Token{Address: common.HexToAddress("0xa0"), Symbol: "A", Decimals: 0}
	tokenB       = models.Token{Address: common.HexToAddress("0xb0"), Symbol: "B", Decimals: 6}
)

// fakeCaller answers allowance, balanceOf and slot0 from maps keyed by contract.
type fakeCaller struct {
	mu         sync.Mutex
	allowances map[common.Address]*big.Int
	balances   map[common.Address]*big.Int
	tick       int64
	calls      int
	// missing lists addresses without contract code
	missing map[common.Address]bool
}

func (f *fakeCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[contract] {
		return nil, nil
	}
	return []byte{0x60, 0x80}, nil
}

func (f *fakeCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	method, err := erc20ABI.MethodById(call.Data[:4])
	if err != nil {
		method, err = poolABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
	}
	switch method.Name {
	case "allowance":
		value, ok := f.allowances[*call.To]
		if !ok {
			value = new(big.Int)
		}
		return method.Outputs.Pack(value)
	case "balanceOf":
		value, ok := f.balances[*call.To]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(value)
	case "slot0":
		return method.Outputs.Pack(
			big.NewInt(1), big.NewInt(f.tick), uint16(0), uint16(1), uint16(1), uint8(0), true,
		)
	}
	return nil, errors.New("unexpected call")
}

func tradeIntent(idx int, token models.Token, premium, fee int64) intents.Intent {
	return intents.Intent{
		StrikeIndex: idx,
		Mode:        models.ModeTrade,
		Token:       token,
		Premium:     big.NewInt(premium),
		Fee:         big.NewInt(fee),
		Recipient:   optionMarket,
		Calldata:    []byte{0x01, byte(idx)},
	}
}

func TestPlanApprovalsReturnsShortAllowance(t *testing.T) {
	caller := &fakeCaller{allowances: map[common.Address]*big.Int{tokenA.Address: big.NewInt(5)}}
	list := []intents.Intent{tradeIntent(0, tokenA, 10, 0)}

	approvals, err := PlanApprovals(context.Background(), NewReader(caller), owner, list)
	assert.NoError(t, err)
	assert.Equal(t, len(approvals), 1)
	assert.Equal(t, approvals[0].Token.Symbol, "A")
	assert.Equal(t, approvals[0].Spender, optionMarket)
	assert.True(t, approvals[0].Required.Cmp(big.NewInt(10)) >= 0)
	assert.Equal(t, approvals[0].Allowance.Int64(), int64(5))
}

func TestPlanApprovalsSumsPerTokenAndSkipsSufficient(t *testing.T) {
	caller := &fakeCaller{allowances: map[common.Address]*big.Int{
		tokenA.Address: big.NewInt(20),
		tokenB.Address: big.NewInt(1000),
	}}
	list := []intents.Intent{
		tradeIntent(0, tokenA, 10, 4),
		tradeIntent(1, tokenA, 10, 4),
		tradeIntent(2, tokenB, 100, 34),
	}

	approvals, err := PlanApprovals(context.Background(), NewReader(caller), owner, list)
	assert.NoError(t, err)
	assert.Equal(t, len(approvals), 1)
	assert.Equal(t, approvals[0].Token.Symbol, "A")
	assert.Equal(t, approvals[0].Required.Int64(), int64(28))
}

func TestApprovalTx(t *testing.T) {
	approval := Approval{Token: tokenA, Spender: optionMarket, Required: big.NewInt(10)}
	tx, err := approval.Tx()
	assert.NoError(t, err)
	assert.Equal(t, tx.To, tokenA.Address)
	assert.Equal(t, MethodName(tx.Data), "approve")

	values, err := erc20ABI.Methods["approve"].Inputs.Unpack(tx.Data[4:])
	assert.NoError(t, err)
	assert.Equal(t, values[0].(common.Address), optionMarket)
	assert.Equal(t, values[1].(*big.Int).Int64(), int64(10))
}

func TestReaderBalancesAndTick(t *testing.T) {
	caller := &fakeCaller{
		balances: map[common.Address]*big.Int{tokenA.Address: big.NewInt(7), tokenB.Address: big.NewInt(9)},
		tick:     -199999,
	}
	reader := NewReader(caller)

	balances, err := reader.Balances(context.Background(), owner, tokenA, tokenB)
	assert.NoError(t, err)
	assert.Equal(t, balances[0].Balance.Int64(), int64(7))
	assert.Equal(t, balances[1].Token.Symbol, "B")
	assert.Equal(t, balances[1].Balance.Int64(), int64(9))

	tick, err := reader.PoolTick(context.Background(), common.Address{})
	assert.NoError(t, err)
	assert.Equal(t, tick, -199999)
}

func TestReaderBalancesFailsOnRevert(t *testing.T) {
	caller := &fakeCaller{balances: map[common.Address]*big.Int{tokenA.Address: big.NewInt(7)}}
	_, err := NewReader(caller).Balances(context.Background(), owner, tokenA, tokenB)
	assert.Error(t, err)
}

func TestBuildBatch(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := BuildBatch(nil)
		assert.True(t, errors.Is(err, ErrNothingToSubmit))
	})

	t.Run("single intent is sent directly", func(t *testing.T) {
		intent := tradeIntent(3, tokenA, 1, 0)
		tx, err := BuildBatch([]intents.Intent{intent})
		assert.NoError(t, err)
		assert.Equal(t, tx.To, optionMarket)
		assert.Equal(t, tx.Data, intent.Calldata)
	})

	t.Run("several intents become one multicall", func(t *testing.T) {
		list := []intents.Intent{tradeIntent(1, tokenA, 1, 0), tradeIntent(2, tokenB, 1, 0)}
		tx, err := BuildBatch(list)
		assert.NoError(t, err)
		assert.Equal(t, tx.To, optionMarket)
		assert.Equal(t, MethodName(tx.Data), "multicall")

		calls, err := DecodeMulticall(tx.Data)
		assert.NoError(t, err)
		assert.Equal(t, len(calls), 2)
		assert.Equal(t, calls[1], list[1].Calldata)
	})

	t.Run("mixed recipients", func(t *testing.T) {
		other := tradeIntent(2, tokenB, 1, 0)
		other.Recipient = owner
		_, err := BuildBatch([]intents.Intent{tradeIntent(1, tokenA, 1, 0), other})
		assert.True(t, errors.Is(err, ErrMixedRecipients))
	})
}

func TestEncodeMintOption(t *testing.T) {
	data, err := EncodeMintOption(MintOptionInput{
		Handler:   common.HexToAddress("0x01"),
		Pool:      common.HexToAddress("0x02"),
		TickLower: -200,
		TickUpper: -100,
		Liquidity: big.NewInt(1000),
		TTL:       3600,
		IsCall:    true,
		MaxCost:   big.NewInt(134),
	})
	assert.NoError(t, err)
	assert.Equal(t, MethodName(data), "mintOption")

	values, err := optionMarketABI.Methods["mintOption"].Inputs.Unpack(data[4:])
	assert.NoError(t, err)
	assert.Equal(t, len(values), 1)

	_, err = EncodeMintOption(MintOptionInput{Liquidity: big.NewInt(0), MaxCost: big.NewInt(1)})
	assert.Error(t, err)
}

func TestEncodeMintPosition(t *testing.T) {
	data, err := EncodeMintPosition(MintPositionInput{
		Handler:   common.HexToAddress("0x01"),
		Pool:      common.HexToAddress("0x02"),
		TickLower: -200,
		TickUpper: -100,
		Liquidity: big.NewInt(55),
	})
	assert.NoError(t, err)
	assert.Equal(t, MethodName(data), "mintPosition")

	values, err := positionManagerABI.Methods["mintPosition"].Inputs.Unpack(data[4:])
	assert.NoError(t, err)
	inner, err := mintPositionDataArgs.Unpack(values[1].([]byte))
	assert.NoError(t, err)
	assert.Equal(t, inner[2].(*big.Int).Int64(), int64(-200))
	assert.Equal(t, inner[4].(*big.Int).Int64(), int64(55))
}

type fakeSigner struct {
	method string
	args   []any
}

func (f *fakeSigner) CallContext(ctx context.Context, result any, method string, args ...any) error {
	f.method = method
	f.args = args
	*(result.(*common.Hash)) = common.HexToHash("0xfeed")
	return nil
}

func TestSignerWalletSend(t *testing.T) {
	signer := &fakeSigner{}
	wallet := NewSignerWallet(signer, owner)

	hash, err := wallet.Send(context.Background(), Tx{To: optionMarket, Data: []byte{1, 2}})
	assert.NoError(t, err)
	assert.Equal(t, hash, common.HexToHash("0xfeed"))
	assert.Equal(t, signer.method, "eth_sendTransaction")
	args := signer.args[0].(sendTxArgs)
	assert.Equal(t, args.From, owner)
	assert.Equal(t, args.To, optionMarket)
	assert.True(t, args.Value == nil)
}

type fakeReceipts struct {
	pending int
	status  uint64
}

func (f *fakeReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: hash}, nil
}

func TestWaitMined(t *testing.T) {
	receipt, err := WaitMined(context.Background(), &fakeReceipts{pending: 2, status: types.ReceiptStatusSuccessful}, common.Hash{}, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, receipt.Status, types.ReceiptStatusSuccessful)

	_, err = WaitMined(context.Background(), &fakeReceipts{status: types.ReceiptStatusFailed}, common.Hash{}, time.Millisecond)
	assert.True(t, errors.Is(err, ErrReverted))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = WaitMined(ctx, &fakeReceipts{pending: 1 << 30}, common.Hash{}, time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

var (
	_ Backend = (*fakeCaller)(nil)
	_ Backend = (*ethclient.Client)(nil)
)

func TestVerifyMarket(t *testing.T) {
	market := models.Market{
		Name:            "A-B",
		OptionMarket:    optionMarket,
		PositionManager: common.HexToAddress("0x0200"),
		Handler:         common.HexToAddress("0x0300"),
		Pool:            common.HexToAddress("0x0400"),
		CallToken:       tokenA,
		PutToken:        tokenB,
	}

	caller := &fakeCaller{tick: -120}
	assert.NoError(t, NewReader(caller).VerifyMarket(context.Background(), market))

	caller.missing = map[common.Address]bool{market.Handler: true, tokenB.Address: true}
	err := NewReader(caller).VerifyMarket(context.Background(), market)
	assert.True(t, errors.Is(err, ErrNoContract))
	assert.True(t, strings.Contains(err.Error(), "handler"))
	assert.True(t, strings.Contains(err.Error(), "put token B"))
}
