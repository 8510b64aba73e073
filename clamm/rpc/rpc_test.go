package rpc_test

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/chain"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/desk"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/assert"
)

var (
	weth   = models.Token{Address: common.HexToAddress("0xe1"), Symbol: "WETH", Decimals: 18}
	usdc   = models.Token{Address: common.HexToAddress("0xa1"), Symbol: "USDC", Decimals: 6}
	market = models.Market{
		Name:              "WETH-USDC",
		ChainID:           42161,
		OptionMarket:      common.HexToAddress("0x0100"),
		PositionManager:   common.HexToAddress("0x0200"),
		Handler:           common.HexToAddress("0x0300"),
		Pool:              common.HexToAddress("0x0400"),
		TickSpacing:       10,
		StrikeWidth:       100,
		StrikeCount:       2,
		CallToken:         weth,
		PutToken:          usdc,
		CallTokenIsToken0: true,
	}
	account = common.HexToAddress("0xabcd")
)

type stubPricing struct{}

func (stubPricing) PremiumQuote(ctx context.Context, req pricing.PremiumQuoteRequest) (*pricing.PremiumQuote, error) {
	return &pricing.PremiumQuote{AmountInToken: "1000"}, nil
}

func (stubPricing) DepositCalldata(ctx context.Context, req pricing.DepositRequest) (*pricing.DepositResponse, error) {
	return &pricing.DepositResponse{}, nil
}

func (stubPricing) TokenBalances(ctx context.Context, user, callToken, putToken common.Address) (*pricing.Balances, error) {
	return &pricing.Balances{CallToken: "1", PutToken: "2"}, nil
}

func (stubPricing) AutoExerciseDelegates(ctx context.Context, user common.Address) ([]pricing.Delegate, error) {
	return nil, pricing.ErrNotFound
}

func (stubPricing) BuyPositions(ctx context.Context, optionMarket, user common.Address) ([]pricing.BuyPosition, error) {
	return []pricing.BuyPosition{{TokenID: "2", Expiry: 20}, {TokenID: "1", Expiry: 10}}, nil
}

func (stubPricing) LPPositions(ctx context.Context, pool, user common.Address) ([]pricing.LPPosition, error) {
	return nil, nil
}

func (stubPricing) StrikeLiquidity(ctx context.Context, pool common.Address) ([]pricing.StrikeLiquidity, error) {
	return nil, nil
}

type stubReader struct {
	mu        sync.Mutex
	allowance *big.Int
}

func (r *stubReader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.allowance), nil
}

func (r *stubReader) PoolTick(ctx context.Context, pool common.Address) (int, error) {
	return -195005, nil
}

func (r *stubReader) Balances(ctx context.Context, owner common.Address, tokens ...models.Token) ([]chain.TokenBalance, error) {
	out := make([]chain.TokenBalance, len(tokens))
	for i, token := range tokens {
		out[i] = chain.TokenBalance{Token: token, Balance: big.NewInt(int64(10 * (i + 1)))}
	}
	return out, nil
}

type stubWallet struct {
	mu  sync.Mutex
	txs []chain.Tx
}

func (w *stubWallet) Account() common.Address { return account }

func (w *stubWallet) Send(ctx context.Context, tx chain.Tx) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.txs = append(w.txs, tx)
	return common.BigToHash(big.NewInt(int64(len(w.txs)))), nil
}

type stubReceipts struct{}

func (stubReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(9)}, nil
}

type fixture struct {
	server  *httptest.Server
	session *desk.Session
	reader  *stubReader
	wallet  *stubWallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDebounce(t, 5*time.Millisecond)
}

func newFixtureWithDebounce(t *testing.T, debounce time.Duration) *fixture {
	t.Helper()
	rpc.SetLogger(zerolog.Nop())

	f := &fixture{
		reader: &stubReader{allowance: new(big.Int).Lsh(big.NewInt(1), 200)},
		wallet: &stubWallet{},
	}
	f.session = desk.NewSession(desk.Config{
		Market:          market,
		TTL:             3600,
		DebounceWindow:  debounce,
		SubmitTimeout:   time.Second,
		ReceiptInterval: time.Millisecond,
	}, desk.Deps{Pricing: stubPricing{}, Reader: f.reader, Wallet: f.wallet, Receipts: stubReceipts{}})
	t.Cleanup(f.session.Close)
	assert.NoError(t, f.session.RefreshStrikes(context.Background()))

	// prometheus registration is global, so each test server runs without telemetry
	server, err := rpc.NewServer(context.Background(), &rpc.ServerConfig{
		Address:        "127.0.0.1:0",
		RequestTimeout: 5 * time.Second,
	}, f.session)
	assert.NoError(t, err)

	f.server = httptest.NewServer(server.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func call[Req, Res any](t *testing.T, f *fixture, procedure string, msg *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](
		f.server.Client(),
		f.server.URL+procedure,
		connect.WithCodec(rpc.Codec()),
	)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func firstCall(t *testing.T, f *fixture) models.StrikeView {
	t.Helper()
	list, err := call[models.ListStrikesRequest, models.ListStrikesResponse](t, f, rpc.ListStrikesProcedure, &models.ListStrikesRequest{})
	assert.NoError(t, err)
	for _, strike := range list.Strikes {
		if strike.IsCall {
			return strike
		}
	}
	t.Fatal("no call strike")
	return models.StrikeView{}
}

func waitIntents(t *testing.T, f *fixture, n int) *models.ListIntentsResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := call[models.Empty, models.ListIntentsResponse](t, f, rpc.ListIntentsProcedure, &models.Empty{})
		assert.NoError(t, err)
		if len(resp.Intents) == n {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d intents", n)
	return nil
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(f.server.URL + path)
		assert.NoError(t, err)
		assert.Equal(t, resp.StatusCode, http.StatusOK)

		var body map[string]string
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()
		assert.NotEqual(t, body["status"], "")
	}
}

func TestListStrikes(t *testing.T) {
	f := newFixture(t)

	list, err := call[models.ListStrikesRequest, models.ListStrikesResponse](t, f, rpc.ListStrikesProcedure, &models.ListStrikesRequest{Refresh: true})
	assert.NoError(t, err)
	assert.Equal(t, len(list.Strikes), 4)
	assert.Equal(t, list.Mode, models.ModeTrade)
	assert.Equal(t, list.TTL, uint64(3600))
	assert.Equal(t, list.Phase, string(desk.PhaseIdle))
}

func TestQuoteAndSubmitFlow(t *testing.T) {
	f := newFixture(t)
	strike := firstCall(t, f)

	sel, err := call[models.StrikeRequest, models.SelectionResponse](t, f, rpc.SelectStrikeProcedure, &models.StrikeRequest{Index: strike.Index})
	assert.NoError(t, err)
	assert.DeepEqual(t, sel.Selected, []int{strike.Index})

	_, err = call[models.SetAmountRequest, models.SetAmountResponse](t, f, rpc.SetAmountProcedure, &models.SetAmountRequest{Index: strike.Index, Amount: "0.5"})
	assert.NoError(t, err)

	intents := waitIntents(t, f, 1)
	assert.Equal(t, intents.Intents[0].Premium, "1000")
	assert.Equal(t, intents.Intents[0].Fee, "340")
	assert.Equal(t, intents.Intents[0].Recipient, market.OptionMarket.Hex())

	summary, err := call[models.Empty, models.CostSummaryResponse](t, f, rpc.CostSummaryProcedure, &models.Empty{})
	assert.NoError(t, err)
	assert.Equal(t, len(summary.Totals), 1)
	assert.Equal(t, summary.Totals[0].Symbol, "WETH")
	assert.Equal(t, summary.Totals[0].Fee, "340")
	assert.Equal(t, summary.FeeMultiplier, "0.34")

	submitted, err := call[models.Empty, models.SubmitResponse](t, f, rpc.SubmitProcedure, &models.Empty{})
	assert.NoError(t, err)
	assert.Equal(t, submitted.Intents, 1)
	assert.False(t, submitted.Multicall)
	assert.Equal(t, submitted.Block, uint64(9))
	assert.NotEqual(t, submitted.ID, "")

	waitIntents(t, f, 0)

	balances, err := call[models.BalancesRequest, models.BalancesResponse](t, f, rpc.BalancesProcedure, &models.BalancesRequest{})
	assert.NoError(t, err)
	assert.Equal(t, balances.Call.Balance, "10")
	assert.Equal(t, balances.Put.Balance, "20")
	assert.Equal(t, balances.Put.Display, "0.00002")
	assert.Equal(t, balances.Account, account.Hex())
}

func TestErrorCodes(t *testing.T) {
	f := newFixture(t)
	strike := firstCall(t, f)

	_, err := call[models.SetAmountRequest, models.SetAmountResponse](t, f, rpc.SetAmountProcedure, &models.SetAmountRequest{Index: strike.Index, Amount: "1"})
	assert.Equal(t, connect.CodeOf(err), connect.CodeFailedPrecondition)

	_, err = call[models.StrikeRequest, models.SelectionResponse](t, f, rpc.SelectStrikeProcedure, &models.StrikeRequest{Index: 99})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)

	_, err = call[models.SwitchSideRequest, models.SwitchSideResponse](t, f, rpc.SwitchSideProcedure, &models.SwitchSideRequest{Mode: "straddle"})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)

	_, err = call[models.SetTTLRequest, models.SetTTLResponse](t, f, rpc.SetTTLProcedure, &models.SetTTLRequest{TTL: 0})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)

	_, err = call[models.Empty, models.SubmitResponse](t, f, rpc.SubmitProcedure, &models.Empty{})
	assert.Equal(t, connect.CodeOf(err), connect.CodeFailedPrecondition)

	_, err = call[models.ApproveRequest, models.ApproveResponse](t, f, rpc.ApproveProcedure, &models.ApproveRequest{Token: "not-an-address"})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)

	_, err = call[models.Empty, models.DelegatesResponse](t, f, rpc.DelegatesProcedure, &models.Empty{})
	assert.Equal(t, connect.CodeOf(err), connect.CodeNotFound)
}

func TestSubmitWhileQuotingIsFailedPrecondition(t *testing.T) {
	f := newFixtureWithDebounce(t, time.Hour)
	strike := firstCall(t, f)

	_, err := call[models.StrikeRequest, models.SelectionResponse](t, f, rpc.SelectStrikeProcedure, &models.StrikeRequest{Index: strike.Index})
	assert.NoError(t, err)
	_, err = call[models.SetAmountRequest, models.SetAmountResponse](t, f, rpc.SetAmountProcedure, &models.SetAmountRequest{Index: strike.Index, Amount: "0.5"})
	assert.NoError(t, err)

	_, err = call[models.Empty, models.SubmitResponse](t, f, rpc.SubmitProcedure, &models.Empty{})
	assert.Equal(t, connect.CodeOf(err), connect.CodeFailedPrecondition)
	assert.True(t, strings.Contains(err.Error(), desk.ErrQuotesPending.Error()))

	f.wallet.mu.Lock()
	defer f.wallet.mu.Unlock()
	assert.Equal(t, len(f.wallet.txs), 0)
}

func TestInvalidAmountIsReportedPerStrike(t *testing.T) {
	f := newFixture(t)
	strike := firstCall(t, f)

	_, err := call[models.StrikeRequest, models.SelectionResponse](t, f, rpc.SelectStrikeProcedure, &models.StrikeRequest{Index: strike.Index})
	assert.NoError(t, err)

	_, err = call[models.SetAmountRequest, models.SetAmountResponse](t, f, rpc.SetAmountProcedure, &models.SetAmountRequest{Index: strike.Index, Amount: "abc"})
	assert.Equal(t, connect.CodeOf(err), connect.CodeInvalidArgument)

	intents := waitIntents(t, f, 0)
	assert.Equal(t, len(intents.Intents), 0)
}

func TestApprovalsAndApprove(t *testing.T) {
	f := newFixture(t)
	f.reader.mu.Lock()
	f.reader.allowance = big.NewInt(0)
	f.reader.mu.Unlock()

	strike := firstCall(t, f)
	_, err := call[models.StrikeRequest, models.SelectionResponse](t, f, rpc.SelectStrikeProcedure, &models.StrikeRequest{Index: strike.Index})
	assert.NoError(t, err)
	_, err = call[models.SetAmountRequest, models.SetAmountResponse](t, f, rpc.SetAmountProcedure, &models.SetAmountRequest{Index: strike.Index, Amount: "0.5"})
	assert.NoError(t, err)
	waitIntents(t, f, 1)

	approvals, err := call[models.Empty, models.ApprovalsResponse](t, f, rpc.ApprovalsProcedure, &models.Empty{})
	assert.NoError(t, err)
	assert.Equal(t, len(approvals.Approvals), 1)
	assert.Equal(t, approvals.Approvals[0].Required, "1340")
	assert.Equal(t, approvals.Approvals[0].Allowance, "0")

	_, err = call[models.Empty, models.SubmitResponse](t, f, rpc.SubmitProcedure, &models.Empty{})
	assert.Equal(t, connect.CodeOf(err), connect.CodeFailedPrecondition)

	approved, err := call[models.ApproveRequest, models.ApproveResponse](t, f, rpc.ApproveProcedure, &models.ApproveRequest{Token: weth.Address.Hex()})
	assert.NoError(t, err)
	assert.Equal(t, len(approved.Hashes), 1)
}

func TestPositionsSortedByExpiry(t *testing.T) {
	f := newFixture(t)

	positions, err := call[models.Empty, models.PositionsResponse](t, f, rpc.PositionsProcedure, &models.Empty{})
	assert.NoError(t, err)
	assert.Equal(t, len(positions.Buy), 2)
	assert.Equal(t, positions.Buy[0].TokenID, "1")
}

func TestNoCacheHeader(t *testing.T) {
	f := newFixture(t)
	client := connect.NewClient[models.Empty, models.ListIntentsResponse](
		f.server.Client(),
		f.server.URL+rpc.ListIntentsProcedure,
		connect.WithCodec(rpc.Codec()),
	)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&models.Empty{}))
	assert.NoError(t, err)
	assert.Equal(t, resp.Header().Get("Cache-Control"), "no-store, no-cache, must-revalidate")
}
