package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"

	"connectrpc.com/connect"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/chain"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/desk"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/quoter"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/strikes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// DeskServiceName is the fully-qualified name of the desk service.
const DeskServiceName = "clamm.v1.DeskService"

// Procedure paths of the desk service.
const (
	ListStrikesProcedure    = "/" + DeskServiceName + "/ListStrikes"
	SelectStrikeProcedure   = "/" + DeskServiceName + "/SelectStrike"
	DeselectStrikeProcedure = "/" + DeskServiceName + "/DeselectStrike"
	SwitchSideProcedure     = "/" + DeskServiceName + "/SwitchSide"
	SetTTLProcedure         = "/" + DeskServiceName + "/SetTTL"
	SetAmountProcedure      = "/" + DeskServiceName + "/SetAmount"
	ListIntentsProcedure    = "/" + DeskServiceName + "/ListIntents"
	CostSummaryProcedure    = "/" + DeskServiceName + "/CostSummary"
	ApprovalsProcedure      = "/" + DeskServiceName + "/Approvals"
	ApproveProcedure        = "/" + DeskServiceName + "/Approve"
	SubmitProcedure         = "/" + DeskServiceName + "/Submit"
	ResetProcedure          = "/" + DeskServiceName + "/Reset"
	BalancesProcedure       = "/" + DeskServiceName + "/Balances"
	PositionsProcedure      = "/" + DeskServiceName + "/Positions"
	DelegatesProcedure      = "/" + DeskServiceName + "/Delegates"
)

// DeskServer exposes one desk session over ConnectRPC.
type DeskServer struct {
	session *desk.Session
}

// NewDeskServer creates the service implementation for session.
func NewDeskServer(session *desk.Session) *DeskServer {
	return &DeskServer{session: session}
}

// NewDeskServiceHandler returns the path prefix and handler serving every desk procedure.
func NewDeskServiceHandler(s *DeskServer, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()

	mux.Handle(ListStrikesProcedure, connect.NewUnaryHandler(ListStrikesProcedure, s.ListStrikes, opts...))
	mux.Handle(SelectStrikeProcedure, connect.NewUnaryHandler(SelectStrikeProcedure, s.SelectStrike, opts...))
	mux.Handle(DeselectStrikeProcedure, connect.NewUnaryHandler(DeselectStrikeProcedure, s.DeselectStrike, opts...))
	mux.Handle(SwitchSideProcedure, connect.NewUnaryHandler(SwitchSideProcedure, s.SwitchSide, opts...))
	mux.Handle(SetTTLProcedure, connect.NewUnaryHandler(SetTTLProcedure, s.SetTTL, opts...))
	mux.Handle(SetAmountProcedure, connect.NewUnaryHandler(SetAmountProcedure, s.SetAmount, opts...))
	mux.Handle(ListIntentsProcedure, connect.NewUnaryHandler(ListIntentsProcedure, s.ListIntents, opts...))
	mux.Handle(CostSummaryProcedure, connect.NewUnaryHandler(CostSummaryProcedure, s.CostSummary, opts...))
	mux.Handle(ApprovalsProcedure, connect.NewUnaryHandler(ApprovalsProcedure, s.Approvals, opts...))
	mux.Handle(ApproveProcedure, connect.NewUnaryHandler(ApproveProcedure, s.Approve, opts...))
	mux.Handle(SubmitProcedure, connect.NewUnaryHandler(SubmitProcedure, s.Submit, opts...))
	mux.Handle(ResetProcedure, connect.NewUnaryHandler(ResetProcedure, s.Reset, opts...))
	mux.Handle(BalancesProcedure, connect.NewUnaryHandler(BalancesProcedure, s.Balances, opts...))
	mux.Handle(PositionsProcedure, connect.NewUnaryHandler(PositionsProcedure, s.Positions, opts...))
	mux.Handle(DelegatesProcedure, connect.NewUnaryHandler(DelegatesProcedure, s.Delegates, opts...))

	return "/" + DeskServiceName + "/", mux
}

// toConnectError maps desk errors onto connect codes, keeping the original message.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var code connect.Code
	switch {
	case errors.Is(err, quoter.ErrInvalidAmount),
		errors.Is(err, strikes.ErrUnknownStrike),
		errors.Is(err, strikes.ErrInvalidMode),
		errors.Is(err, desk.ErrInvalidTTL),
		errors.Is(err, errInvalidAddress):
		code = connect.CodeInvalidArgument
	case errors.Is(err, desk.ErrBusy),
		errors.Is(err, desk.ErrStrikeNotSelected),
		errors.Is(err, desk.ErrApprovalRequired),
		errors.Is(err, desk.ErrQuotesPending),
		errors.Is(err, chain.ErrNothingToSubmit),
		errors.Is(err, chain.ErrMixedRecipients):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, chain.ErrReverted):
		code = connect.CodeAborted
	case errors.Is(err, pricing.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, pricing.ErrRateLimited):
		code = connect.CodeResourceExhausted
	case errors.Is(err, quoter.ErrClosed):
		code = connect.CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	default:
		code = connect.CodeInternal
	}
	return connect.NewError(code, err)
}

var errInvalidAddress = errors.New("invalid address")

func (s *DeskServer) ListStrikes(
	ctx context.Context,
	req *connect.Request[models.ListStrikesRequest],
) (*connect.Response[models.ListStrikesResponse], error) {
	if req.Msg.Refresh {
		if err := s.session.RefreshStrikes(ctx); err != nil {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
	}

	selected := make(map[int]bool)
	for _, strike := range s.session.Selected() {
		selected[strike.Index] = true
	}
	inputErrors := s.session.Errors()

	chainStrikes := s.session.Strikes()
	views := make([]models.StrikeView, 0, len(chainStrikes))
	for _, strike := range chainStrikes {
		view := models.StrikeView{
			Index:     strike.Index,
			TickLower: strike.TickLower,
			TickUpper: strike.TickUpper,
			Price:     strike.Price.String(),
			IsCall:    strike.IsCall,
			Token:     strike.Token.Symbol,
			Selected:  selected[strike.Index],
			Error:     inputErrors[strike.Index],
		}
		if strike.AvailableLiquidity != nil {
			view.AvailableLiquidity = strike.AvailableLiquidity.String()
		}
		views = append(views, view)
	}

	return connect.NewResponse(&models.ListStrikesResponse{
		Mode:    s.session.Mode(),
		TTL:     s.session.TTL(),
		Phase:   string(s.session.Phase()),
		Strikes: views,
	}), nil
}

func (s *DeskServer) selection() *models.SelectionResponse {
	selected := s.session.Selected()
	out := &models.SelectionResponse{Selected: make([]int, 0, len(selected))}
	for _, strike := range selected {
		out.Selected = append(out.Selected, strike.Index)
	}
	return out
}

func (s *DeskServer) SelectStrike(
	ctx context.Context,
	req *connect.Request[models.StrikeRequest],
) (*connect.Response[models.SelectionResponse], error) {
	if err := s.session.Select(req.Msg.Index); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.selection()), nil
}

func (s *DeskServer) DeselectStrike(
	ctx context.Context,
	req *connect.Request[models.StrikeRequest],
) (*connect.Response[models.SelectionResponse], error) {
	if err := s.session.Deselect(req.Msg.Index); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.selection()), nil
}

func (s *DeskServer) SwitchSide(
	ctx context.Context,
	req *connect.Request[models.SwitchSideRequest],
) (*connect.Response[models.SwitchSideResponse], error) {
	if err := s.session.SwitchMode(req.Msg.Mode); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&models.SwitchSideResponse{Mode: s.session.Mode()}), nil
}

func (s *DeskServer) SetTTL(
	ctx context.Context,
	req *connect.Request[models.SetTTLRequest],
) (*connect.Response[models.SetTTLResponse], error) {
	if err := s.session.SetTTL(req.Msg.TTL); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&models.SetTTLResponse{TTL: s.session.TTL()}), nil
}

func (s *DeskServer) SetAmount(
	ctx context.Context,
	req *connect.Request[models.SetAmountRequest],
) (*connect.Response[models.SetAmountResponse], error) {
	if err := s.session.SetAmount(req.Msg.Index, req.Msg.Amount); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&models.SetAmountResponse{Phase: string(s.session.Phase())}), nil
}

func (s *DeskServer) ListIntents(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.ListIntentsResponse], error) {
	list := s.session.Intents()
	views := make([]models.IntentView, 0, len(list))
	for _, intent := range list {
		views = append(views, models.IntentView{
			StrikeIndex: intent.StrikeIndex,
			Mode:        intent.Mode,
			IsCall:      intent.IsCall,
			TickLower:   intent.TickLower,
			TickUpper:   intent.TickUpper,
			Amount:      intent.Amount.String(),
			Token:       intent.Token.Symbol,
			Premium:     bigString(intent.Premium),
			Fee:         bigString(intent.Fee),
			Liquidity:   bigString(intent.Liquidity),
			Recipient:   intent.Recipient.Hex(),
			Calldata:    hexutil.Encode(intent.Calldata),
		})
	}
	resp := &models.ListIntentsResponse{
		Phase:   string(s.session.Phase()),
		Intents: views,
	}
	if errs := s.session.Errors(); len(errs) > 0 {
		resp.Errors = errs
	}
	return connect.NewResponse(resp), nil
}

func (s *DeskServer) CostSummary(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.CostSummaryResponse], error) {
	summary := s.session.CostSummary()
	resp := &models.CostSummaryResponse{
		FeeMultiplier: s.session.FeeMultiplier().String(),
		Totals:        make([]models.TotalView, 0, len(summary.Totals)),
	}
	for _, symbol := range summary.Symbols() {
		total := summary.Totals[symbol]
		resp.Totals = append(resp.Totals, models.TotalView{
			Symbol:        symbol,
			Amount:        total.Amount.String(),
			AmountDisplay: total.Display().String(),
			Fee:           total.Fee.String(),
			FeeDisplay:    total.FeeDisplay().String(),
		})
	}
	return connect.NewResponse(resp), nil
}

func (s *DeskServer) Approvals(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.ApprovalsResponse], error) {
	approvals, err := s.session.Approvals(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	resp := &models.ApprovalsResponse{Approvals: make([]models.ApprovalView, 0, len(approvals))}
	for _, approval := range approvals {
		resp.Approvals = append(resp.Approvals, models.ApprovalView{
			Token:     approval.Token.Address.Hex(),
			Symbol:    approval.Token.Symbol,
			Spender:   approval.Spender.Hex(),
			Required:  approval.Required.String(),
			Allowance: bigString(approval.Allowance),
		})
	}
	return connect.NewResponse(resp), nil
}

func (s *DeskServer) Approve(
	ctx context.Context,
	req *connect.Request[models.ApproveRequest],
) (*connect.Response[models.ApproveResponse], error) {
	if !common.IsHexAddress(req.Msg.Token) {
		return nil, toConnectError(fmt.Errorf("%w: %q", errInvalidAddress, req.Msg.Token))
	}
	hashes, err := s.session.Approve(ctx, common.HexToAddress(req.Msg.Token))
	if err != nil {
		return nil, toConnectError(err)
	}
	resp := &models.ApproveResponse{Hashes: make([]string, 0, len(hashes))}
	for _, hash := range hashes {
		resp.Hashes = append(resp.Hashes, hash.Hex())
	}
	return connect.NewResponse(resp), nil
}

func (s *DeskServer) Submit(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.SubmitResponse], error) {
	submission, err := s.session.Submit(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&models.SubmitResponse{
		ID:        submission.ID.String(),
		Hash:      submission.Hash.Hex(),
		Intents:   submission.Intents,
		Multicall: submission.Multicall,
		Block:     submission.Block,
	}), nil
}

func (s *DeskServer) Reset(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.Empty], error) {
	if err := s.session.Reset(); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&models.Empty{}), nil
}

func (s *DeskServer) Balances(
	ctx context.Context,
	req *connect.Request[models.BalancesRequest],
) (*connect.Response[models.BalancesResponse], error) {
	if req.Msg.Refresh || s.session.Balances().Version == 0 {
		if err := s.session.RefreshBalances(ctx); err != nil {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
	}
	snapshot := s.session.Balances()
	return connect.NewResponse(&models.BalancesResponse{
		Account:   snapshot.Account.Hex(),
		Call:      balanceView(snapshot.Call),
		Put:       balanceView(snapshot.Put),
		Version:   snapshot.Version,
		UpdatedAt: snapshot.UpdatedAt.Unix(),
	}), nil
}

func (s *DeskServer) Positions(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.PositionsResponse], error) {
	buys, lps, err := s.session.Positions(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Expiry < buys[j].Expiry })
	return connect.NewResponse(&models.PositionsResponse{Buy: buys, LP: lps}), nil
}

func (s *DeskServer) Delegates(
	ctx context.Context,
	req *connect.Request[models.Empty],
) (*connect.Response[models.DelegatesResponse], error) {
	delegates, err := s.session.Delegates(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&models.DelegatesResponse{Delegates: delegates}), nil
}

func balanceView(balance chain.TokenBalance) models.BalanceView {
	view := models.BalanceView{
		Token:  balance.Token.Address.Hex(),
		Symbol: balance.Token.Symbol,
	}
	if balance.Balance != nil {
		view.Balance = balance.Balance.String()
		view.Display = balance.Token.FromBaseUnits(decimal.NewFromBigInt(balance.Balance, 0)).String()
	}
	return view
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
