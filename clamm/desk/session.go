// Package desk ties the strike, intent and quote components of one wallet
// session together and drives approvals and submission.
package desk

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/chain"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/costs"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/quoter"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/strikes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "desk").Logger()
}

var (
	ErrBusy              = errors.New("another approval or submission is in progress")
	ErrApprovalRequired  = errors.New("token approval required before submission")
	ErrStrikeNotSelected = errors.New("strike is not selected")
	ErrQuotesPending     = errors.New("quotes are still pending")
	ErrInvalidTTL        = errors.New("ttl must be positive")
)

// Phase is the coarse state of the session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseQuoting    Phase = "quoting"
	PhaseQuoted     Phase = "quoted"
	PhaseApproving  Phase = "approving"
	PhaseSubmitting Phase = "submitting"
)

const (
	DefaultSubmitTimeout   = 2 * time.Minute
	DefaultReceiptInterval = 2 * time.Second
)

// PricingClient is the part of the pricing service the session uses.
type PricingClient interface {
	quoter.PricingClient
	TokenBalances(ctx context.Context, user, callToken, putToken common.Address) (*pricing.Balances, error)
	AutoExerciseDelegates(ctx context.Context, user common.Address) ([]pricing.Delegate, error)
	BuyPositions(ctx context.Context, optionMarket, user common.Address) ([]pricing.BuyPosition, error)
	LPPositions(ctx context.Context, pool, user common.Address) ([]pricing.LPPosition, error)
	StrikeLiquidity(ctx context.Context, pool common.Address) ([]pricing.StrikeLiquidity, error)
}

// ChainReader reads pool and token state.
type ChainReader interface {
	chain.AllowanceReader
	PoolTick(ctx context.Context, pool common.Address) (int, error)
	Balances(ctx context.Context, account common.Address, tokens ...models.Token) ([]chain.TokenBalance, error)
}

// Config holds the session settings.
type Config struct {
	Market         models.Market
	TTL            uint64
	DebounceWindow time.Duration
	FeeMultiplier  decimal.Decimal
	QuoteTimeout   time.Duration
	// SubmitTimeout bounds the wait for a transaction receipt.
	SubmitTimeout   time.Duration
	ReceiptInterval time.Duration
}

// Deps are the external collaborators of a session.
type Deps struct {
	Pricing  PricingClient
	Reader   ChainReader
	Wallet   chain.Wallet
	Receipts chain.ReceiptFetcher
}

// BalanceSnapshot holds the wallet balances of both market tokens.
type BalanceSnapshot struct {
	Account   common.Address
	Call      chain.TokenBalance
	Put       chain.TokenBalance
	UpdatedAt time.Time
	// Version increases with every refresh.
	Version uint64
}

// Submission is the outcome of a submitted transaction.
type Submission struct {
	ID        uuid.UUID
	Hash      common.Hash
	Intents   int
	Multicall bool
	Block     uint64
}

// Session is the state of one wallet trading one market.
type Session struct {
	id        uuid.UUID
	cfg       Config
	deps      Deps
	strikes   *strikes.Store
	intents   *intents.Store
	assembler *quoter.Assembler

	mu   sync.Mutex
	busy Phase

	balMu    sync.RWMutex
	balances BalanceSnapshot
}

// NewSession creates a session for the wallet's account. Call RefreshStrikes before use.
func NewSession(cfg Config, deps Deps) *Session {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = DefaultReceiptInterval
	}
	store := intents.NewStore()
	s := &Session{
		id:      uuid.New(),
		cfg:     cfg,
		deps:    deps,
		strikes: strikes.NewStore(),
		intents: store,
	}
	s.assembler = quoter.NewAssembler(quoter.Config{
		Market:         cfg.Market,
		Account:        deps.Wallet.Account(),
		TTL:            cfg.TTL,
		DebounceWindow: cfg.DebounceWindow,
		FeeMultiplier:  cfg.FeeMultiplier,
		QuoteTimeout:   cfg.QuoteTimeout,
	}, deps.Pricing, store)
	log.Info().Str("session", s.id.String()).Str("market", cfg.Market.Name).Str("account", s.Account().Hex()).Msg("Session created")
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Account returns the wallet account.
func (s *Session) Account() common.Address { return s.deps.Wallet.Account() }

// Market returns the traded market.
func (s *Session) Market() models.Market { return s.cfg.Market }

// Phase reports what the session is doing.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	switch {
	case busy != "":
		return busy
	case s.assembler.Pending() > 0:
		return PhaseQuoting
	case s.intents.Len() > 0:
		return PhaseQuoted
	default:
		return PhaseIdle
	}
}

func (s *Session) acquire(phase Phase) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy != "" {
		return nil, fmt.Errorf("%w: %s", ErrBusy, s.busy)
	}
	s.busy = phase
	return func() {
		s.mu.Lock()
		s.busy = ""
		s.mu.Unlock()
	}, nil
}

/*
RefreshStrikes re-derives the strike chain from the pool's current tick.

Free liquidity per strike comes from the pricing service; when it cannot be
fetched the strikes are kept without a liquidity cap. Intents and pending
quotes whose strike index now points to a different tick range are dropped.
*/
func (s *Session) RefreshStrikes(ctx context.Context) error {
	market := s.cfg.Market
	tick, err := s.deps.Reader.PoolTick(ctx, market.Pool)
	if err != nil {
		return fmt.Errorf("read pool tick: %w", err)
	}
	chainStrikes, err := strikes.Derive(market, tick)
	if err != nil {
		return fmt.Errorf("derive strikes: %w", err)
	}

	liquidity, err := s.deps.Pricing.StrikeLiquidity(ctx, market.Pool)
	if err != nil {
		log.Warn().Err(err).Str("pool", market.Pool.Hex()).Msg("Strike liquidity unavailable")
	} else {
		available := make(map[strikes.Key]*big.Int, len(liquidity))
		for _, entry := range liquidity {
			amount, err := entry.Available()
			if err != nil {
				log.Warn().Err(err).Int("tick_lower", entry.TickLower).Msg("Skipping strike liquidity")
				continue
			}
			available[strikes.Key{TickLower: entry.TickLower, TickUpper: entry.TickUpper}] = amount
		}
		chainStrikes = strikes.ApplyLiquidity(chainStrikes, available)
	}

	if err := s.strikes.Dispatch(strikes.Replace{Strikes: chainStrikes}); err != nil {
		return err
	}

	if err := s.assembler.CancelStale(s.strikes.Strike); err != nil {
		return err
	}
	log.Debug().Int("tick", tick).Int("strikes", len(chainStrikes)).Msg("Strikes refreshed")
	return nil
}

// Strikes returns the current strike chain.
func (s *Session) Strikes() []strikes.Strike { return s.strikes.Chain() }

// Selected returns the selected strikes.
func (s *Session) Selected() []strikes.Strike { return s.strikes.Selected() }

// Mode returns the current trade mode.
func (s *Session) Mode() models.Mode { return s.strikes.Mode() }

// Select adds a strike to the selection.
func (s *Session) Select(index int) error {
	return s.strikes.Dispatch(strikes.Select{Index: index})
}

// Deselect removes a strike from the selection and drops its intent.
func (s *Session) Deselect(index int) error {
	if err := s.strikes.Dispatch(strikes.Deselect{Index: index}); err != nil {
		return err
	}
	return s.assembler.Cancel(index)
}

// SwitchMode changes between trading and providing liquidity. Switching drops
// the selection and all intents.
func (s *Session) SwitchMode(mode models.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", strikes.ErrInvalidMode, mode)
	}
	if mode == s.strikes.Mode() {
		return nil
	}
	if err := s.assembler.CancelAll(); err != nil {
		return err
	}
	return s.strikes.Dispatch(strikes.SwitchMode{Mode: mode})
}

// SetTTL changes the option expiry. Existing trade quotes were priced for the
// old expiry, so all intents are dropped.
func (s *Session) SetTTL(ttl uint64) error {
	if ttl == 0 {
		return ErrInvalidTTL
	}
	if ttl == s.assembler.TTL() {
		return nil
	}
	s.assembler.SetTTL(ttl)
	return s.assembler.CancelAll()
}

// TTL returns the option expiry in seconds.
func (s *Session) TTL() uint64 { return s.assembler.TTL() }

// SetAmount records amount input for a selected strike.
func (s *Session) SetAmount(index int, raw string) error {
	strike, ok := s.strikes.SelectedStrike(index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrStrikeNotSelected, index)
	}
	return s.assembler.SetAmount(strike, raw, s.strikes.Mode())
}

// Intents returns the quoted intents.
func (s *Session) Intents() []intents.Intent { return s.intents.List() }

// Errors returns input errors per strike index.
func (s *Session) Errors() map[int]string { return s.assembler.Errors() }

// CostSummary aggregates the intents per token.
func (s *Session) CostSummary() costs.Summary {
	return costs.Summarize(s.intents.List(), s.assembler.FeeMultiplier())
}

// FeeMultiplier returns the share of the premium charged as fee.
func (s *Session) FeeMultiplier() decimal.Decimal { return s.assembler.FeeMultiplier() }

// Approvals lists the allowances that are too low for the current intents.
func (s *Session) Approvals(ctx context.Context) ([]chain.Approval, error) {
	return chain.PlanApprovals(ctx, s.deps.Reader, s.Account(), s.intents.List())
}

/*
Approve raises every too-low allowance of token to the required amount and
waits for each approval to be mined.

Returns:
  - []common.Hash: hashes of the approval transactions, empty when nothing was needed
  - error: ErrBusy while another approval or submission runs, or the wallet error
*/
func (s *Session) Approve(ctx context.Context, token common.Address) ([]common.Hash, error) {
	release, err := s.acquire(PhaseApproving)
	if err != nil {
		return nil, err
	}
	defer release()

	approvals, err := s.Approvals(ctx)
	if err != nil {
		return nil, err
	}

	var hashes []common.Hash
	for _, approval := range approvals {
		if approval.Token.Address != token {
			continue
		}
		tx, err := approval.Tx()
		if err != nil {
			return hashes, err
		}
		hash, err := s.deps.Wallet.Send(ctx, tx)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, hash)

		wctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		_, err = chain.WaitMined(wctx, s.deps.Receipts, hash, s.cfg.ReceiptInterval)
		cancel()
		if err != nil {
			return hashes, err
		}
		log.Info().
			Str("token", approval.Token.Symbol).
			Str("spender", approval.Spender.Hex()).
			Str("amount", approval.Required.String()).
			Msg("Approval mined")
	}
	return hashes, nil
}

/*
Submit sends all intents as one transaction and waits for its receipt.

A single intent is sent directly to its contract, several are batched into a
multicall. Once a send was attempted the intents are cleared and strikes and
balances are refreshed, whether the transaction succeeded or not.

Returns:
  - *Submission: the sent transaction
  - error: ErrBusy, ErrQuotesPending, ErrApprovalRequired, chain.ErrNothingToSubmit,
    the wallet error, or chain.ErrReverted
*/
func (s *Session) Submit(ctx context.Context) (*Submission, error) {
	release, err := s.acquire(PhaseSubmitting)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.assembler.Pending() > 0 {
		return nil, ErrQuotesPending
	}
	list := s.intents.List()
	if len(list) == 0 {
		return nil, chain.ErrNothingToSubmit
	}

	approvals, err := chain.PlanApprovals(ctx, s.deps.Reader, s.Account(), list)
	if err != nil {
		return nil, err
	}
	if len(approvals) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrApprovalRequired, approvals[0].Token.Symbol)
	}

	tx, err := chain.BuildBatch(list)
	if err != nil {
		return nil, err
	}

	submission := &Submission{ID: uuid.New(), Intents: len(list), Multicall: len(list) > 1}
	logger := log.With().Str("session", s.id.String()).Str("submission", submission.ID.String()).Logger()

	defer s.afterSubmit(ctx)

	hash, err := s.deps.Wallet.Send(ctx, tx)
	if err != nil {
		logger.Warn().Err(err).Msg("Submission rejected by wallet")
		return nil, err
	}
	submission.Hash = hash

	wctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	receipt, err := chain.WaitMined(wctx, s.deps.Receipts, hash, s.cfg.ReceiptInterval)
	if receipt != nil && receipt.BlockNumber != nil {
		submission.Block = receipt.BlockNumber.Uint64()
	}
	if err != nil {
		logger.Warn().Err(err).Str("hash", hash.Hex()).Msg("Submission failed")
		return submission, err
	}
	logger.Info().Str("hash", hash.Hex()).Int("intents", len(list)).Msg("Submission mined")
	return submission, nil
}

func (s *Session) afterSubmit(ctx context.Context) {
	if err := s.assembler.CancelAll(); err != nil {
		log.Error().Err(err).Msg("Failed to clear intents")
	}
	// the request context may already be done when the wallet failed
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.RefreshStrikes(rctx); err != nil {
		log.Warn().Err(err).Msg("Strike refresh after submission failed")
	}
	if err := s.RefreshBalances(rctx); err != nil {
		log.Warn().Err(err).Msg("Balance refresh after submission failed")
	}
}

// RefreshBalances reads both token balances from the chain, falling back to
// the pricing service when the RPC read fails.
func (s *Session) RefreshBalances(ctx context.Context) error {
	market := s.cfg.Market
	account := s.Account()

	var call, put chain.TokenBalance
	balances, err := s.deps.Reader.Balances(ctx, account, market.CallToken, market.PutToken)
	if err == nil {
		call, put = balances[0], balances[1]
	} else {
		log.Warn().Err(err).Msg("RPC balance read failed, asking pricing service")
		resp, perr := s.deps.Pricing.TokenBalances(ctx, account, market.CallToken.Address, market.PutToken.Address)
		if perr != nil {
			return fmt.Errorf("refresh balances: %w", errors.Join(err, perr))
		}
		callAmount, ok := new(big.Int).SetString(resp.CallToken, 10)
		if !ok {
			return fmt.Errorf("invalid call token balance %q", resp.CallToken)
		}
		putAmount, ok := new(big.Int).SetString(resp.PutToken, 10)
		if !ok {
			return fmt.Errorf("invalid put token balance %q", resp.PutToken)
		}
		call = chain.TokenBalance{Token: market.CallToken, Balance: callAmount}
		put = chain.TokenBalance{Token: market.PutToken, Balance: putAmount}
	}

	s.balMu.Lock()
	defer s.balMu.Unlock()
	s.balances = BalanceSnapshot{
		Account:   account,
		Call:      call,
		Put:       put,
		UpdatedAt: time.Now(),
		Version:   s.balances.Version + 1,
	}
	return nil
}

// Balances returns the last balance snapshot.
func (s *Session) Balances() BalanceSnapshot {
	s.balMu.RLock()
	defer s.balMu.RUnlock()
	return s.balances
}

// Positions returns the account's option and liquidity positions.
func (s *Session) Positions(ctx context.Context) ([]pricing.BuyPosition, []pricing.LPPosition, error) {
	var (
		buys []pricing.BuyPosition
		lps  []pricing.LPPosition
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		buys, err = s.deps.Pricing.BuyPositions(gctx, s.cfg.Market.OptionMarket, s.Account())
		return err
	})
	g.Go(func() error {
		var err error
		lps, err = s.deps.Pricing.LPPositions(gctx, s.cfg.Market.Pool, s.Account())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return buys, lps, nil
}

// Delegates lists the auto-exercise delegates available to the account.
func (s *Session) Delegates(ctx context.Context) ([]pricing.Delegate, error) {
	return s.deps.Pricing.AutoExerciseDelegates(ctx, s.Account())
}

// Reset drops intents and selection and returns to trade mode.
func (s *Session) Reset() error {
	if err := s.assembler.CancelAll(); err != nil {
		return err
	}
	if err := s.strikes.Dispatch(strikes.ClearSelection{}); err != nil {
		return err
	}
	return s.strikes.Dispatch(strikes.SwitchMode{Mode: models.ModeTrade})
}

// Close stops all quote jobs.
func (s *Session) Close() {
	s.assembler.Close()
	log.Info().Str("session", s.id.String()).Msg("Session closed")
}
