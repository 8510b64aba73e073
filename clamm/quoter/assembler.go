// Package quoter turns per-strike amount input into quoted intents. Input is
// debounced per strike, and every new input cancels the quote job of the
// previous one.
package quoter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/chain"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/costs"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/strikes"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/ticks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "quoter").Logger()
}

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrExceedsLiquidity = errors.New("amount exceeds available liquidity")
	ErrClosed           = errors.New("assembler closed")
)

var (
	quoteResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clamm",
		Subsystem: "quoter",
		Name:      "quotes_total",
		Help:      "Quote jobs by mode and result.",
	}, []string{"mode", "result"})
	quoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clamm",
		Subsystem: "quoter",
		Name:      "quote_duration_seconds",
		Help:      "Time spent waiting on the pricing service.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})
)

const (
	DefaultDebounceWindow = 1500 * time.Millisecond
	DefaultQuoteTimeout   = 10 * time.Second
)

// PricingClient is the part of the pricing service the assembler calls.
type PricingClient interface {
	PremiumQuote(ctx context.Context, req pricing.PremiumQuoteRequest) (*pricing.PremiumQuote, error)
	DepositCalldata(ctx context.Context, req pricing.DepositRequest) (*pricing.DepositResponse, error)
}

// Config holds the assembler settings.
type Config struct {
	Market  models.Market
	Account common.Address
	// TTL is the option expiry in seconds used for premium quotes.
	TTL            uint64
	DebounceWindow time.Duration
	FeeMultiplier  decimal.Decimal
	QuoteTimeout   time.Duration
}

type pendingQuote struct {
	timer      *time.Timer
	cancel     context.CancelFunc
	generation uint64
	key        strikes.Key
}

// Assembler schedules and runs quote jobs and writes their results to the intent store.
type Assembler struct {
	cfg     Config
	pricing PricingClient
	intents *intents.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[int]*pendingQuote
	errs    map[int]string
	closed  bool
}

// NewAssembler creates an assembler writing to store. Zero config values fall back to defaults.
func NewAssembler(cfg Config, client PricingClient, store *intents.Store) *Assembler {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = DefaultQuoteTimeout
	}
	if cfg.FeeMultiplier.IsZero() {
		cfg.FeeMultiplier = costs.DefaultFeeMultiplier
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Assembler{
		cfg:     cfg,
		pricing: client,
		intents: store,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int]*pendingQuote),
		errs:    make(map[int]string),
	}
}

// SetTTL changes the expiry used by quote jobs scheduled from now on.
func (a *Assembler) SetTTL(ttl uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.TTL = ttl
}

// TTL returns the expiry used for premium quotes.
func (a *Assembler) TTL() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.TTL
}

// FeeMultiplier returns the fee share applied to premiums.
func (a *Assembler) FeeMultiplier() decimal.Decimal {
	return a.cfg.FeeMultiplier
}

// maxAmountDigits bounds user amounts on both sides of the decimal point; a
// uint256 holds at most 78 decimal digits.
const maxAmountDigits = 78

// ParseAmount parses user input. Empty input is zero.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w %q", ErrInvalidAmount, raw)
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w %q: must not be negative", ErrInvalidAmount, raw)
	}
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	exp := int(amount.Exponent())
	if exp < -maxAmountDigits || amount.NumDigits()+exp > maxAmountDigits {
		return decimal.Decimal{}, fmt.Errorf("%w %q: out of range", ErrInvalidAmount, raw)
	}
	return amount, nil
}

/*
SetAmount records new input for a strike.

Any pending or in-flight quote for the strike is cancelled first. Empty input,
zero, or an amount that truncates to zero base units clears the strike's intent
right away. Otherwise a quote job is scheduled after the debounce window.

Parameters:
  - strike: the selected strike
  - raw: the amount as typed, in token units
  - mode: trade or liquidity

Returns:
  - error: ErrInvalidAmount for non-numeric, negative or out of range input,
    which leaves the intent and any pending quote untouched
*/
func (a *Assembler) SetAmount(strike strikes.Strike, raw string, mode models.Mode) error {
	amount, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", strikes.ErrInvalidMode, mode)
	}
	rawAmount := strike.Token.ToBaseUnits(amount).BigInt()
	if rawAmount.BitLen() > 256 {
		return fmt.Errorf("%w %q: exceeds uint256", ErrInvalidAmount, raw)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	a.cancelLocked(strike.Index)
	delete(a.errs, strike.Index)

	if rawAmount.Sign() == 0 {
		return a.intents.Dispatch(intents.Clear{StrikeIndex: strike.Index})
	}

	generation := a.intents.Begin(strike.Index)
	ctx, cancel := context.WithCancel(a.ctx)
	job := &pendingQuote{cancel: cancel, generation: generation, key: strike.Key()}
	req := quoteJob{
		strike:     strike,
		amount:     amount,
		rawAmount:  rawAmount,
		mode:       mode,
		generation: generation,
		ttl:        a.cfg.TTL,
	}

	a.wg.Add(1)
	job.timer = time.AfterFunc(a.cfg.DebounceWindow, func() {
		defer a.wg.Done()
		defer a.finish(strike.Index, job)
		a.run(ctx, req)
	})
	a.pending[strike.Index] = job
	return nil
}

// Cancel drops any pending or in-flight quote for the strike and clears its intent.
func (a *Assembler) Cancel(strikeIndex int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelLocked(strikeIndex)
	delete(a.errs, strikeIndex)
	return a.intents.Dispatch(intents.Clear{StrikeIndex: strikeIndex})
}

// CancelAll drops every pending quote and clears all intents.
func (a *Assembler) CancelAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for idx := range a.pending {
		a.cancelLocked(idx)
	}
	a.errs = make(map[int]string)
	return a.intents.Dispatch(intents.ClearAll{})
}

// CancelStale drops pending quotes and intents whose strike index no longer
// resolves to the tick range they were built for. lookup returns the strike
// currently at an index.
func (a *Assembler) CancelStale(lookup func(index int) (strikes.Strike, bool)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stale := func(index int, key strikes.Key) bool {
		strike, ok := lookup(index)
		return !ok || strike.Key() != key
	}
	dropped := make(map[int]bool)
	for idx, job := range a.pending {
		if stale(idx, job.key) {
			dropped[idx] = true
		}
	}
	for _, intent := range a.intents.List() {
		if stale(intent.StrikeIndex, strikes.Key{TickLower: intent.TickLower, TickUpper: intent.TickUpper}) {
			dropped[intent.StrikeIndex] = true
		}
	}

	for idx := range dropped {
		a.cancelLocked(idx)
		delete(a.errs, idx)
		if err := a.intents.Dispatch(intents.Clear{StrikeIndex: idx}); err != nil {
			return err
		}
	}
	if len(dropped) > 0 {
		log.Debug().Int("dropped", len(dropped)).Msg("Dropped quotes for moved strikes")
	}
	return nil
}

func (a *Assembler) cancelLocked(strikeIndex int) {
	job, ok := a.pending[strikeIndex]
	if !ok {
		return
	}
	delete(a.pending, strikeIndex)
	job.cancel()
	if job.timer.Stop() {
		// the callback will never run
		a.wg.Done()
	}
}

func (a *Assembler) finish(strikeIndex int, job *pendingQuote) {
	job.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending[strikeIndex] == job {
		delete(a.pending, strikeIndex)
	}
}

// Pending returns the number of scheduled or running quote jobs.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Errors returns the input errors per strike index.
func (a *Assembler) Errors() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.errs))
	for idx, msg := range a.errs {
		out[idx] = msg
	}
	return out
}

func (a *Assembler) setError(strikeIndex int, generation uint64, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.intents.Generation(strikeIndex) != generation {
		return
	}
	a.errs[strikeIndex] = msg
}

// Close cancels every pending and in-flight quote and waits for the jobs to return.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for idx := range a.pending {
		a.cancelLocked(idx)
	}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}

type quoteJob struct {
	strike     strikes.Strike
	amount     decimal.Decimal
	rawAmount  *big.Int
	mode       models.Mode
	generation uint64
	ttl        uint64
}

func (a *Assembler) run(ctx context.Context, job quoteJob) {
	if ctx.Err() != nil {
		return
	}
	idx := job.strike.Index
	logger := log.With().Int("strike", idx).Str("mode", string(job.mode)).Uint64("generation", job.generation).Logger()

	liquidity, err := ticks.LiquidityForTickRange(job.strike.TickLower, job.strike.TickUpper, job.rawAmount, job.strike.IsToken0)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to compute liquidity")
		a.setError(idx, job.generation, err.Error())
		a.discard(job)
		quoteResults.WithLabelValues(string(job.mode), "invalid").Inc()
		return
	}

	if job.mode == models.ModeTrade {
		available := job.strike.AvailableLiquidity
		if available != nil && liquidity.Cmp(available) > 0 {
			err := fmt.Errorf("%w: need %s, available %s", ErrExceedsLiquidity, liquidity, available)
			a.setError(idx, job.generation, err.Error())
			a.discard(job)
			quoteResults.WithLabelValues(string(job.mode), "exceeds_liquidity").Inc()
			return
		}
	}

	qctx, cancel := context.WithTimeout(ctx, a.cfg.QuoteTimeout)
	defer cancel()

	start := time.Now()
	var intent intents.Intent
	if job.mode == models.ModeTrade {
		intent, err = a.quoteTrade(qctx, job, liquidity)
	} else {
		intent, err = a.quoteDeposit(qctx, job, liquidity)
	}
	quoteLatency.WithLabelValues(string(job.mode)).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			quoteResults.WithLabelValues(string(job.mode), "cancelled").Inc()
			return
		}
		logger.Warn().Err(err).Msg("Quote failed")
		quoteResults.WithLabelValues(string(job.mode), "error").Inc()
		return
	}

	if err := a.intents.Dispatch(intents.Quoted{Intent: intent}); err != nil {
		if errors.Is(err, intents.ErrStale) {
			logger.Debug().Err(err).Msg("Discarding stale quote")
			quoteResults.WithLabelValues(string(job.mode), "stale").Inc()
			return
		}
		logger.Error().Err(err).Msg("Failed to store intent")
		return
	}
	quoteResults.WithLabelValues(string(job.mode), "ok").Inc()
	logger.Debug().Str("premium", intent.Premium.String()).Msg("Intent quoted")
}

// discard removes the strike's intent if the job is still the latest input.
func (a *Assembler) discard(job quoteJob) {
	err := a.intents.Dispatch(intents.Discard{StrikeIndex: job.strike.Index, Generation: job.generation})
	if err != nil && !errors.Is(err, intents.ErrStale) {
		log.Error().Err(err).Int("strike", job.strike.Index).Msg("Failed to discard intent")
	}
}

func (a *Assembler) baseIntent(job quoteJob, liquidity *big.Int) intents.Intent {
	return intents.Intent{
		StrikeIndex: job.strike.Index,
		Mode:        job.mode,
		IsCall:      job.strike.IsCall,
		TickLower:   job.strike.TickLower,
		TickUpper:   job.strike.TickUpper,
		Amount:      job.amount,
		RawAmount:   job.rawAmount,
		Liquidity:   liquidity,
		Token:       job.strike.Token,
		Generation:  job.generation,
		QuotedAt:    time.Now(),
	}
}

func (a *Assembler) quoteTrade(ctx context.Context, job quoteJob, liquidity *big.Int) (intents.Intent, error) {
	market := a.cfg.Market
	quote, err := a.pricing.PremiumQuote(ctx, pricing.PremiumQuoteRequest{
		OptionMarket: market.OptionMarket,
		User:         a.cfg.Account,
		Tick:         job.strike.QuoteTick(),
		TTL:          job.ttl,
		IsCall:       job.strike.IsCall,
		Amount:       job.rawAmount,
	})
	if err != nil {
		return intents.Intent{}, err
	}
	premium, err := quote.Premium()
	if err != nil {
		return intents.Intent{}, err
	}
	fee := costs.Fee(premium, a.cfg.FeeMultiplier)

	calldata, err := chain.EncodeMintOption(chain.MintOptionInput{
		Handler:   market.Handler,
		Pool:      market.Pool,
		Hook:      market.Hook,
		TickLower: job.strike.TickLower,
		TickUpper: job.strike.TickUpper,
		Liquidity: liquidity,
		TTL:       job.ttl,
		IsCall:    job.strike.IsCall,
		MaxCost:   new(big.Int).Add(premium, fee),
	})
	if err != nil {
		return intents.Intent{}, fmt.Errorf("encode mintOption: %w", err)
	}

	intent := a.baseIntent(job, liquidity)
	intent.Premium = premium
	intent.Fee = fee
	intent.Recipient = market.OptionMarket
	intent.Calldata = calldata
	return intent, nil
}

func (a *Assembler) quoteDeposit(ctx context.Context, job quoteJob, liquidity *big.Int) (intents.Intent, error) {
	market := a.cfg.Market
	resp, err := a.pricing.DepositCalldata(ctx, pricing.DepositRequest{
		PositionManager: market.PositionManager,
		Handler:         market.Handler,
		Pool:            market.Pool,
		Hook:            market.Hook,
		TickLower:       job.strike.TickLower,
		TickUpper:       job.strike.TickUpper,
		Token:           job.strike.Token.Address,
		Amount:          job.rawAmount,
		User:            a.cfg.Account,
	})
	if err != nil {
		return intents.Intent{}, err
	}
	if reported, err := resp.LiquidityAmount(); err != nil {
		return intents.Intent{}, err
	} else if reported != nil && reported.Sign() > 0 {
		liquidity = reported
	}

	calldata := []byte(resp.TxData)
	if len(calldata) == 0 {
		calldata, err = chain.EncodeMintPosition(chain.MintPositionInput{
			Handler:   market.Handler,
			Pool:      market.Pool,
			Hook:      market.Hook,
			TickLower: job.strike.TickLower,
			TickUpper: job.strike.TickUpper,
			Liquidity: liquidity,
		})
		if err != nil {
			return intents.Intent{}, fmt.Errorf("encode mintPosition: %w", err)
		}
	}

	recipient := resp.To
	if recipient == (common.Address{}) {
		recipient = market.PositionManager
	}

	intent := a.baseIntent(job, liquidity)
	intent.Premium = new(big.Int).Set(job.rawAmount)
	intent.Fee = new(big.Int)
	intent.Recipient = recipient
	intent.Calldata = calldata
	return intent, nil
}
