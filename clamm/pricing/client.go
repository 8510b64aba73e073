// Package pricing is the client of the off-chain pricing service that quotes
// option premiums, prepares deposit calldata and lists positions.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "pricing").Logger()
}

var tracer = otel.Tracer("github.com/Cogwheel-Validator/spectra-clamm/clamm/pricing")

var (
	ErrNotFound    = errors.New("pricing service: not found")
	ErrRateLimited = errors.New("pricing service: rate limited")
)

// Client talks to the pricing service. It keeps a primary endpoint and
// switches to backup endpoints while the primary is unavailable.
type Client struct {
	httpClient     *http.Client
	chainID        uint64
	primaryURL     string
	backupURLs     []string
	currentURL     string
	mu             sync.RWMutex
	watcher        *primaryWatcher
	failoverConfig FailoverConfig
	limiter        *rate.Limiter
}

// FailoverConfig controls retries, failover and request pacing.
type FailoverConfig struct {
	// MaxRetries counts extra attempts against one endpoint before moving on
	MaxRetries int
	// RetryDelay is the first backoff step, doubled per attempt
	RetryDelay time.Duration
	// HealthCheckInterval is how often the primary is polled while on a backup, 0 disables polling
	HealthCheckInterval time.Duration
	// Timeout applies to each pricing request
	Timeout time.Duration
	// RatePerSecond caps outgoing requests, 0 disables the limiter
	RatePerSecond int
}

// DefaultFailoverConfig returns the defaults used by the desk.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MaxRetries:          2,
		RetryDelay:          300 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		Timeout:             10 * time.Second,
		RatePerSecond:       10,
	}
}

// primaryWatcher polls the primary pricing endpoint while the client runs on a
// backup and switches back once /health answers.
type primaryWatcher struct {
	client   *Client
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client with a single endpoint.
func NewClient(apiURL string, chainID uint64) (*Client, error) {
	return NewClientWithFailover(apiURL, nil, chainID, DefaultFailoverConfig())
}

// NewClientWithFailover creates a client that fails over to backupURLs.
func NewClientWithFailover(primaryURL string, backupURLs []string, chainID uint64, config FailoverConfig) (*Client, error) {
	if _, err := url.ParseRequestURI(primaryURL); err != nil {
		return nil, fmt.Errorf("invalid pricing url %q: %w", primaryURL, err)
	}

	validBackups := make([]string, 0, len(backupURLs))
	for _, u := range backupURLs {
		if _, err := url.ParseRequestURI(u); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("Invalid backup URL, skipping")
			continue
		}
		validBackups = append(validBackups, u)
	}

	limit := rate.Inf
	burst := 1
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
		burst = config.RatePerSecond * 2
	}

	client := &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		chainID:        chainID,
		primaryURL:     primaryURL,
		backupURLs:     validBackups,
		currentURL:     primaryURL,
		failoverConfig: config,
		limiter:        rate.NewLimiter(limit, burst),
	}

	if len(validBackups) > 0 && config.HealthCheckInterval > 0 {
		client.startPrimaryWatcher()
	}

	log.Info().
		Str("primary", primaryURL).
		Int("backups", len(validBackups)).
		Msg("Pricing client initialized")
	return client, nil
}

func (c *Client) startPrimaryWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	c.watcher = &primaryWatcher{client: c, cancel: cancel, done: make(chan struct{})}
	go c.watcher.run(ctx, c.failoverConfig.HealthCheckInterval)
}

func (p *primaryWatcher) run(ctx context.Context, every time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tryPrimary(ctx)
		}
	}
}

// stop is safe to call more than once and returns after the watcher goroutine exits.
func (p *primaryWatcher) stop() {
	p.stopOnce.Do(p.cancel)
	<-p.done
}

// tryPrimary is a no-op while the primary is serving.
func (p *primaryWatcher) tryPrimary(ctx context.Context) {
	c := p.client
	c.mu.RLock()
	onPrimary := c.currentURL == c.primaryURL
	primary := c.primaryURL
	c.mu.RUnlock()
	if onPrimary {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.failoverConfig.Timeout)
	defer cancel()
	if !c.isEndpointHealthy(ctx, primary) {
		return
	}
	c.mu.Lock()
	c.currentURL = primary
	c.mu.Unlock()
	log.Info().Str("url", primary).Msg("Pricing traffic back on primary")
}

func (c *Client) isEndpointHealthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", endpoint).Msg("Health check failed")
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

// CurrentURL returns the endpoint requests are sent to.
func (c *Client) CurrentURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentURL
}

// failover switches to the next healthy endpoint
func (c *Client) failover(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	allURLs := append([]string{c.primaryURL}, c.backupURLs...)
	currentIdx := 0
	for i, u := range allURLs {
		if u == c.currentURL {
			currentIdx = i
			break
		}
	}

	for i := 1; i < len(allURLs); i++ {
		nextURL := allURLs[(currentIdx+i)%len(allURLs)]
		if nextURL == c.currentURL {
			continue
		}
		if c.isEndpointHealthy(ctx, nextURL) {
			c.currentURL = nextURL
			log.Info().Str("url", nextURL).Msg("Pricing traffic moved to backup")
			return true
		}
	}

	log.Warn().Str("url", c.currentURL).Msg("No healthy pricing endpoint, keeping current")
	return false
}

// Close stops the primary watcher.
func (c *Client) Close() {
	if c.watcher != nil {
		c.watcher.stop()
	}
}

// get performs a GET on path with retries and failover and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, operation, path string, query url.Values, out any) error {
	ctx, span := tracer.Start(ctx, "pricing."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("pricing.path", path))

	body, err := c.doRequestWithFailover(ctx, path+"?"+query.Encode())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to parse %s response: %w", operation, err)
	}
	return nil
}

func (c *Client) doRequestWithFailover(ctx context.Context, pathAndQuery string) ([]byte, error) {
	var lastErr error
	retryDelay := c.failoverConfig.RetryDelay

	for attempt := 0; attempt <= c.failoverConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		body, retry, err := c.doOnce(ctx, c.CurrentURL()+pathAndQuery)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	if len(c.backupURLs) > 0 && c.failover(ctx) {
		body, _, err := c.doOnce(ctx, c.CurrentURL()+pathAndQuery)
		if err != nil {
			return nil, fmt.Errorf("failover request failed: %w (original: %w)", err, lastErr)
		}
		return body, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.failoverConfig.MaxRetries+1, lastErr)
}

// doOnce sends one request. retry reports whether the failure is worth retrying.
func (c *Client) doOnce(ctx context.Context, fullURL string) (body []byte, retry bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	body, err = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	default:
		return nil, false, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(c.chainID, 10))
	return q
}

func optionType(isCall bool) string {
	if isCall {
		return "call"
	}
	return "put"
}

// PremiumQuote returns the premium for buying req.Amount at req.Tick.
func (c *Client) PremiumQuote(ctx context.Context, req PremiumQuoteRequest) (*PremiumQuote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	q := c.baseQuery()
	q.Set("optionMarket", req.OptionMarket.Hex())
	q.Set("user", req.User.Hex())
	q.Set("tick", strconv.Itoa(req.Tick))
	q.Set("ttl", strconv.FormatUint(req.TTL, 10))
	q.Set("type", optionType(req.IsCall))
	q.Set("amount", req.Amount.String())

	var quote PremiumQuote
	if err := c.get(ctx, "PremiumQuote", "/clamm/purchase/quote", q, &quote); err != nil {
		return nil, err
	}
	if _, err := quote.Premium(); err != nil {
		return nil, err
	}
	return &quote, nil
}

// DepositCalldata returns ready-to-send calldata for a liquidity deposit.
func (c *Client) DepositCalldata(ctx context.Context, req DepositRequest) (*DepositResponse, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	q := c.baseQuery()
	q.Set("positionManager", req.PositionManager.Hex())
	q.Set("handler", req.Handler.Hex())
	q.Set("pool", req.Pool.Hex())
	q.Set("hook", req.Hook.Hex())
	q.Set("tickLower", strconv.Itoa(req.TickLower))
	q.Set("tickUpper", strconv.Itoa(req.TickUpper))
	q.Set("token", req.Token.Hex())
	q.Set("amount", req.Amount.String())
	q.Set("user", req.User.Hex())

	var resp DepositResponse
	if err := c.get(ctx, "DepositCalldata", "/clamm/deposit", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenBalances returns the user's balances of both legs of a market.
func (c *Client) TokenBalances(ctx context.Context, user, callToken, putToken common.Address) (*Balances, error) {
	q := c.baseQuery()
	q.Set("user", user.Hex())
	q.Set("callToken", callToken.Hex())
	q.Set("putToken", putToken.Hex())

	var balances Balances
	if err := c.get(ctx, "TokenBalances", "/clamm/balances", q, &balances); err != nil {
		return nil, err
	}
	return &balances, nil
}

// AutoExerciseDelegates lists the delegates available to the user.
func (c *Client) AutoExerciseDelegates(ctx context.Context, user common.Address) ([]Delegate, error) {
	q := c.baseQuery()
	q.Set("user", user.Hex())

	var delegates []Delegate
	if err := c.get(ctx, "AutoExerciseDelegates", "/clamm/auto-exercise/delegates", q, &delegates); err != nil {
		return nil, err
	}
	return delegates, nil
}

// BuyPositions lists the user's open option positions on a market.
func (c *Client) BuyPositions(ctx context.Context, optionMarket, user common.Address) ([]BuyPosition, error) {
	q := c.baseQuery()
	q.Set("optionMarket", optionMarket.Hex())
	q.Set("user", user.Hex())

	var positions []BuyPosition
	if err := c.get(ctx, "BuyPositions", "/clamm/positions/buy", q, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// LPPositions lists the user's liquidity positions in a pool.
func (c *Client) LPPositions(ctx context.Context, pool, user common.Address) ([]LPPosition, error) {
	q := c.baseQuery()
	q.Set("pool", pool.Hex())
	q.Set("user", user.Hex())

	var positions []LPPosition
	if err := c.get(ctx, "LPPositions", "/clamm/positions/lp", q, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// StrikeLiquidity returns the free liquidity per strike range of a pool.
func (c *Client) StrikeLiquidity(ctx context.Context, pool common.Address) ([]StrikeLiquidity, error) {
	q := c.baseQuery()
	q.Set("pool", pool.Hex())

	var strikes []StrikeLiquidity
	if err := c.get(ctx, "StrikeLiquidity", "/clamm/strikes", q, &strikes); err != nil {
		return nil, err
	}
	return strikes, nil
}
