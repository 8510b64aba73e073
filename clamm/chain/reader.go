package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "chain").Logger()
}

// Backend is the read side of a chain client. *ethclient.Client satisfies it.
type Backend interface {
	ethereum.ContractCaller
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
}

// Reader performs read-only contract calls against the latest block.
type Reader struct {
	caller Backend
}

// NewReader wraps a chain backend, usually an *ethclient.Client.
func NewReader(caller Backend) *Reader {
	return &Reader{caller: caller}
}

func (r *Reader) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func firstBig(method string, values []any) (*big.Int, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, values[0])
	}
	return v, nil
}

// Allowance returns how much spender may pull from owner.
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := r.call(ctx, erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return firstBig("allowance", values)
}

// BalanceOf returns the token balance of account.
func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	values, err := r.call(ctx, erc20ABI, token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return firstBig("balanceOf", values)
}

// PoolTick returns the current tick of a pool from slot0.
func (r *Reader) PoolTick(ctx context.Context, pool common.Address) (int, error) {
	values, err := r.call(ctx, poolABI, pool, "slot0")
	if err != nil {
		return 0, err
	}
	if len(values) < 2 {
		return 0, fmt.Errorf("slot0: short result")
	}
	tick, ok := values[1].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("slot0: unexpected tick type %T", values[1])
	}
	return int(tick.Int64()), nil
}

// TokenBalance is the balance of one token.
type TokenBalance struct {
	Token   models.Token
	Balance *big.Int
}

// Balances reads the balance of every token concurrently. The result keeps the order of tokens.
func (r *Reader) Balances(ctx context.Context, account common.Address, tokens ...models.Token) ([]TokenBalance, error) {
	out := make([]TokenBalance, len(tokens))
	g, ctx := errgroup.WithContext(ctx)
	for i, token := range tokens {
		g.Go(func() error {
			balance, err := r.BalanceOf(ctx, token.Address, account)
			if err != nil {
				return fmt.Errorf("balance of %s: %w", token.Symbol, err)
			}
			out[i] = TokenBalance{Token: token, Balance: balance}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Str("account", account.Hex()).Msg("Balance refresh failed")
		return nil, err
	}
	return out, nil
}

// ErrNoContract is returned when a market address holds no contract code.
var ErrNoContract = errors.New("no contract code")

// VerifyMarket checks that every contract of market is deployed and that the
// pool answers slot0. It reports all missing contracts at once.
func (r *Reader) VerifyMarket(ctx context.Context, market models.Market) error {
	contracts := []struct {
		role    string
		address common.Address
	}{
		{"option market", market.OptionMarket},
		{"position manager", market.PositionManager},
		{"handler", market.Handler},
		{"pool", market.Pool},
		{"call token " + market.CallToken.Symbol, market.CallToken.Address},
		{"put token " + market.PutToken.Symbol, market.PutToken.Address},
	}

	errs := make([]error, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	for i, contract := range contracts {
		g.Go(func() error {
			code, err := r.caller.CodeAt(gctx, contract.address, nil)
			if err != nil {
				return fmt.Errorf("code of %s: %w", contract.role, err)
			}
			if len(code) == 0 {
				errs[i] = fmt.Errorf("%w: %s at %s", ErrNoContract, contract.role, contract.address.Hex())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	tick, err := r.PoolTick(ctx, market.Pool)
	if err != nil {
		return fmt.Errorf("pool %s: %w", market.Pool.Hex(), err)
	}
	log.Debug().Str("market", market.Name).Int("tick", tick).Msg("Market verified")
	return nil
}
