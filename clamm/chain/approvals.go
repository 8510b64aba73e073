package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/intents"
	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// AllowanceReader reads ERC-20 allowances.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Approval is an allowance that has to be raised before the intents can be submitted.
type Approval struct {
	Token     models.Token
	Spender   common.Address
	Required  *big.Int
	Allowance *big.Int
}

type approvalKey struct {
	token   common.Address
	spender common.Address
}

/*
PlanApprovals works out which allowances are too low for the given intents.

Spend is summed per token and spender (the intent recipient) and compared with
the current on-chain allowance. Entries are only returned when the allowance
is below the required amount.

Parameters:
  - reader: allowance source
  - owner: the wallet the tokens are pulled from
  - list: the pending intents

Returns:
  - []Approval: sorted by token symbol then spender
  - error: if any allowance read fails
*/
func PlanApprovals(ctx context.Context, reader AllowanceReader, owner common.Address, list []intents.Intent) ([]Approval, error) {
	required := make(map[approvalKey]*Approval)
	for _, intent := range list {
		spend := intent.Spend()
		if spend.Sign() == 0 {
			continue
		}
		key := approvalKey{token: intent.Token.Address, spender: intent.Recipient}
		entry, ok := required[key]
		if !ok {
			entry = &Approval{Token: intent.Token, Spender: intent.Recipient, Required: new(big.Int)}
			required[key] = entry
		}
		entry.Required.Add(entry.Required, spend)
	}

	entries := make([]*Approval, 0, len(required))
	for _, entry := range required {
		entries = append(entries, entry)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		g.Go(func() error {
			allowance, err := reader.Allowance(gctx, entry.Token.Address, owner, entry.Spender)
			if err != nil {
				return fmt.Errorf("allowance of %s: %w", entry.Token.Symbol, err)
			}
			entry.Allowance = allowance
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Approval, 0, len(entries))
	for _, entry := range entries {
		if entry.Allowance.Cmp(entry.Required) < 0 {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token.Symbol != out[j].Token.Symbol {
			return out[i].Token.Symbol < out[j].Token.Symbol
		}
		return out[i].Spender.Cmp(out[j].Spender) < 0
	})
	return out, nil
}

// Tx returns the approve transaction raising the allowance to Required.
func (a Approval) Tx() (Tx, error) {
	data, err := EncodeApprove(a.Spender, a.Required)
	if err != nil {
		return Tx{}, fmt.Errorf("encode approve: %w", err)
	}
	return Tx{To: a.Token.Address, Data: data}, nil
}
