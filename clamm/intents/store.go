// Package intents holds the pending purchase and deposit intents of a session,
// at most one per strike index.
//
// Every strike carries a generation counter. Starting a new input for a strike
// bumps it, and a quote result is only stored when it was produced for the
// generation that is still current, so a late response cannot overwrite newer input.
package intents

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrStale = errors.New("stale quote for strike")

// Intent is a quoted leg waiting to be submitted.
type Intent struct {
	StrikeIndex int
	Mode        models.Mode
	IsCall      bool
	TickLower   int
	TickUpper   int

	// Amount is the user input in token units, RawAmount the same in base units.
	Amount    decimal.Decimal
	RawAmount *big.Int
	Liquidity *big.Int

	// Premium is the quoted premium for trades and the deposit amount for liquidity.
	Premium *big.Int
	// Fee is the estimated protocol fee, zero for liquidity intents.
	Fee *big.Int

	Token     models.Token
	Recipient common.Address
	Calldata  []byte

	Generation uint64
	QuotedAt   time.Time
}

// Spend is the token amount the intent pulls from the wallet.
func (i Intent) Spend() *big.Int {
	spend := new(big.Int)
	if i.Premium != nil {
		spend.Add(spend, i.Premium)
	}
	if i.Fee != nil {
		spend.Add(spend, i.Fee)
	}
	return spend
}

// Action is a typed state change applied by Store.Dispatch.
type Action interface {
	apply(s *Store) error
}

// Quoted stores a quoted intent if its generation is still current.
type Quoted struct {
	Intent Intent
}

func (a Quoted) apply(s *Store) error {
	idx := a.Intent.StrikeIndex
	if current := s.generations[idx]; a.Intent.Generation != current {
		return fmt.Errorf("%w %d: generation %d, current %d", ErrStale, idx, a.Intent.Generation, current)
	}
	s.intents[idx] = a.Intent
	return nil
}

// Clear removes the intent of one strike and invalidates in-flight quotes for it.
type Clear struct {
	StrikeIndex int
}

func (a Clear) apply(s *Store) error {
	s.generations[a.StrikeIndex]++
	delete(s.intents, a.StrikeIndex)
	return nil
}

// Discard removes the intent of one strike on behalf of a quote job, but only
// while that job's generation is still current.
type Discard struct {
	StrikeIndex int
	Generation  uint64
}

func (a Discard) apply(s *Store) error {
	if current := s.generations[a.StrikeIndex]; a.Generation != current {
		return fmt.Errorf("%w %d: generation %d, current %d", ErrStale, a.StrikeIndex, a.Generation, current)
	}
	delete(s.intents, a.StrikeIndex)
	return nil
}

// ClearAll removes every intent and invalidates every in-flight quote.
type ClearAll struct{}

func (ClearAll) apply(s *Store) error {
	for idx := range s.generations {
		s.generations[idx]++
	}
	s.intents = make(map[int]Intent)
	return nil
}

// Store keeps pending intents keyed by strike index.
type Store struct {
	mu          sync.RWMutex
	intents     map[int]Intent
	generations map[int]uint64
}

// NewStore creates an empty intent store.
func NewStore() *Store {
	return &Store{
		intents:     make(map[int]Intent),
		generations: make(map[int]uint64),
	}
}

// Dispatch applies the action atomically.
func (s *Store) Dispatch(action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action.apply(s)
}

// Begin starts a new input generation for the strike and returns it. Quotes
// produced for older generations are rejected from now on.
func (s *Store) Begin(strikeIndex int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[strikeIndex]++
	return s.generations[strikeIndex]
}

// Generation returns the current generation of the strike.
func (s *Store) Generation(strikeIndex int) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[strikeIndex]
}

// Get returns the intent for the strike.
func (s *Store) Get(strikeIndex int) (Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[strikeIndex]
	return intent, ok
}

// List returns all intents sorted by strike index.
func (s *Store) List() []Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Intent, 0, len(s.intents))
	for _, intent := range s.intents {
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrikeIndex < out[j].StrikeIndex })
	return out
}

// Len returns the number of pending intents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intents)
}
