package strikes

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Cogwheel-Validator/spectra-clamm/clamm/models"
)

var (
	ErrUnknownStrike = errors.New("unknown strike index")
	ErrInvalidMode   = errors.New("invalid trade mode")
)

// Action is a typed state change applied by Store.Dispatch.
type Action interface {
	apply(s *state) error
}

type state struct {
	chain    []Strike
	selected map[int]Strike
	mode     models.Mode
}

// Replace swaps the strike chain for a freshly derived one. Selections whose
// tick range survives are kept under their new index, the rest are dropped.
type Replace struct {
	Strikes []Strike
}

func (a Replace) apply(s *state) error {
	byKey := make(map[Key]Strike, len(a.Strikes))
	for _, strike := range a.Strikes {
		byKey[strike.Key()] = strike
	}
	selected := make(map[int]Strike, len(s.selected))
	for _, old := range s.selected {
		if fresh, ok := byKey[old.Key()]; ok {
			selected[fresh.Index] = fresh
		}
	}
	s.chain = append([]Strike(nil), a.Strikes...)
	s.selected = selected
	return nil
}

// Select marks a strike of the current chain as selected.
type Select struct {
	Index int
}

func (a Select) apply(s *state) error {
	if a.Index < 0 || a.Index >= len(s.chain) {
		return fmt.Errorf("%w: %d", ErrUnknownStrike, a.Index)
	}
	s.selected[a.Index] = s.chain[a.Index]
	return nil
}

// Deselect removes a strike from the selection. Deselecting an unselected strike is a no-op.
type Deselect struct {
	Index int
}

func (a Deselect) apply(s *state) error {
	delete(s.selected, a.Index)
	return nil
}

// SwitchMode changes between trading and providing liquidity and drops the selection.
type SwitchMode struct {
	Mode models.Mode
}

func (a SwitchMode) apply(s *state) error {
	if !a.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, a.Mode)
	}
	if s.mode != a.Mode {
		s.selected = make(map[int]Strike)
	}
	s.mode = a.Mode
	return nil
}

// ClearSelection drops every selected strike.
type ClearSelection struct{}

func (ClearSelection) apply(s *state) error {
	s.selected = make(map[int]Strike)
	return nil
}

// Store owns the strike chain and the selection of one trading session.
type Store struct {
	mu sync.RWMutex
	st state
}

// NewStore creates an empty store in trade mode.
func NewStore() *Store {
	return &Store{
		st: state{
			selected: make(map[int]Strike),
			mode:     models.ModeTrade,
		},
	}
}

// Dispatch applies the action atomically.
func (s *Store) Dispatch(action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return action.apply(&s.st)
}

// Chain returns a copy of the current strike chain.
func (s *Store) Chain() []Strike {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Strike(nil), s.st.chain...)
}

// Strike returns the strike at index from the current chain.
func (s *Store) Strike(index int) (Strike, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.st.chain) {
		return Strike{}, false
	}
	return s.st.chain[index], true
}

// Selected returns the selected strikes sorted by index.
func (s *Store) Selected() []Strike {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Strike, 0, len(s.st.selected))
	for _, strike := range s.st.selected {
		out = append(out, strike)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// SelectedStrike returns the selected strike at index.
func (s *Store) SelectedStrike(index int) (Strike, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strike, ok := s.st.selected[index]
	return strike, ok
}

// Mode returns the current trade mode.
func (s *Store) Mode() models.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.mode
}
