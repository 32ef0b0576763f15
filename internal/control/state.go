// Package control implements the runtime control plane: a mutex-guarded
// working symbol set and a command listener that mutates it in response
// to messages from the control queue.
package control

import (
	"errors"
	"sort"
	"sync"

	"github.com/quantfeed/marketpulse/internal/exchange"
)

var (
	// ErrDuplicateSymbol is returned by Add for a symbol already present.
	ErrDuplicateSymbol = errors.New("duplicate_symbol")
	// ErrSymbolNotFound is returned by Remove for an absent symbol.
	ErrSymbolNotFound = errors.New("symbol_not_found")
)

// SymbolSet is the shared working symbol set. All mutations take the
// single mutex, so concurrent commands apply in FIFO lock order and
// readers always observe a complete state. An empty set means the full
// symbol universe of each exchange.
type SymbolSet struct {
	mu      sync.Mutex
	symbols map[exchange.Symbol]struct{}
}

// NewSymbolSet seeds the set, dropping duplicates.
func NewSymbolSet(initial []exchange.Symbol) *SymbolSet {
	s := &SymbolSet{symbols: make(map[exchange.Symbol]struct{}, len(initial))}
	for _, sym := range initial {
		s.symbols[sym] = struct{}{}
	}
	return s
}

// Add inserts a symbol. Adding an existing symbol fails and leaves the
// set unchanged.
func (s *SymbolSet) Add(sym exchange.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[sym]; ok {
		return ErrDuplicateSymbol
	}
	s.symbols[sym] = struct{}{}
	return nil
}

// Remove deletes a symbol. Removing an absent symbol fails and leaves
// the set unchanged.
func (s *SymbolSet) Remove(sym exchange.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[sym]; !ok {
		return ErrSymbolNotFound
	}
	delete(s.symbols, sym)
	return nil
}

// Set replaces the whole working set atomically.
func (s *SymbolSet) Set(symbols []exchange.Symbol) {
	next := make(map[exchange.Symbol]struct{}, len(symbols))
	for _, sym := range symbols {
		next[sym] = struct{}{}
	}
	s.mu.Lock()
	s.symbols = next
	s.mu.Unlock()
}

// Symbols returns a sorted copy. Callers own the slice.
func (s *SymbolSet) Symbols() []exchange.Symbol {
	s.mu.Lock()
	out := make([]exchange.Symbol, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len reports the current set size.
func (s *SymbolSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.symbols)
}
