package probes

import (
	"fmt"
	"sync"
)

// MockSource is an in-memory Source for tests and for running the agent on
// hosts without kprobe support. Calls are injected with Fire.
type MockSource struct {
	mu          sync.Mutex
	handlers    map[string]func(delta uint64, pid uint32)
	failSymbols map[string]bool
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		handlers:    make(map[string]func(delta uint64, pid uint32)),
		failSymbols: make(map[string]bool),
	}
}

// FailSymbol makes subsequent Attach calls for symbol return an error,
// simulating an unresolvable kernel symbol.
func (s *MockSource) FailSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSymbols[symbol] = true
}

// Attach implements Source.
func (s *MockSource) Attach(symbol string, fn func(delta uint64, pid uint32)) (DetachFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSymbols[symbol] {
		return nil, fmt.Errorf("symbol %s not found", symbol)
	}
	if _, exists := s.handlers[symbol]; exists {
		return nil, fmt.Errorf("symbol %s already attached", symbol)
	}
	s.handlers[symbol] = fn

	detach := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, symbol)
		return nil
	}
	return detach, nil
}

// Fire delivers count observed calls for symbol, attributed to pid. Returns
// false when the symbol is not attached.
func (s *MockSource) Fire(symbol string, pid uint32, count uint64) bool {
	s.mu.Lock()
	fn := s.handlers[symbol]
	s.mu.Unlock()

	if fn == nil {
		return false
	}
	fn(count, pid)
	return true
}

// AttachedSymbols returns the currently attached symbols.
func (s *MockSource) AttachedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbols := make([]string, 0, len(s.handlers))
	for symbol := range s.handlers {
		symbols = append(symbols, symbol)
	}
	return symbols
}

var _ Source = (*MockSource)(nil)
