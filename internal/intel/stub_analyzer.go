package intel

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus-trading/tradecore/internal/market"
)

// StubAnalyzer is a deterministic Analyzer. It returns pre-loaded results in
// order, cycling when exhausted.
type StubAnalyzer struct {
	mu        sync.Mutex
	name      string
	responses []Analysis
	idx       int
	healthy   bool
	calls     int
}

func NewStubAnalyzer(name string, responses []Analysis) *StubAnalyzer {
	return &StubAnalyzer{name: name, responses: responses, healthy: true}
}

func (s *StubAnalyzer) Name() string { return s.name }

func (s *StubAnalyzer) Analyze(_ context.Context, symbol string, _ market.Snapshot, _ []market.Candle) (Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if !s.healthy {
		return Analysis{}, fmt.Errorf("analyzer %s is unhealthy", s.name)
	}
	if len(s.responses) == 0 {
		return Analysis{}, fmt.Errorf("analyzer %s has no responses configured", s.name)
	}

	a := s.responses[s.idx]
	a.Symbol = symbol
	a.Provider = s.name
	s.idx = (s.idx + 1) % len(s.responses)
	return a, nil
}

// SetHealthy toggles failure mode.
func (s *StubAnalyzer) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// Calls returns the number of Analyze invocations.
func (s *StubAnalyzer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
