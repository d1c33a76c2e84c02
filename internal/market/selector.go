package market

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Selector maps a Source to its Gateway. The orchestrator only knows the
// selector; which client sits behind a source is composition-root wiring.
type Selector struct {
	mu       sync.RWMutex
	gateways map[Source]Gateway
}

func NewSelector() *Selector {
	return &Selector{gateways: make(map[Source]Gateway)}
}

// Register binds gw to src, replacing any previous binding.
func (s *Selector) Register(src Source, gw Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[src] = gw
	log.Info().Str("source", string(src)).Str("gateway", gw.Name()).Msg("market gateway registered")
}

// Resolve returns the gateway bound to src.
func (s *Selector) Resolve(src Source) (Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gw, ok := s.gateways[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	return gw, nil
}

// Sources lists the registered sources.
func (s *Selector) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, 0, len(s.gateways))
	for src := range s.gateways {
		out = append(out, src)
	}
	return out
}
