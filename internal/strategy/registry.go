package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNilEvaluate is returned when registering a nil function.
var ErrNilEvaluate = errors.New("nil evaluate function")

// Registry maps strategy IDs to evaluate functions. Registering an existing
// ID replaces it. Lookups of unknown IDs return the default strategy, so
// Get never returns nil.
type Registry struct {
	mu        sync.RWMutex
	fns       map[ID]EvaluateFunc
	latest    map[ID]int // base ID -> newest optimized version
	defaultID ID
}

// NewRegistry creates a registry whose fallback is defaultFn under defaultID.
// A nil defaultFn is replaced by one that always holds.
func NewRegistry(defaultID ID, defaultFn EvaluateFunc) *Registry {
	if defaultFn == nil {
		defaultFn = func(context.Context, EvalContext) (Signal, error) {
			return HoldSignal("no default strategy configured"), nil
		}
	}
	return &Registry{
		fns:       map[ID]EvaluateFunc{defaultID: defaultFn},
		latest:    make(map[ID]int),
		defaultID: defaultID,
	}
}

// DefaultID returns the fallback strategy ID.
func (r *Registry) DefaultID() ID { return r.defaultID }

// Register stores fn under id, overwriting any previous entry.
func (r *Registry) Register(id ID, fn EvaluateFunc) error {
	if id == "" {
		return errors.New("empty strategy id")
	}
	if fn == nil {
		return fmt.Errorf("register %s: %w", id, ErrNilEvaluate)
	}

	r.mu.Lock()
	_, replaced := r.fns[id]
	r.fns[id] = fn
	if v := id.Version(); v > r.latest[id.Base()] {
		r.latest[id.Base()] = v
	}
	r.mu.Unlock()

	log.Debug().Str("strategy_id", string(id)).Bool("replaced", replaced).Msg("strategy registered")
	return nil
}

// Get returns the function for id, or the default strategy's function.
func (r *Registry) Get(id ID) EvaluateFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.fns[id]; ok {
		return fn
	}
	return r.fns[r.defaultID]
}

// Has reports whether id is registered.
func (r *Registry) Has(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fns[id]
	return ok
}

// List returns all registered IDs, sorted.
func (r *Registry) List() []ID {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RegisterVariant registers fn as the next optimized version of base and
// returns its ID.
func (r *Registry) RegisterVariant(base ID, fn EvaluateFunc) (ID, error) {
	if fn == nil {
		return "", fmt.Errorf("register variant of %s: %w", base, ErrNilEvaluate)
	}
	root := base.Base()

	r.mu.Lock()
	next := r.latest[root] + 1
	id := OptimizedID(root, next)
	r.fns[id] = fn
	r.latest[root] = next
	r.mu.Unlock()

	log.Info().Str("base", string(root)).Str("strategy_id", string(id)).Msg("optimized strategy variant registered")
	return id, nil
}

// LatestVariant returns the newest optimized descendant of base.
func (r *Registry) LatestVariant(base ID) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := r.latest[base.Base()]
	if v == 0 {
		return "", false
	}
	return OptimizedID(base.Base(), v), true
}

// ResolveActive picks the ID the loop should evaluate for a configured base:
// the newest optimized descendant when preferOptimized is set and one exists,
// else base when registered, else the default.
func (r *Registry) ResolveActive(base ID, preferOptimized bool) ID {
	if preferOptimized {
		if id, ok := r.LatestVariant(base); ok {
			return id
		}
	}
	if r.Has(base) {
		return base
	}
	return r.defaultID
}
