package strategy

import (
	"fmt"
)

// Built-in strategy IDs.
const (
	ConfluenceID    ID = DefaultID
	MomentumScalpID ID = "momentumScalp"
	TrendFollowerID ID = "trendFollower"
	AIAssistedID    ID = "aiAssisted"
)

// Factory builds an evaluate function from parameters. Missing keys take the
// definition's defaults.
type Factory func(Params) EvaluateFunc

// Definition describes a parameterised built-in strategy.
type Definition struct {
	ID       ID
	Defaults Params
	// Grid lists candidate values per parameter for the optimizer.
	Grid map[string][]float64
	New  Factory
}

// Builtins returns the definitions of all built-in strategies.
func Builtins() []Definition {
	return []Definition{
		{
			ID:       ConfluenceID,
			Defaults: confluenceDefaults(),
			Grid: map[string][]float64{
				ParamRSIOversold:   {25, 30, 35},
				ParamRSIOverbought: {65, 70, 75},
				ParamSMAFast:       {5, 10},
				ParamSMASlow:       {20, 30},
			},
			New: NewConfluence,
		},
		{
			ID:       MomentumScalpID,
			Defaults: scalpDefaults(),
			Grid: map[string][]float64{
				ParamLookback:          {5, 10, 20},
				ParamMomentumThreshold: {0.001, 0.002, 0.004},
			},
			New: NewMomentumScalp,
		},
		{
			ID:       TrendFollowerID,
			Defaults: trendDefaults(),
			Grid: map[string][]float64{
				ParamLookback:       {10, 20, 40},
				ParamTrendThreshold: {0.005, 0.01, 0.02},
			},
			New: NewTrendFollower,
		},
		{
			ID:       AIAssistedID,
			Defaults: aiAssistedDefaults(),
			New:      NewAIAssisted,
		},
	}
}

// LookupDefinition finds the built-in definition for id or its base.
func LookupDefinition(id ID) (Definition, bool) {
	base := id.Base()
	for _, d := range Builtins() {
		if d.ID == base {
			return d, true
		}
	}
	return Definition{}, false
}

// NewDefaultRegistry returns a registry with every built-in registered and
// the confluence strategy as fallback.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(DefaultID, NewConfluence(nil))
	if err := RegisterBuiltins(r); err != nil {
		// Built-ins are never nil; this only guards future edits.
		panic(err)
	}
	return r
}

// RegisterBuiltins registers every built-in with default parameters.
func RegisterBuiltins(r *Registry) error {
	for _, d := range Builtins() {
		if err := r.Register(d.ID, d.New(d.Defaults)); err != nil {
			return fmt.Errorf("register builtin %s: %w", d.ID, err)
		}
	}
	return nil
}

func insufficient(have, need int) Signal {
	return HoldSignal(fmt.Sprintf("insufficient history: have %d candles, need %d", have, need),
		WithConfidence(0))
}
