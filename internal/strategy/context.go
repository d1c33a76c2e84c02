package strategy

import (
	"context"

	"github.com/nexus-trading/tradecore/internal/intel"
	"github.com/nexus-trading/tradecore/internal/market"
)

// EvalContext is everything a strategy sees for one decision.
type EvalContext struct {
	Symbol   string
	Snapshot market.Snapshot
	// Series is ordered oldest first.
	Series []market.Candle
	// Analysis is the cached AI enrichment, nil when disabled or unavailable.
	Analysis    *intel.Analysis
	PriorSignal *Signal
	Config      map[string]any
}

// Price returns the snapshot price, falling back to the last close.
func (ec EvalContext) Price() float64 {
	if ec.Snapshot.Price > 0 {
		return ec.Snapshot.Price
	}
	if n := len(ec.Series); n > 0 {
		return ec.Series[n-1].Close
	}
	return 0
}

// EvaluateFunc turns market context into a Signal. Insufficient data is not
// an error: implementations return a HOLD signal saying why.
type EvaluateFunc func(ctx context.Context, ec EvalContext) (Signal, error)
