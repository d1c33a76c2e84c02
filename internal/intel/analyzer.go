package intel

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-trading/tradecore/internal/market"
)

// ErrRateLimited is returned by Gate when a call was suppressed and nothing
// is cached yet.
var ErrRateLimited = errors.New("ai analysis rate limited")

// Analysis is an AI market commentary result.
type Analysis struct {
	Symbol string `json:"symbol"`
	// Sentiment in [-1,1]: negative bearish, positive bullish.
	Sentiment  float64   `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	Provider   string    `json:"provider"`
	CreatedAt  time.Time `json:"created_at"`
}

// Age is how old the analysis is at now.
func (a Analysis) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}

// Analyzer produces AI commentary for a symbol. Implementations wrap an
// external LLM service; the core never calls one directly.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, symbol string, snap market.Snapshot, series []market.Candle) (Analysis, error)
}
