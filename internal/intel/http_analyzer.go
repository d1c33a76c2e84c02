package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexus-trading/tradecore/internal/adapters"
	"github.com/nexus-trading/tradecore/internal/market"
)

// maxContextCandles caps how much history is sent to the service.
const maxContextCandles = 50

// HTTPAnalyzer calls an external commentary service:
//
//	POST <endpoint>/analyze {"symbol","price","change_pct","volume","closes"}
//	-> {"sentiment","confidence","rationale"}
type HTTPAnalyzer struct {
	rest *adapters.Client
}

var _ Analyzer = (*HTTPAnalyzer)(nil)

// NewHTTPAnalyzer creates an analyzer for endpoint. apiKey is sent as a
// bearer token when set.
func NewHTTPAnalyzer(endpoint, apiKey string, timeout time.Duration) *HTTPAnalyzer {
	opts := []adapters.ClientOption{adapters.WithBreaker(3, 5*time.Minute)}
	if timeout > 0 {
		opts = append(opts, adapters.WithTimeout(timeout))
	}
	if apiKey != "" {
		opts = append(opts, adapters.WithHeader("Authorization", "Bearer "+apiKey))
	}
	return &HTTPAnalyzer{rest: adapters.NewClient("ai-analyzer", endpoint, opts...)}
}

func (h *HTTPAnalyzer) Name() string { return h.rest.Name() }

type analyzeRequest struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume"`
	Closes    []float64 `json:"closes"`
}

type analyzeResponse struct {
	Sentiment  float64 `json:"sentiment"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func (h *HTTPAnalyzer) Analyze(ctx context.Context, symbol string, snap market.Snapshot, series []market.Candle) (Analysis, error) {
	if len(series) > maxContextCandles {
		series = series[len(series)-maxContextCandles:]
	}
	body, err := json.Marshal(analyzeRequest{
		Symbol:    symbol,
		Price:     snap.Price,
		ChangePct: snap.PriceChangePct,
		Volume:    snap.Volume,
		Closes:    market.Closes(series),
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("marshal analyze request: %w", err)
	}

	var resp analyzeResponse
	headers := map[string]string{"Content-Type": "application/json"}
	if err := h.rest.Do(ctx, http.MethodPost, "/analyze", nil, body, headers, &resp); err != nil {
		return Analysis{}, err
	}
	return Analysis{
		Symbol:     symbol,
		Sentiment:  clamp(resp.Sentiment, -1, 1),
		Confidence: clamp(resp.Confidence, 0, 1),
		Rationale:  resp.Rationale,
		Provider:   h.Name(),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
