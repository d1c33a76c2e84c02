package regime

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/strategy/indicators"
)

const (
	// DefaultWindow is the number of snapshots features are computed over.
	DefaultWindow = 30
	momentumLag   = 5
)

// Tracker derives features from successive market snapshots and feeds a
// Detector. Snapshots are keyed by symbol, so a data source switch keeps
// the history.
type Tracker struct {
	det      *Detector
	window   int
	onChange func(Update)
	lg       zerolog.Logger

	mu      sync.Mutex
	prices  map[string][]float64
	volumes map[string][]float64
}

// NewTracker creates a tracker. onChange, if set, runs on every regime
// transition, including the first classification.
func NewTracker(det *Detector, window int, onChange func(Update)) *Tracker {
	if window < 3 {
		window = DefaultWindow
	}
	return &Tracker{
		det:      det,
		window:   window,
		onChange: onChange,
		lg:       log.With().Str("component", "regime").Logger(),
		prices:   make(map[string][]float64),
		volumes:  make(map[string][]float64),
	}
}

// Attach feeds every market snapshot on b into the tracker.
func (t *Tracker) Attach(b *bus.Bus) (detach func()) {
	return b.Subscribe(bus.TopicMarketSnapshot, func(ev bus.Event) error {
		snap, ok := ev.Payload.(bus.MarketSnapshotEvent)
		if !ok {
			return fmt.Errorf("regime tracker: unexpected payload %T", ev.Payload)
		}
		t.Observe(snap)
		return nil
	})
}

// Observe records a snapshot. It returns false while fewer than three
// prices are known.
func (t *Tracker) Observe(ev bus.MarketSnapshotEvent) (Update, bool) {
	if ev.Price <= 0 {
		return Update{}, false
	}

	t.mu.Lock()
	prices := appendWindow(t.prices[ev.Symbol], ev.Price, t.window)
	volumes := appendWindow(t.volumes[ev.Symbol], ev.Volume, t.window)
	t.prices[ev.Symbol] = prices
	t.volumes[ev.Symbol] = volumes
	t.mu.Unlock()

	if len(prices) < 3 {
		return Update{}, false
	}

	u := t.det.Update(ev.Symbol, features(prices, volumes))
	if u.Changed() {
		t.lg.Info().
			Str("symbol", u.Symbol).
			Str("from", string(u.Prev)).
			Str("to", string(u.Regime)).
			Float64("confidence", u.Confidence).
			Msg("market regime changed")
		if t.onChange != nil {
			t.onChange(u)
		}
	}
	return u, true
}

// Current returns the regime of symbol.
func (t *Tracker) Current(symbol string) (Regime, float64) {
	return t.det.CurrentRegime(symbol)
}

func features(prices, volumes []float64) Features {
	lag := momentumLag
	if lag > len(prices)-1 {
		lag = len(prices) - 1
	}
	momentum, _ := indicators.ROC(prices, lag)
	return Features{
		Momentum:    momentum,
		Volatility:  indicators.StdDev(indicators.Returns(prices)),
		VolumeSurge: volumeSurge(volumes),
	}
}

// volumeSurge is the latest volume over the mean of the earlier ones.
func volumeSurge(volumes []float64) float64 {
	n := len(volumes)
	if n < 2 {
		return 1
	}
	sum := 0.0
	for _, v := range volumes[:n-1] {
		sum += v
	}
	mean := sum / float64(n-1)
	if mean <= 0 {
		return 1
	}
	return volumes[n-1] / mean
}

func appendWindow(s []float64, v float64, size int) []float64 {
	s = append(s, v)
	if len(s) > size {
		s = append(s[:0:0], s[len(s)-size:]...)
	}
	return s
}
