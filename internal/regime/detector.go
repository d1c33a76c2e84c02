// Package regime classifies the market regime of each traded symbol from the
// snapshots the loop publishes.
package regime

import (
	"math"
	"sync"
)

// Regime is a market regime classification.
type Regime string

const (
	RegimeTrendingUp    Regime = "TRENDING_UP"
	RegimeTrendingDown  Regime = "TRENDING_DOWN"
	RegimeMeanReverting Regime = "MEAN_REVERTING"
	RegimeHighVol       Regime = "HIGH_VOLATILITY"
	RegimeLowVol        Regime = "LOW_VOLATILITY"
	RegimeBreakout      Regime = "BREAKOUT"
	RegimeUnknown       Regime = "UNKNOWN"
)

// Config holds the classification thresholds.
type Config struct {
	// MomentumUp: momentum above this classifies as TRENDING_UP.
	MomentumUp float64
	// MomentumDown: momentum below this (negative) value classifies as TRENDING_DOWN.
	MomentumDown float64
	// VolatilityHigh: return volatility above this classifies as HIGH_VOLATILITY.
	VolatilityHigh float64
	// VolatilityLow: return volatility below this classifies as LOW_VOLATILITY.
	VolatilityLow float64
	// BreakoutMomentumMult: |momentum| above this multiple of its recent
	// average, together with a volume surge, classifies as BREAKOUT.
	BreakoutMomentumMult float64
	// BreakoutVolumeMin: minimum volume surge ratio confirming a breakout.
	BreakoutVolumeMin float64
	// MinSamples: updates before classifying. Earlier updates are UNKNOWN.
	MinSamples int
	// MomentumHistSize: momentum values kept for breakout detection.
	MomentumHistSize int
}

// DefaultConfig suits snapshots taken every few seconds to minutes.
func DefaultConfig() Config {
	return Config{
		MomentumUp:           0.001,  // 0.1% rate of change
		MomentumDown:         -0.001, // -0.1%
		VolatilityHigh:       0.02,   // 2% per-snapshot return stddev
		VolatilityLow:        0.0005, // 0.05%
		BreakoutMomentumMult: 3.0,
		BreakoutVolumeMin:    2.0, // twice the recent average volume
		MinSamples:           10,
		MomentumHistSize:     20,
	}
}

// Features are the inputs of one classification.
type Features struct {
	Momentum    float64 // fractional rate of change
	Volatility  float64 // stddev of per-snapshot returns
	VolumeSurge float64 // latest volume over the recent average, 1 when flat
}

// Update is the result of Detector.Update.
type Update struct {
	Symbol     string  `json:"symbol"`
	Regime     Regime  `json:"regime"`
	Prev       Regime  `json:"prev_regime,omitempty"` // set only on a change
	Confidence float64 `json:"confidence"`
}

// Changed reports whether the update moved the symbol to a new regime.
func (u Update) Changed() bool { return u.Prev != "" }

type symbolState struct {
	regime       Regime
	confidence   float64
	last         Features
	sampleCount  int
	momentumHist []float64 // ring of recent momentum values
	histHead     int       // write position
	histCount    int       // valid entries
}

// Detector applies threshold rules to features, per symbol.
type Detector struct {
	config Config
	mu     sync.RWMutex
	states map[string]*symbolState
}

// NewDetector creates a threshold-based detector.
func NewDetector(config Config) *Detector {
	if config.MomentumHistSize <= 0 {
		config.MomentumHistSize = 20
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 1
	}
	return &Detector{
		config: config,
		states: make(map[string]*symbolState),
	}
}

// Update classifies symbol with f.
func (d *Detector) Update(symbol string, f Features) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.getOrCreate(symbol)
	s.last = f
	s.sampleCount++

	s.momentumHist[s.histHead] = f.Momentum
	s.histHead = (s.histHead + 1) % d.config.MomentumHistSize
	if s.histCount < d.config.MomentumHistSize {
		s.histCount++
	}

	prev := s.regime
	if s.sampleCount < d.config.MinSamples {
		s.regime, s.confidence = RegimeUnknown, 0
	} else {
		s.regime, s.confidence = d.classify(s)
	}

	u := Update{Symbol: symbol, Regime: s.regime, Confidence: s.confidence}
	if prev != s.regime {
		u.Prev = prev
	}
	return u
}

// CurrentRegime returns the regime and confidence of symbol, or
// (UNKNOWN, 0) if it has not been seen.
func (d *Detector) CurrentRegime(symbol string) (Regime, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.states[symbol]
	if !ok {
		return RegimeUnknown, 0
	}
	return s.regime, s.confidence
}

// classify checks, in order: breakout, volatility extremes, trend, then
// mean reversion.
func (d *Detector) classify(s *symbolState) (Regime, float64) {
	f := s.last
	cfg := d.config

	if s.histCount >= 3 {
		avg := d.avgAbsMomentum(s)
		abs := math.Abs(f.Momentum)
		if avg > 0 && abs > cfg.BreakoutMomentumMult*avg && f.VolumeSurge >= cfg.BreakoutVolumeMin {
			ratio := abs / (cfg.BreakoutMomentumMult * avg)
			return RegimeBreakout, clampConfidence(0.6 + 0.4*math.Min(ratio-1, 1))
		}
	}

	if f.Volatility > cfg.VolatilityHigh {
		excess := (f.Volatility - cfg.VolatilityHigh) / cfg.VolatilityHigh
		return RegimeHighVol, clampConfidence(0.5 + 0.5*math.Min(excess, 1))
	}
	if f.Volatility < cfg.VolatilityLow && f.Volatility >= 0 {
		deficit := (cfg.VolatilityLow - f.Volatility) / cfg.VolatilityLow
		return RegimeLowVol, clampConfidence(0.5 + 0.5*math.Min(deficit, 1))
	}

	if f.Momentum > cfg.MomentumUp {
		excess := (f.Momentum - cfg.MomentumUp) / math.Abs(cfg.MomentumUp)
		return RegimeTrendingUp, clampConfidence(0.5 + 0.4*math.Min(excess, 1))
	}
	if f.Momentum < cfg.MomentumDown {
		excess := (cfg.MomentumDown - f.Momentum) / math.Abs(cfg.MomentumDown)
		return RegimeTrendingDown, clampConfidence(0.5 + 0.4*math.Min(excess, 1))
	}

	// Flat momentum with medium volatility.
	norm := math.Abs(f.Momentum) / math.Abs(cfg.MomentumUp)
	return RegimeMeanReverting, clampConfidence(0.5 + 0.4*(1-norm))
}

// avgAbsMomentum averages |momentum| over the history, excluding the newest
// entry so the current value is compared against the past.
func (d *Detector) avgAbsMomentum(s *symbolState) float64 {
	if s.histCount < 2 {
		return 0
	}
	size := d.config.MomentumHistSize
	sum := 0.0
	for i := 0; i < s.histCount-1; i++ {
		idx := (s.histHead - 2 - i + 2*size) % size
		sum += math.Abs(s.momentumHist[idx])
	}
	return sum / float64(s.histCount-1)
}

func (d *Detector) getOrCreate(symbol string) *symbolState {
	s, ok := d.states[symbol]
	if !ok {
		s = &symbolState{
			regime:       RegimeUnknown,
			momentumHist: make([]float64, d.config.MomentumHistSize),
		}
		d.states[symbol] = s
	}
	return s
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
