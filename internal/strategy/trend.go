package strategy

import (
	"context"
	"fmt"
	"math"
)

// Trend follower parameter keys.
const (
	ParamTrendThreshold = "trend_threshold"
	ParamMinVolumeUSD   = "min_volume_usd"
	ParamVolumeSurge    = "volume_surge"
)

func trendDefaults() Params {
	return Params{
		ParamLookback:       20,
		ParamTrendThreshold: 0.01,
		ParamMinVolumeUSD:   0,
		ParamVolumeSurge:    1.2,
	}
}

// NewTrendFollower signals when the percent change over the lookback exceeds
// the threshold, the window's traded notional meets min_volume_usd, and the
// latest bar's volume is at least volume_surge times the window average.
func NewTrendFollower(p Params) EvaluateFunc {
	p = trendDefaults().Merge(p)
	lookback := p.Int(ParamLookback, 20)
	if lookback < 2 {
		lookback = 2
	}
	threshold := p.Float(ParamTrendThreshold, 0.01)
	minVolume := math.Max(0, p.Float(ParamMinVolumeUSD, 0))
	surge := p.Float(ParamVolumeSurge, 1.2)

	return func(_ context.Context, ec EvalContext) (Signal, error) {
		if len(ec.Series) < lookback {
			return insufficient(len(ec.Series), lookback), nil
		}
		window := ec.Series[len(ec.Series)-lookback:]
		oldest, latest := window[0], window[len(window)-1]
		if oldest.Close <= 0 {
			return HoldSignal("trend undefined: zero reference price"), nil
		}

		change := (latest.Close - oldest.Close) / oldest.Close
		var notional, volSum float64
		for _, k := range window {
			notional += math.Abs(k.Close * k.Volume)
			volSum += k.Volume
		}
		avgVol := volSum / float64(len(window))
		reason := fmt.Sprintf("Δ=%.2f%% volume=%.0f", change*100, notional)

		if math.Abs(change) < threshold {
			return HoldSignal("trend below threshold: " + reason), nil
		}
		if minVolume > 0 && notional < minVolume {
			return HoldSignal("trend without volume: " + reason), nil
		}
		if avgVol > 0 && latest.Volume < surge*avgVol {
			return HoldSignal("trend without volume surge: " + reason), nil
		}

		conf := WithConfidence(0.5 + math.Min(math.Abs(change)/(threshold*4), 0.5))
		if change > 0 {
			return BuySignal("trend follow: "+reason, conf, WithTradeKind("trend")), nil
		}
		return SellSignal("trend follow: "+reason, conf, WithTradeKind("trend")), nil
	}
}
