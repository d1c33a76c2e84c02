package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy/indicators"
)

// Momentum scalp parameter keys.
const (
	ParamLookback           = "lookback"
	ParamMomentumThreshold  = "momentum_threshold"
	ParamMaxVolatility      = "max_volatility"
	ParamImbalanceThreshold = "imbalance_threshold"
)

func scalpDefaults() Params {
	return Params{
		ParamLookback:           10,
		ParamMomentumThreshold:  0.002,
		ParamMaxVolatility:      0.02,
		ParamImbalanceThreshold: 0.1,
		ParamTargetPct:          0.006,
		ParamStopPct:            0.003,
	}
}

// NewMomentumScalp builds a short-horizon momentum strategy.
//
// Rules:
//   - BUY: rate of change over lookback > threshold, candle imbalance >
//     imbalance_threshold, return volatility < max_volatility.
//   - SELL: rate of change < -threshold and imbalance < -imbalance_threshold.
//   - A bullish AI sentiment lowers the threshold by up to 50%, a bearish one
//     raises it by up to 50%.
func NewMomentumScalp(p Params) EvaluateFunc {
	p = scalpDefaults().Merge(p)
	lookback := p.Int(ParamLookback, 10)
	if lookback < 2 {
		lookback = 2
	}
	threshold := p.Float(ParamMomentumThreshold, 0.002)
	maxVol := p.Float(ParamMaxVolatility, 0.02)
	imbThreshold := p.Float(ParamImbalanceThreshold, 0.1)
	targetPct := p.Float(ParamTargetPct, 0.006)
	stopPct := p.Float(ParamStopPct, 0.003)

	return func(_ context.Context, ec EvalContext) (Signal, error) {
		need := lookback + 1
		if len(ec.Series) < need {
			return insufficient(len(ec.Series), need), nil
		}
		window := ec.Series[len(ec.Series)-need:]
		closes := market.Closes(window)

		roc, ok := indicators.ROC(closes, lookback)
		if !ok {
			return HoldSignal("momentum undefined: zero reference price"), nil
		}
		vol := indicators.StdDev(indicators.Returns(closes))
		imb := candleImbalance(window[1:])

		eff := threshold
		if a := ec.Analysis; a != nil {
			eff = threshold * (1 - clampUnit(a.Sentiment)*0.5)
		}

		price := ec.Price()
		desc := fmt.Sprintf("roc=%.4f thr=%.4f imb=%.2f vol=%.4f", roc, eff, imb, vol)
		conf := WithConfidence(math.Min(math.Abs(roc)/(eff*4), 1))

		switch {
		case roc > eff && imb > imbThreshold:
			if vol >= maxVol {
				return HoldSignal("momentum up but volatility too high: " + desc), nil
			}
			return BuySignal("momentum scalp buy: "+desc, conf, WithTradeKind("scalp"),
				WithTarget(price*(1+targetPct)), WithStop(price*(1-stopPct))), nil
		case roc < -eff && imb < -imbThreshold:
			return SellSignal("momentum scalp sell: "+desc, conf, WithTradeKind("scalp"),
				WithTarget(price*(1-targetPct)), WithStop(price*(1+stopPct))), nil
		}
		return HoldSignal("no momentum: " + desc), nil
	}
}

// candleImbalance approximates buy/sell pressure from where each bar closed
// within its range: +1 at the high, -1 at the low, averaged.
func candleImbalance(c []market.Candle) float64 {
	if len(c) == 0 {
		return 0
	}
	sum := 0.0
	for _, k := range c {
		rng := k.High - k.Low
		if rng <= 0 {
			continue
		}
		sum += ((k.Close-k.Low)/rng)*2 - 1
	}
	return sum / float64(len(c))
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
