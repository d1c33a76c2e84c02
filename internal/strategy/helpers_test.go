package strategy

import (
	"time"

	"github.com/nexus-trading/tradecore/internal/market"
)

// linearSeries builds n candles whose closes step from start by step. Each
// bar closes at its high.
func linearSeries(n int, start, step float64) []market.Candle {
	base := time.Unix(1700000000, 0)
	out := make([]market.Candle, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = market.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			Open:      c - step/2,
			High:      c,
			Low:       c - 0.1,
			Close:     c,
			Volume:    1,
			CloseTime: base.Add(time.Duration(i+1)*time.Minute - time.Millisecond),
		}
	}
	return out
}

func ctxFor(series []market.Candle) EvalContext {
	snap := market.Snapshot{Symbol: "BTCUSDT"}
	if len(series) > 0 {
		snap.Price = series[len(series)-1].Close
	}
	return EvalContext{Symbol: "BTCUSDT", Snapshot: snap, Series: series}
}
