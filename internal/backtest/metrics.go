package backtest

import (
	"math"
	"time"
)

// Metrics summarises a replay.
type Metrics struct {
	TradeCount     int           `json:"trade_count"`
	GrossPnL       float64       `json:"gross_pnl"`        // sum of trade PnL at candle closes
	Fees           float64       `json:"fees"`             // sum of fees, both legs
	Slippage       float64       `json:"slippage"`         // sum of slippage cost, both legs
	NetPnL         float64       `json:"net_pnl"`          // GrossPnL - Fees - Slippage
	WinRate        float64       `json:"win_rate"`         // winning trades / TradeCount, net of costs
	ProfitFactor   float64       `json:"profit_factor"`    // gross net-profit / gross net-loss
	Sharpe         float64       `json:"sharpe"`           // per-trade, not annualised
	MaxDrawdown    float64       `json:"max_drawdown"`     // absolute peak-to-trough on the equity curve
	MaxDrawdownPct float64       `json:"max_drawdown_pct"` // fraction of the peak
	AvgHolding     time.Duration `json:"avg_holding"`
}

// TradeRecord is one completed round trip.
type TradeRecord struct {
	Symbol     string
	Side       string // long or short
	EntryPrice float64
	ExitPrice  float64
	Qty        float64
	PnL        float64 // before costs
	Fees       float64
	Slippage   float64
	EntryTime  time.Time
	ExitTime   time.Time
}

// Net is the trade PnL after fees and slippage.
func (t TradeRecord) Net() float64 { return t.PnL - t.Fees - t.Slippage }

// ComputeMetrics derives Metrics from trades. initialCapital anchors the
// equity curve and per-trade returns. Deterministic: no clock reads.
func ComputeMetrics(trades []TradeRecord, initialCapital float64) Metrics {
	var m Metrics
	if len(trades) == 0 || initialCapital <= 0 {
		return m
	}
	m.TradeCount = len(trades)

	wins := 0
	var holding time.Duration
	for _, tr := range trades {
		m.GrossPnL += tr.PnL
		m.Fees += tr.Fees
		m.Slippage += tr.Slippage
		holding += tr.ExitTime.Sub(tr.EntryTime)
		if tr.Net() > 0 {
			wins++
		}
	}
	m.NetPnL = m.GrossPnL - m.Fees - m.Slippage
	m.WinRate = float64(wins) / float64(m.TradeCount)
	m.AvgHolding = holding / time.Duration(m.TradeCount)
	m.ProfitFactor = ProfitFactor(trades)

	equity := equityCurve(trades, initialCapital)
	m.MaxDrawdown, m.MaxDrawdownPct = MaxDrawdown(equity)
	m.Sharpe = SharpeFromReturns(tradeReturns(trades, initialCapital), 1)
	return m
}

// SharpeFromReturns is mean/stddev of returns scaled by sqrt(periodsPerYear).
// Fewer than two returns or zero dispersion yields 0.
func SharpeFromReturns(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mu := mean(returns)
	sd := stddev(returns, mu)
	if sd == 0 {
		return 0
	}
	return mu / sd * math.Sqrt(periodsPerYear)
}

// MaxDrawdown returns the largest peak-to-trough decline of an equity curve,
// absolute and as a fraction of the peak.
func MaxDrawdown(equity []float64) (abs, pct float64) {
	if len(equity) < 2 {
		return 0, 0
	}
	peak := equity[0]
	for _, eq := range equity {
		if eq > peak {
			peak = eq
		}
		dd := peak - eq
		if dd > abs {
			abs = dd
		}
		if peak > 0 && dd/peak > pct {
			pct = dd / peak
		}
	}
	return abs, pct
}

// ProfitFactor is gross profit over gross loss, net of costs. With wins and
// no losses it is +Inf; with no wins it is 0.
func ProfitFactor(trades []TradeRecord) float64 {
	var profit, loss float64
	for _, tr := range trades {
		switch n := tr.Net(); {
		case n > 0:
			profit += n
		case n < 0:
			loss -= n
		}
	}
	if loss == 0 {
		if profit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return profit / loss
}

func equityCurve(trades []TradeRecord, initialCapital float64) []float64 {
	equity := make([]float64, len(trades)+1)
	equity[0] = initialCapital
	for i, tr := range trades {
		equity[i+1] = equity[i] + tr.Net()
	}
	return equity
}

// tradeReturns are net PnL relative to the running capital before each trade.
func tradeReturns(trades []TradeRecord, initialCapital float64) []float64 {
	out := make([]float64, len(trades))
	capital := initialCapital
	for i, tr := range trades {
		if capital > 0 {
			out[i] = tr.Net() / capital
		}
		capital += tr.Net()
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation around m.
func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}
