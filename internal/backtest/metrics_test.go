package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const floatTol = 1e-9

func hourTime(h int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(h) * time.Hour)
}

func TestSharpeFromReturns_KnownValues(t *testing.T) {
	returns := []float64{0.01, 0.02, -0.01, 0.03, 0.005}

	mu := 0.011
	variance := (math.Pow(0.01-mu, 2) + math.Pow(0.02-mu, 2) + math.Pow(-0.01-mu, 2) +
		math.Pow(0.03-mu, 2) + math.Pow(0.005-mu, 2)) / 4
	want := mu / math.Sqrt(variance) * math.Sqrt(252)

	assert.InDelta(t, want, SharpeFromReturns(returns, 252), 1e-6)
}

func TestSharpeFromReturns_Degenerate(t *testing.T) {
	assert.Equal(t, 0.0, SharpeFromReturns(nil, 1))
	assert.Equal(t, 0.0, SharpeFromReturns([]float64{0.01}, 1))
	assert.Equal(t, 0.0, SharpeFromReturns([]float64{0.01, 0.01, 0.01}, 1), "zero dispersion")
}

func TestMaxDrawdown_KnownCurve(t *testing.T) {
	// peak 115 falls to 90
	abs, pct := MaxDrawdown([]float64{100, 110, 105, 115, 90, 120})
	assert.InDelta(t, 25.0, abs, floatTol)
	assert.InDelta(t, 25.0/115.0, pct, floatTol)

	abs, pct = MaxDrawdown([]float64{100, 110, 120})
	assert.Zero(t, abs)
	assert.Zero(t, pct)

	abs, _ = MaxDrawdown([]float64{100})
	assert.Zero(t, abs)
}

func TestProfitFactor(t *testing.T) {
	trades := []TradeRecord{{PnL: 100}, {PnL: -50}, {PnL: 200}, {PnL: -30}}
	assert.InDelta(t, 3.75, ProfitFactor(trades), floatTol)

	assert.True(t, math.IsInf(ProfitFactor([]TradeRecord{{PnL: 10}}), 1))
	assert.Zero(t, ProfitFactor([]TradeRecord{{PnL: -10}}))
	assert.Zero(t, ProfitFactor(nil))
}

func TestProfitFactor_CountsCosts(t *testing.T) {
	trades := []TradeRecord{
		{PnL: 10, Fees: 5, Slippage: 3}, // net +2
		{PnL: -8, Fees: 1, Slippage: 1}, // net -10
	}
	assert.InDelta(t, 0.2, ProfitFactor(trades), floatTol)
}

func TestComputeMetrics_Empty(t *testing.T) {
	assert.Equal(t, Metrics{}, ComputeMetrics(nil, 1000))
	assert.Equal(t, Metrics{}, ComputeMetrics([]TradeRecord{{PnL: 1}}, 0))
}

func TestComputeMetrics_Sequence(t *testing.T) {
	trades := []TradeRecord{
		{PnL: 100, Fees: 5, Slippage: 2, EntryTime: hourTime(0), ExitTime: hourTime(2)},
		{PnL: -100, Fees: 3, Slippage: 1, EntryTime: hourTime(3), ExitTime: hourTime(4)},
		{PnL: 300, Fees: 8, Slippage: 3, EntryTime: hourTime(5), ExitTime: hourTime(8)},
	}

	m := ComputeMetrics(trades, 10000)

	require.Equal(t, 3, m.TradeCount)
	assert.InDelta(t, 300.0, m.GrossPnL, floatTol)
	assert.InDelta(t, 16.0, m.Fees, floatTol)
	assert.InDelta(t, 6.0, m.Slippage, floatTol)
	assert.InDelta(t, 278.0, m.NetPnL, floatTol)
	assert.InDelta(t, 2.0/3.0, m.WinRate, floatTol)
	// equity 10000 -> 10093 -> 9989 : drawdown 104 from the 10093 peak
	assert.InDelta(t, 104.0, m.MaxDrawdown, floatTol)
	assert.InDelta(t, 104.0/10093.0, m.MaxDrawdownPct, floatTol)
	assert.Equal(t, 2*time.Hour, m.AvgHolding)
	assert.Greater(t, m.Sharpe, 0.0)
	assert.InDelta(t, (93.0+289.0)/104.0, m.ProfitFactor, floatTol)
}

func TestTradeReturns_UseRunningCapital(t *testing.T) {
	trades := []TradeRecord{{PnL: 100}, {PnL: -55}}
	r := tradeReturns(trades, 1000)
	require.Len(t, r, 2)
	assert.InDelta(t, 0.1, r[0], floatTol)
	assert.InDelta(t, -0.05, r[1], floatTol)
}
