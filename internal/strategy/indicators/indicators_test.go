package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSMA(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9)

	_, ok = SMA([]float64{1, 2}, 3)
	assert.False(t, ok)
}

func TestEMA_ConstantSeries(t *testing.T) {
	v, ok := EMA([]float64{5, 5, 5, 5, 5, 5}, 3)
	require.True(t, ok)
	assert.InDelta(t, 5.0, v, 1e-9)
}

func TestEMA_TracksTrend(t *testing.T) {
	values := ramp(30, 100, 1)
	ema, ok := EMA(values, 10)
	require.True(t, ok)
	// Lags a rising ramp by roughly (n-1)/2 steps.
	assert.Less(t, ema, values[len(values)-1])
	assert.InDelta(t, values[len(values)-1]-4.5, ema, 0.1)
}

func TestRSI_Extremes(t *testing.T) {
	up, ok := RSI(ramp(20, 100, 1), 14)
	require.True(t, ok)
	assert.Equal(t, 100.0, up)

	down, ok := RSI(ramp(20, 100, -1), 14)
	require.True(t, ok)
	assert.InDelta(t, 0.0, down, 1e-9)

	flat, ok := RSI([]float64{5, 5, 5, 5, 5}, 3)
	require.True(t, ok)
	assert.Equal(t, 50.0, flat)

	_, ok = RSI([]float64{1, 2, 3}, 14)
	assert.False(t, ok)
}

func TestMACD_UptrendPositive(t *testing.T) {
	res, ok := MACD(ramp(60, 100, 0.5), 12, 26, 9)
	require.True(t, ok)
	assert.Greater(t, res.MACD, 0.0)

	_, ok = MACD(ramp(20, 100, 1), 12, 26, 9)
	assert.False(t, ok)
}

func TestBollinger(t *testing.T) {
	res, ok := Bollinger([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 8, 2)
	require.True(t, ok)
	assert.InDelta(t, 5.0, res.Middle, 1e-9)
	assert.InDelta(t, 9.0, res.Upper, 1e-9)
	assert.InDelta(t, 1.0, res.Lower, 1e-9)
}

func TestROC(t *testing.T) {
	v, ok := ROC([]float64{100, 105, 110}, 2)
	require.True(t, ok)
	assert.InDelta(t, 0.10, v, 1e-9)

	_, ok = ROC([]float64{0, 1}, 1)
	assert.False(t, ok)
}

func TestATR(t *testing.T) {
	highs := []float64{10, 11, 12, 13}
	lows := []float64{9, 10, 11, 12}
	closes := []float64{9.5, 10.5, 11.5, 12.5}
	v, ok := ATR(highs, lows, closes, 3)
	require.True(t, ok)
	// TR per bar = max(1, |11-9.5|=1.5, |10-9.5|=0.5) = 1.5
	assert.InDelta(t, 1.5, v, 1e-9)
}

func TestReturns(t *testing.T) {
	r := Returns([]float64{100, 110, 99})
	require.Len(t, r, 2)
	assert.InDelta(t, 0.1, r[0], 1e-9)
	assert.InDelta(t, -0.1, r[1], 1e-9)
}
