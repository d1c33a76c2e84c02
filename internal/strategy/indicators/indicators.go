// Package indicators holds the technical indicator math used by the built-in
// strategies. Every function takes a series ordered oldest first and reports
// ok=false when the series is too short.
package indicators

import "math"

// SMA is the simple moving average of the last n values.
func SMA(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n), true
}

// EMASeries returns the exponential moving average at every index from n-1
// onwards, seeded with the SMA of the first n values.
func EMASeries(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	k := 2.0 / float64(n+1)
	seed, _ := SMA(values[:n], n)
	out := make([]float64, 0, len(values)-n+1)
	out = append(out, seed)
	prev := seed
	for _, v := range values[n:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// EMA returns the latest exponential moving average.
func EMA(values []float64, n int) (float64, bool) {
	s := EMASeries(values, n)
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// RSI is Wilder's relative strength index over n periods.
func RSI(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)

	for i := n + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACDResult is the latest MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the moving average convergence/divergence (typically 12/26/9).
func MACD(values []float64, fast, slow, signal int) (MACDResult, bool) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(values) < slow+signal-1 {
		return MACDResult{}, false
	}
	fastS := EMASeries(values, fast)
	slowS := EMASeries(values, slow)

	// Align: slowS[i] corresponds to values[slow-1+i], fastS to values[fast-1+i].
	offset := slow - fast
	line := make([]float64, len(slowS))
	for i := range slowS {
		line[i] = fastS[i+offset] - slowS[i]
	}

	sig, ok := EMA(line, signal)
	if !ok {
		return MACDResult{}, false
	}
	last := line[len(line)-1]
	return MACDResult{MACD: last, Signal: sig, Histogram: last - sig}, true
}

// BollingerResult holds the band values.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands of k standard deviations around the n-period SMA.
func Bollinger(values []float64, n int, k float64) (BollingerResult, bool) {
	mid, ok := SMA(values, n)
	if !ok {
		return BollingerResult{}, false
	}
	sd := StdDev(values[len(values)-n:])
	return BollingerResult{Upper: mid + k*sd, Middle: mid, Lower: mid - k*sd}, true
}

// ROC is the fractional rate of change over n periods: (last - prior) / prior.
func ROC(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n+1 {
		return 0, false
	}
	prior := values[len(values)-1-n]
	if prior == 0 {
		return 0, false
	}
	return (values[len(values)-1] - prior) / prior, true
}

// ATR is the average true range over n periods (simple average of TR).
func ATR(highs, lows, closes []float64, n int) (float64, bool) {
	size := len(closes)
	if n <= 0 || len(highs) != size || len(lows) != size || size < n+1 {
		return 0, false
	}
	sum := 0.0
	for i := size - n; i < size; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		sum += tr
	}
	return sum / float64(n), true
}

// StdDev is the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// Returns converts prices to simple per-period returns.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (values[i]-values[i-1])/values[i-1])
	}
	return out
}
