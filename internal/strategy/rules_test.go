package strategy

import (
	"context"
	"strings"
	"testing"

	"github.com/nexus-trading/tradecore/internal/intel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRule_Rejects(t *testing.T) {
	tests := []struct {
		name string
		spec RuleSpec
	}{
		{"empty", RuleSpec{ID: "r"}},
		{"undefined variable", RuleSpec{ID: "r", BuyWhen: "balance > 1"}},
		{"non-boolean", RuleSpec{ID: "r", BuyWhen: "price + 1"}},
		{"syntax", RuleSpec{ID: "r", SellWhen: "price >"}},
		{"unknown function", RuleSpec{ID: "r", BuyWhen: `exec("rm -rf /") == ""`}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CompileRule(tc.spec)
			assert.Error(t, err)
		})
	}
}

func TestCompileRule_TooLongAfterTrim(t *testing.T) {
	long := "price > 0" + strings.Repeat(" && price > 0", MaxRuleLength/12+1)
	_, err := CompileRule(RuleSpec{ID: "r", BuyWhen: long})
	assert.Error(t, err)
}

func TestRule_BuySellHold(t *testing.T) {
	fn, err := CompileRule(RuleSpec{
		ID:         "crossover",
		BuyWhen:    "price > sma(5) && candles >= 10",
		SellWhen:   "price < sma(5)",
		Confidence: 0.8,
		TradeKind:  "rule",
	})
	require.NoError(t, err)
	ctx := context.Background()

	sig, err := fn(ctx, ctxFor(linearSeries(20, 100, 1)))
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Direction())
	assert.Equal(t, 0.8, sig.Confidence())
	assert.Equal(t, "rule", sig.TradeKind())

	sig, err = fn(ctx, ctxFor(linearSeries(20, 120, -1)))
	require.NoError(t, err)
	assert.Equal(t, Sell, sig.Direction())

	sig, err = fn(ctx, EvalContext{})
	require.NoError(t, err)
	assert.Equal(t, Hold, sig.Direction())
	assert.Contains(t, sig.Rationale(), "no market data")
}

func TestRule_UncomputableIndicatorHolds(t *testing.T) {
	fn, err := CompileRule(RuleSpec{ID: "long", BuyWhen: "price > sma(200)"})
	require.NoError(t, err)
	sig, err := fn(context.Background(), ctxFor(linearSeries(10, 100, 1)))
	require.NoError(t, err)
	assert.Equal(t, Hold, sig.Direction())
}

func TestRule_ConflictHolds(t *testing.T) {
	fn, err := CompileRule(RuleSpec{ID: "both", BuyWhen: "price > 0", SellWhen: "price > 0"})
	require.NoError(t, err)
	sig, err := fn(context.Background(), ctxFor(linearSeries(5, 100, 1)))
	require.NoError(t, err)
	assert.Equal(t, Hold, sig.Direction())
	assert.Contains(t, sig.Rationale(), "conflicting")
}

func TestRule_Environment(t *testing.T) {
	fn, err := CompileRule(RuleSpec{
		ID:       "env",
		BuyWhen:  `has_ai && sentiment > 0.5 && prior == "HOLD" && rsi(14) > 50 && macd_hist() == macd_hist() && price > bb_lower(20, 2.0)`,
		SellWhen: "roc(3) < 0 && atr(14) > 0 && ema(5) < price",
	})
	require.NoError(t, err)

	ec := ctxFor(linearSeries(60, 100, 1))
	prior := HoldSignal("prior")
	ec.PriorSignal = &prior
	ec.Analysis = &intel.Analysis{Sentiment: 0.8, Confidence: 1}

	sig, err := fn(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, Buy, sig.Direction(), sig.Rationale())

	ec.Analysis = nil
	sig, err = fn(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, Hold, sig.Direction())
}
