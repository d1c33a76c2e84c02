package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy/indicators"
)

// MaxRuleLength bounds the source length of a single rule expression.
const MaxRuleLength = 1024

// RuleSpec is a user-defined strategy written in the rule language. BuyWhen
// and SellWhen are boolean expressions over a fixed environment:
//
//	price, change_pct, volume, candles, sentiment, has_ai, prior
//	sma(n), ema(n), rsi(n), roc(n), atr(n), macd_hist()
//	bb_upper(n, k), bb_lower(n, k)
//
// Indicators that cannot be computed yield NaN, so comparisons against them
// are false and the rule holds. Nothing outside this environment is
// reachable: rules cannot call Go code, touch the filesystem or the network.
type RuleSpec struct {
	ID         ID
	BuyWhen    string
	SellWhen   string
	Confidence float64
	TradeKind  string
	Rationale  string
}

// CompileRule validates and compiles spec into an EvaluateFunc.
func CompileRule(spec RuleSpec) (EvaluateFunc, error) {
	if strings.TrimSpace(spec.BuyWhen) == "" && strings.TrimSpace(spec.SellWhen) == "" {
		return nil, errors.New("rule needs buy_when or sell_when")
	}
	buy, err := compileCondition(spec.BuyWhen)
	if err != nil {
		return nil, fmt.Errorf("buy_when: %w", err)
	}
	sell, err := compileCondition(spec.SellWhen)
	if err != nil {
		return nil, fmt.Errorf("sell_when: %w", err)
	}

	var opts []SignalOption
	if spec.Confidence > 0 {
		opts = append(opts, WithConfidence(spec.Confidence))
	}
	if spec.TradeKind != "" {
		opts = append(opts, WithTradeKind(spec.TradeKind))
	}
	label := spec.Rationale
	if label == "" {
		label = "rule " + string(spec.ID)
	}

	return func(_ context.Context, ec EvalContext) (Signal, error) {
		if len(ec.Series) == 0 && ec.Price() <= 0 {
			return HoldSignal(label + ": no market data"), nil
		}
		env := ruleEnv(ec)

		isBuy, err := runCondition(buy, env)
		if err != nil {
			return Signal{}, fmt.Errorf("rule %s buy_when: %w", spec.ID, err)
		}
		isSell, err := runCondition(sell, env)
		if err != nil {
			return Signal{}, fmt.Errorf("rule %s sell_when: %w", spec.ID, err)
		}

		switch {
		case isBuy && isSell:
			return HoldSignal(label + ": conflicting buy and sell conditions"), nil
		case isBuy:
			return BuySignal(label+": "+spec.BuyWhen, opts...), nil
		case isSell:
			return SellSignal(label+": "+spec.SellWhen, opts...), nil
		}
		return HoldSignal(label + ": no condition met"), nil
	}, nil
}

func compileCondition(src string) (*vm.Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	if len(src) > MaxRuleLength {
		return nil, fmt.Errorf("expression longer than %d characters", MaxRuleLength)
	}
	return expr.Compile(src, expr.Env(ruleEnv(EvalContext{})), expr.AsBool())
}

func runCondition(p *vm.Program, env map[string]any) (bool, error) {
	if p == nil {
		return false, nil
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

// ruleEnv binds the rule environment to one evaluation's data. The same
// shape with empty data is used at compile time for type checking.
func ruleEnv(ec EvalContext) map[string]any {
	closes := market.Closes(ec.Series)
	nan := math.NaN()
	orNaN := func(v float64, ok bool) float64 {
		if !ok {
			return nan
		}
		return v
	}

	sentiment, hasAI := 0.0, false
	if ec.Analysis != nil {
		sentiment, hasAI = ec.Analysis.Sentiment, true
	}
	prior := ""
	if ec.PriorSignal != nil {
		prior = string(ec.PriorSignal.Direction())
	}

	return map[string]any{
		"price":      ec.Price(),
		"change_pct": ec.Snapshot.PriceChangePct,
		"volume":     ec.Snapshot.Volume,
		"candles":    len(ec.Series),
		"sentiment":  sentiment,
		"has_ai":     hasAI,
		"prior":      prior,
		"sma":        func(n int) float64 { return orNaN(indicators.SMA(closes, n)) },
		"ema":        func(n int) float64 { return orNaN(indicators.EMA(closes, n)) },
		"rsi":        func(n int) float64 { return orNaN(indicators.RSI(closes, n)) },
		"roc":        func(n int) float64 { return orNaN(indicators.ROC(closes, n)) },
		"atr": func(n int) float64 {
			return orNaN(indicators.ATR(market.Highs(ec.Series), market.Lows(ec.Series), closes, n))
		},
		"macd_hist": func() float64 {
			m, ok := indicators.MACD(closes, macdFast, macdSlow, macdSignal)
			return orNaN(m.Histogram, ok)
		},
		"bb_upper": func(n int, k float64) float64 {
			b, ok := indicators.Bollinger(closes, n, k)
			return orNaN(b.Upper, ok)
		},
		"bb_lower": func(n int, k float64) float64 {
			b, ok := indicators.Bollinger(closes, n, k)
			return orNaN(b.Lower, ok)
		},
	}
}
