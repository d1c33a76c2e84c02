package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy/indicators"
)

// Confluence parameter keys.
const (
	ParamRSIPeriod     = "rsi_period"
	ParamRSIOversold   = "rsi_oversold"
	ParamRSIOverbought = "rsi_overbought"
	ParamSMAFast       = "sma_fast"
	ParamSMASlow       = "sma_slow"
	ParamBBPeriod      = "bb_period"
	ParamBBK           = "bb_k"
	ParamMinVotes      = "min_votes"
	ParamTargetPct     = "target_pct"
	ParamStopPct       = "stop_pct"
)

const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

func confluenceDefaults() Params {
	return Params{
		ParamRSIPeriod:     14,
		ParamRSIOversold:   30,
		ParamRSIOverbought: 70,
		ParamSMAFast:       10,
		ParamSMASlow:       30,
		ParamBBPeriod:      20,
		ParamBBK:           2,
		ParamMinVotes:      2,
		ParamTargetPct:     0.06,
		ParamStopPct:       0.02,
	}
}

// votes is the per-indicator tally behind a confluence decision.
type votes struct {
	bull, bear []string
}

func (v votes) rationale() string {
	return fmt.Sprintf("bull[%s] bear[%s]", strings.Join(v.bull, ","), strings.Join(v.bear, ","))
}

type confluence struct {
	rsiPeriod, smaFast, smaSlow, bbPeriod, minVotes int
	oversold, overbought, bbK, targetPct, stopPct   float64
}

func newConfluenceConfig(p Params) confluence {
	p = confluenceDefaults().Merge(p)
	return confluence{
		rsiPeriod:  p.Int(ParamRSIPeriod, 14),
		oversold:   p.Float(ParamRSIOversold, 30),
		overbought: p.Float(ParamRSIOverbought, 70),
		smaFast:    p.Int(ParamSMAFast, 10),
		smaSlow:    p.Int(ParamSMASlow, 30),
		bbPeriod:   p.Int(ParamBBPeriod, 20),
		bbK:        p.Float(ParamBBK, 2),
		minVotes:   p.Int(ParamMinVotes, 2),
		targetPct:  p.Float(ParamTargetPct, 0.06),
		stopPct:    p.Float(ParamStopPct, 0.02),
	}
}

func (c confluence) required() int {
	need := c.rsiPeriod + 1
	for _, n := range []int{c.smaSlow, c.bbPeriod, macdSlow + macdSignal - 1} {
		if n > need {
			need = n
		}
	}
	return need
}

// tally computes indicator votes. ok is false when the series is too short.
func (c confluence) tally(series []market.Candle, price float64) (votes, bool) {
	closes := market.Closes(series)
	if len(closes) < c.required() {
		return votes{}, false
	}

	var v votes
	rsi, _ := indicators.RSI(closes, c.rsiPeriod)
	switch {
	case rsi < c.oversold:
		v.bull = append(v.bull, fmt.Sprintf("rsi=%.1f", rsi))
	case rsi > c.overbought:
		v.bear = append(v.bear, fmt.Sprintf("rsi=%.1f", rsi))
	}

	fast, _ := indicators.SMA(closes, c.smaFast)
	slow, _ := indicators.SMA(closes, c.smaSlow)
	switch {
	case fast > slow:
		v.bull = append(v.bull, "sma_cross_up")
	case fast < slow:
		v.bear = append(v.bear, "sma_cross_down")
	}

	if m, ok := indicators.MACD(closes, macdFast, macdSlow, macdSignal); ok {
		switch {
		case m.Histogram > 0:
			v.bull = append(v.bull, "macd_hist>0")
		case m.Histogram < 0:
			v.bear = append(v.bear, "macd_hist<0")
		}
	}

	if bb, ok := indicators.Bollinger(closes, c.bbPeriod, c.bbK); ok {
		switch {
		case price < bb.Lower:
			v.bull = append(v.bull, "below_lower_band")
		case price > bb.Upper:
			v.bear = append(v.bear, "above_upper_band")
		}
	}
	return v, true
}

func (c confluence) decide(v votes, price float64, extra ...SignalOption) Signal {
	const total = 4.0
	nb, ns := len(v.bull), len(v.bear)
	switch {
	case nb >= c.minVotes && nb > ns:
		opts := []SignalOption{WithConfidence(float64(nb) / total)}
		if price > 0 {
			opts = append(opts, WithTarget(price*(1+c.targetPct)), WithStop(price*(1-c.stopPct)))
		}
		return BuySignal("confluence buy: "+v.rationale(), append(opts, extra...)...)
	case ns >= c.minVotes && ns > nb:
		return SellSignal("confluence sell: "+v.rationale(),
			append([]SignalOption{WithConfidence(float64(ns) / total)}, extra...)...)
	}
	return HoldSignal("no confluence: "+v.rationale(), extra...)
}

// NewConfluence builds the conservative confluence strategy: RSI, SMA cross,
// MACD histogram and Bollinger bands each vote, and a trade needs at least
// min_votes agreeing votes. BUY signals carry target/stop hints.
func NewConfluence(p Params) EvaluateFunc {
	c := newConfluenceConfig(p)
	return func(_ context.Context, ec EvalContext) (Signal, error) {
		price := ec.Price()
		v, ok := c.tally(ec.Series, price)
		if !ok {
			return insufficient(len(ec.Series), c.required()), nil
		}
		return c.decide(v, price), nil
	}
}

// AI-assisted parameter keys.
const (
	ParamSentimentThreshold = "sentiment_threshold"
	ParamMinAIConfidence    = "min_ai_confidence"
)

func aiAssistedDefaults() Params {
	return confluenceDefaults().Merge(Params{
		ParamMinVotes:           3,
		ParamSentimentThreshold: 0.3,
		ParamMinAIConfidence:    0.5,
	})
}

// NewAIAssisted is confluence with the AI sentiment as a fifth vote, at a
// stricter vote threshold so the AI alone cannot flip a split tally.
func NewAIAssisted(p Params) EvaluateFunc {
	p = aiAssistedDefaults().Merge(p)
	c := newConfluenceConfig(p)
	threshold := p.Float(ParamSentimentThreshold, 0.3)
	minConf := p.Float(ParamMinAIConfidence, 0.5)

	return func(_ context.Context, ec EvalContext) (Signal, error) {
		price := ec.Price()
		v, ok := c.tally(ec.Series, price)
		if !ok {
			return insufficient(len(ec.Series), c.required()), nil
		}
		if a := ec.Analysis; a != nil && a.Confidence >= minConf {
			switch {
			case a.Sentiment >= threshold:
				v.bull = append(v.bull, fmt.Sprintf("ai=%.2f", a.Sentiment))
			case a.Sentiment <= -threshold:
				v.bear = append(v.bear, fmt.Sprintf("ai=%.2f", a.Sentiment))
			}
		}
		return c.decide(v, price), nil
	}
}
