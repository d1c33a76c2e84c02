package backtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// Config controls a replay.
type Config struct {
	Symbol string
	// Warmup is the number of bars fed to the strategy before the first
	// decision.
	Warmup int
	// Window caps how many trailing bars each decision sees.
	Window         int
	Notional       float64 // quote amount per entry
	FeeBps         float64 // per leg
	SlippageBps    float64 // per leg
	InitialCapital float64
	// AllowShort lets a SELL open a short when flat. Otherwise the replay is
	// long-only and SELL only closes.
	AllowShort bool
}

// DefaultConfig mirrors the paper broker's costs.
func DefaultConfig() Config {
	return Config{
		Warmup:         50,
		Window:         200,
		Notional:       100,
		FeeBps:         10,
		SlippageBps:    5,
		InitialCapital: 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Warmup <= 0 {
		c.Warmup = d.Warmup
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Notional <= 0 {
		c.Notional = d.Notional
	}
	if c.FeeBps < 0 {
		c.FeeBps = 0
	}
	if c.SlippageBps < 0 {
		c.SlippageBps = 0
	}
	if c.InitialCapital <= 0 {
		c.InitialCapital = d.InitialCapital
	}
	return c
}

// Result is the outcome of one replay.
type Result struct {
	Trades    []TradeRecord
	Metrics   Metrics
	Decisions int
	Signals   int // actionable decisions
	Errors    int // evaluations that failed or panicked
}

// ErrShortSeries is returned when the series does not cover the warmup.
var ErrShortSeries = errors.New("series shorter than warmup")

// snapshotWindow is the number of trailing bars summarised into the
// synthetic ticker, matching the 24h window of live snapshots on hourly bars.
const snapshotWindow = 24

type openPosition struct {
	side     string
	price    float64
	qty      float64
	openedAt market.Candle
}

// Run replays series through fn bar by bar, filling at each bar's close.
// Evaluation errors and panics count as HOLD. Any position still open at the
// end is closed at the last close.
func Run(ctx context.Context, fn strategy.EvaluateFunc, series []market.Candle, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	if len(series) <= cfg.Warmup {
		return Result{}, fmt.Errorf("%w: have %d bars, warmup %d", ErrShortSeries, len(series), cfg.Warmup)
	}

	var (
		res   Result
		pos   *openPosition
		prior *strategy.Signal
	)

	closePos := func(bar market.Candle) {
		res.Trades = append(res.Trades, cfg.closeTrade(*pos, bar))
		pos = nil
	}
	openPos := func(side string, bar market.Candle) {
		pos = &openPosition{side: side, price: bar.Close, qty: cfg.Notional / bar.Close, openedAt: bar}
	}

	for i := cfg.Warmup; i < len(series); i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		lo := i + 1 - cfg.Window
		if lo < 0 {
			lo = 0
		}
		window := series[lo : i+1]
		bar := series[i]
		if bar.Close <= 0 {
			continue
		}

		sig, err := evaluate(ctx, fn, strategy.EvalContext{
			Symbol:      cfg.Symbol,
			Snapshot:    syntheticSnapshot(cfg.Symbol, window),
			Series:      window,
			PriorSignal: prior,
		})
		res.Decisions++
		if err != nil {
			res.Errors++
			continue
		}
		prior = &sig

		switch sig.Direction() {
		case strategy.Buy:
			res.Signals++
			if pos != nil && pos.side == sideShort {
				closePos(bar)
			}
			if pos == nil {
				openPos(sideLong, bar)
			}
		case strategy.Sell:
			res.Signals++
			if pos != nil && pos.side == sideLong {
				closePos(bar)
			}
			if pos == nil && cfg.AllowShort {
				openPos(sideShort, bar)
			}
		}
	}
	if pos != nil {
		closePos(series[len(series)-1])
	}

	res.Metrics = ComputeMetrics(res.Trades, cfg.InitialCapital)
	return res, nil
}

const (
	sideLong  = "long"
	sideShort = "short"
)

func (c Config) closeTrade(p openPosition, bar market.Candle) TradeRecord {
	gross := (bar.Close - p.price) * p.qty
	if p.side == sideShort {
		gross = -gross
	}
	turnover := p.qty * (p.price + bar.Close)
	return TradeRecord{
		Symbol:     c.Symbol,
		Side:       p.side,
		EntryPrice: p.price,
		ExitPrice:  bar.Close,
		Qty:        p.qty,
		PnL:        gross,
		Fees:       turnover * c.FeeBps / 10000,
		Slippage:   turnover * c.SlippageBps / 10000,
		EntryTime:  p.openedAt.OpenTime,
		ExitTime:   bar.OpenTime,
	}
}

func evaluate(ctx context.Context, fn strategy.EvaluateFunc, ec strategy.EvalContext) (sig strategy.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Msg("backtest: strategy panicked")
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return fn(ctx, ec)
}

// syntheticSnapshot builds the ticker a live gateway would have reported at
// the last bar of window.
func syntheticSnapshot(symbol string, window []market.Candle) market.Snapshot {
	last := window[len(window)-1]
	from := len(window) - snapshotWindow
	if from < 0 {
		from = 0
	}
	recent := window[from:]

	snap := market.Snapshot{
		Symbol:    symbol,
		Price:     last.Close,
		High24h:   recent[0].High,
		Low24h:    recent[0].Low,
		Source:    "backtest",
		Timestamp: last.CloseTime,
	}
	for _, c := range recent {
		snap.Volume += c.Volume * c.Close
		if c.High > snap.High24h {
			snap.High24h = c.High
		}
		if c.Low < snap.Low24h {
			snap.Low24h = c.Low
		}
	}
	if open := recent[0].Open; open > 0 {
		snap.PriceChangePct = (last.Close - open) / open * 100
	}
	return snap
}
