// Package optimizer searches a built-in strategy's parameter grid with the
// backtester and registers the winner as an optimized variant.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/backtest"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// ErrNotTunable is returned for strategies without a parameter grid, such as
// rule strategies.
var ErrNotTunable = errors.New("strategy has no parameter grid")

// Registrar is the registry surface the optimizer writes to.
type Registrar interface {
	RegisterVariant(base strategy.ID, fn strategy.EvaluateFunc) (strategy.ID, error)
}

// Candidate is one scored parameter set.
type Candidate struct {
	Params  strategy.Params
	Metrics backtest.Metrics
}

// Report describes the most recent run.
type Report struct {
	Base        strategy.ID
	Baseline    Candidate
	Best        Candidate
	Evaluated   int
	Improved    bool
	VariantID   strategy.ID
	CompletedAt time.Time
}

// Optimizer is safe for concurrent use, though callers normally run one
// search at a time.
type Optimizer struct {
	registry       Registrar
	btConfig       backtest.Config
	maxCombos      int
	minImprovement float64
	minTrades      int
	lookup         func(strategy.ID) (strategy.Definition, bool)

	mu       sync.Mutex
	variants map[strategy.ID]strategy.Params // base -> params of its newest variant
	last     Report

	logger zerolog.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithBacktestConfig sets the replay costs and warmup.
func WithBacktestConfig(c backtest.Config) Option {
	return func(o *Optimizer) { o.btConfig = c }
}

// WithMaxCombinations caps the number of grid points evaluated per run.
func WithMaxCombinations(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.maxCombos = n
		}
	}
}

// WithMinImprovement is the net PnL margin a candidate must beat the
// baseline by.
func WithMinImprovement(quote float64) Option {
	return func(o *Optimizer) { o.minImprovement = quote }
}

// WithMinTrades rejects candidates that trade less than n times.
func WithMinTrades(n int) Option {
	return func(o *Optimizer) { o.minTrades = n }
}

// WithDefinitions restricts the searchable strategies to defs instead of
// the built-ins.
func WithDefinitions(defs ...strategy.Definition) Option {
	return func(o *Optimizer) {
		o.lookup = func(id strategy.ID) (strategy.Definition, bool) {
			for _, d := range defs {
				if d.ID == id.Base() {
					return d, true
				}
			}
			return strategy.Definition{}, false
		}
	}
}

// New creates an optimizer registering variants into reg.
func New(reg Registrar, opts ...Option) *Optimizer {
	o := &Optimizer{
		registry:  reg,
		btConfig:  backtest.DefaultConfig(),
		maxCombos: 256,
		minTrades: 1,
		lookup:    strategy.LookupDefinition,
		variants:  make(map[strategy.ID]strategy.Params),
		logger:    log.With().Str("component", "optimizer").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize replays series through every grid point of base's definition.
// When the best point beats the current parameters (the newest variant's,
// or the defaults) it is registered and its ID returned with ok=true.
// ok=false with a nil error means no improvement.
func (o *Optimizer) Optimize(ctx context.Context, base strategy.ID, series []market.Candle) (strategy.ID, bool, error) {
	def, found := o.lookup(base)
	if !found || len(def.Grid) == 0 {
		return "", false, fmt.Errorf("optimize %s: %w", base, ErrNotTunable)
	}
	root := def.ID
	cfg := o.btConfig

	o.mu.Lock()
	current, ok := o.variants[root]
	o.mu.Unlock()
	if !ok {
		current = def.Defaults
	}

	start := time.Now()
	baseline, err := o.score(ctx, def, current, series, cfg)
	if err != nil {
		return "", false, fmt.Errorf("optimize %s: baseline: %w", root, err)
	}

	best := baseline
	evaluated := 0
	for _, over := range Combinations(def.Grid, o.maxCombos) {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		cand, err := o.score(ctx, def, def.Defaults.Merge(over), series, cfg)
		if err != nil {
			return "", false, fmt.Errorf("optimize %s: %w", root, err)
		}
		evaluated++
		if o.better(cand.Metrics, best.Metrics) {
			best = cand
		}
	}

	report := Report{
		Base:        root,
		Baseline:    baseline,
		Best:        best,
		Evaluated:   evaluated,
		CompletedAt: time.Now(),
	}
	improved := best.Metrics.NetPnL-baseline.Metrics.NetPnL > o.minImprovement &&
		o.better(best.Metrics, baseline.Metrics)

	logEvt := o.logger.Info().
		Str("base", string(root)).
		Int("evaluated", evaluated).
		Float64("baseline_net_pnl", baseline.Metrics.NetPnL).
		Float64("best_net_pnl", best.Metrics.NetPnL).
		Float64("best_sharpe", best.Metrics.Sharpe).
		Str("best_params", best.Params.String()).
		Dur("elapsed", time.Since(start))

	if !improved {
		o.setLast(report)
		logEvt.Msg("optimization found no improvement")
		return "", false, nil
	}

	id, err := o.registry.RegisterVariant(root, def.New(best.Params))
	if err != nil {
		return "", false, fmt.Errorf("optimize %s: %w", root, err)
	}
	report.Improved = true
	report.VariantID = id

	o.mu.Lock()
	o.variants[root] = best.Params
	o.mu.Unlock()
	o.setLast(report)

	logEvt.Str("variant", string(id)).Msg("optimization registered variant")
	return id, true, nil
}

// VariantParams returns the parameters of base's newest registered variant.
func (o *Optimizer) VariantParams(base strategy.ID) (strategy.Params, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.variants[base.Base()]
	return p, ok
}

// LastReport returns the report of the most recent completed run.
func (o *Optimizer) LastReport() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Optimizer) setLast(r Report) {
	o.mu.Lock()
	o.last = r
	o.mu.Unlock()
}

func (o *Optimizer) score(ctx context.Context, def strategy.Definition, p strategy.Params, series []market.Candle, cfg backtest.Config) (Candidate, error) {
	res, err := backtest.Run(ctx, def.New(p), series, cfg)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Params: p, Metrics: res.Metrics}, nil
}

// better ranks by net PnL, then Sharpe. Candidates under the trade floor
// never win.
func (o *Optimizer) better(a, b backtest.Metrics) bool {
	if a.TradeCount < o.minTrades {
		return false
	}
	if a.NetPnL != b.NetPnL {
		return a.NetPnL > b.NetPnL
	}
	return a.Sharpe > b.Sharpe
}

// Combinations expands grid into its cartesian product in a stable order,
// keys sorted and values in the order given. At most limit points are
// returned; limit <= 0 means no cap.
func Combinations(grid map[string][]float64, limit int) []strategy.Params {
	keys := make([]string, 0, len(grid))
	for k, vs := range grid {
		if len(vs) > 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	var out []strategy.Params
	idx := make([]int, len(keys))
	for {
		p := make(strategy.Params, len(keys))
		for i, k := range keys {
			p[k] = grid[k][idx[i]]
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			return out
		}

		// odometer increment, last key fastest
		i := len(keys) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(grid[keys[i]]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out
		}
	}
}
