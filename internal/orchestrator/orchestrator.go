// Package orchestrator runs the trading control loop: fetch market data,
// evaluate the active strategy, gate through risk, execute, and publish
// every step on the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/execution"
	"github.com/nexus-trading/tradecore/internal/intel"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/sizing"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

const producerName = "orchestrator"

// MarketResolver returns the gateway for a data source.
type MarketResolver interface {
	Resolve(src market.Source) (market.Gateway, error)
}

// RiskGate is the risk manager surface the loop uses.
type RiskGate interface {
	Evaluate(notional decimal.Decimal, dir strategy.Direction) risk.Decision
	RecordRealizedPnl(amount decimal.Decimal)
	State() risk.State
}

// Analyst supplies cached AI enrichment. intel.Gate implements it.
type Analyst interface {
	Get(ctx context.Context, symbol string, snap market.Snapshot, series []market.Candle) (*intel.Analysis, error)
}

// Optimizer searches for a better variant of base. ok=false with a nil
// error means no improvement.
type Optimizer interface {
	Optimize(ctx context.Context, base strategy.ID, series []market.Candle) (strategy.ID, bool, error)
}

// PriceSink receives reference prices from snapshots. The paper broker
// implements it.
type PriceSink interface {
	SetReferencePrice(symbol string, price decimal.Decimal)
}

// Deps are the collaborators of an Orchestrator. Bus, Registry, Risk,
// Markets and Orders are required.
type Deps struct {
	Bus       bus.Publisher
	Registry  *strategy.Registry
	Risk      RiskGate
	Markets   MarketResolver
	Orders    execution.Gateway
	Sizer     sizing.Sizer               // default: FixedNotional of 100
	Analyst   Analyst                    // optional
	Optimizer Optimizer                  // optional
	Positions *execution.PositionManager // default: empty manager
	Prices    PriceSink                  // optional
}

// Orchestrator owns the control loop. Create one per process with New and
// inject it wherever it is needed.
type Orchestrator struct {
	bus       bus.Publisher
	registry  *strategy.Registry
	risk      RiskGate
	markets   MarketResolver
	orders    execution.Gateway
	sizer     sizing.Sizer
	analyst   Analyst
	optimizer Optimizer
	positions *execution.PositionManager
	prices    PriceSink

	mu             sync.Mutex
	cfg            Config
	state          State
	gen            uint64 // bumped on every Start so stale finalizers cannot reschedule
	timer          *time.Timer
	loopCtx        context.Context
	cancel         context.CancelFunc
	activeID       strategy.ID
	lastSignal     *strategy.Signal
	lastExecuted   strategy.Direction
	lastLoopAt     time.Time
	lastOptAt      time.Time
	lastError      string
	forceOptimize  bool
	optRunning     bool
	startedAt      time.Time
	optimizeWaiter sync.WaitGroup

	// iterMu keeps RunOnce and the loop from overlapping.
	iterMu     sync.Mutex
	iterations atomic.Uint64
	optResults chan optResult

	now    func() time.Time
	logger zerolog.Logger
}

// New validates deps and cfg and returns a stopped orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	var missing []string
	if deps.Bus == nil {
		missing = append(missing, "bus")
	}
	if deps.Registry == nil {
		missing = append(missing, "registry")
	}
	if deps.Risk == nil {
		missing = append(missing, "risk")
	}
	if deps.Markets == nil {
		missing = append(missing, "markets")
	}
	if deps.Orders == nil {
		missing = append(missing, "orders")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies %v", missing)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}

	if deps.Sizer == nil {
		deps.Sizer = sizing.FixedNotional{Notional: decimal.NewFromInt(100)}
	}
	if deps.Positions == nil {
		deps.Positions = execution.NewPositionManager()
	}

	return &Orchestrator{
		bus:        deps.Bus,
		registry:   deps.Registry,
		risk:       deps.Risk,
		markets:    deps.Markets,
		orders:     deps.Orders,
		sizer:      deps.Sizer,
		analyst:    deps.Analyst,
		optimizer:  deps.Optimizer,
		positions:  deps.Positions,
		prices:     deps.Prices,
		cfg:        cfg,
		state:      StateStopped,
		startedAt:  time.Now(),
		optResults: make(chan optResult, 1),
		now:        time.Now,
		logger:     log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Start moves STOPPED to RUNNING and runs the first iteration at once.
// Calling Start while running is a no-op, so concurrent callers produce a
// single loop. Cancelling ctx stops the loop after the current iteration.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		o.logger.Debug().Msg("start ignored: already running")
		return
	}
	o.state = StateRunning
	o.gen++
	gen := o.gen
	o.loopCtx, o.cancel = context.WithCancel(ctx)
	o.startedAt = o.now()
	cfg := o.cfg
	o.mu.Unlock()

	o.logger.Info().
		Str("symbol", cfg.Symbol).
		Str("strategy", string(cfg.StrategyID)).
		Str("data_source", string(cfg.DataSource)).
		Dur("interval", cfg.Interval).
		Bool("live", cfg.LiveTrading).
		Msg("orchestrator started")
	o.publishFragment(map[string]any{"running": true, "state": StateRunning.String()})

	go o.tick(gen)
}

// Stop moves RUNNING to STOPPED, cancels the pending timer and any running
// optimization. An iteration already in flight completes, including its
// gateway calls, but is not rescheduled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.logger.Info().Uint64("iterations", o.iterations.Load()).Msg("orchestrator stopped")
	o.publishFragment(map[string]any{"running": false, "state": StateStopped.String()})
}

// RunOnce runs a single iteration synchronously without scheduling another.
// It returns the iteration's failure, which the loop would only record.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	return o.iterate(ctx, ctx, 0, false)
}

func (o *Orchestrator) tick(gen uint64) {
	o.mu.Lock()
	if o.state != StateRunning || o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	loopCtx := o.loopCtx
	o.mu.Unlock()

	// Gateway calls outlive Stop; the optimizer does not.
	_ = o.iterate(context.WithoutCancel(loopCtx), loopCtx, gen, true)
}

// reschedule arms the next iteration if the loop that ran gen is still
// the live one.
func (o *Orchestrator) reschedule(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning || o.gen != gen {
		return
	}
	if o.loopCtx.Err() != nil {
		o.state = StateStopped
		o.logger.Info().Msg("orchestrator context done, loop ended")
		return
	}
	o.timer = time.AfterFunc(o.cfg.Interval, func() { o.tick(gen) })
}

// Configure merges p into the configuration. The change applies from the
// next iteration and is announced as a status fragment.
func (o *Orchestrator) Configure(p Patch) error {
	o.mu.Lock()
	next, changed := p.apply(o.cfg)
	if err := next.Validate(); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("configure: %w", err)
	}
	o.cfg = next
	o.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	o.logger.Info().Interface("changed", changed).Msg("configuration updated")
	o.publishFragment(changed)
	return nil
}

// ToggleLive enables or disables order placement.
func (o *Orchestrator) ToggleLive(on bool) {
	o.setFlag("live_trading", on, func(c *Config) { c.LiveTrading = on })
}

// SetAIAnalysisEnabled toggles AI enrichment.
func (o *Orchestrator) SetAIAnalysisEnabled(on bool) {
	o.setFlag("ai_enabled", on, func(c *Config) { c.AIEnabled = on })
}

// SetOptimizationEnabled toggles the periodic optimizer.
func (o *Orchestrator) SetOptimizationEnabled(on bool) {
	o.setFlag("optimization_enabled", on, func(c *Config) { c.OptimizationEnabled = on })
}

// SetPreferOptimized makes the loop run the newest optimized variant of the
// configured strategy when one exists.
func (o *Orchestrator) SetPreferOptimized(on bool) {
	o.setFlag("prefer_optimized", on, func(c *Config) { c.PreferOptimized = on })
}

// TriggerOptimizationNow forces the optimizer to run on the next iteration,
// even when periodic optimization is disabled.
func (o *Orchestrator) TriggerOptimizationNow() {
	o.mu.Lock()
	o.forceOptimize = true
	o.mu.Unlock()
	o.logger.Info().Msg("optimization requested")
	o.publishFragment(map[string]any{"optimization_requested": true})
}

func (o *Orchestrator) setFlag(key string, on bool, mutate func(*Config)) {
	o.mu.Lock()
	mutate(&o.cfg)
	o.mu.Unlock()
	o.logger.Info().Bool(key, on).Msg("toggle")
	o.publishFragment(map[string]any{key: on})
}

// State returns a defensive copy of the orchestrator state with credentials
// masked.
func (o *Orchestrator) State() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		Config:              o.cfg,
		State:               o.state,
		ActiveStrategy:      o.activeID,
		LastExecuted:        o.lastExecuted,
		LastLoopAt:          o.lastLoopAt,
		LastOptimizationAt:  o.lastOptAt,
		LastError:           o.lastError,
		Iterations:          o.iterations.Load(),
		OptimizationRunning: o.optRunning,
	}
	s.Config.Credentials = o.cfg.Credentials.Redacted()
	if o.lastSignal != nil {
		sig := *o.lastSignal
		s.LastSignal = &sig
	}
	return s
}

// Config returns the current configuration, credentials included.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// RiskState returns the risk manager's state.
func (o *Orchestrator) RiskState() risk.State { return o.risk.State() }

// Status returns the lifecycle state.
func (o *Orchestrator) Status() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Iterations returns the number of completed iterations.
func (o *Orchestrator) Iterations() uint64 { return o.iterations.Load() }

// Positions exposes the position book fed by executed orders.
func (o *Orchestrator) Positions() *execution.PositionManager { return o.positions }

// Wait blocks until a running optimization, if any, has returned.
func (o *Orchestrator) Wait() { o.optimizeWaiter.Wait() }

func (o *Orchestrator) publishFragment(fields map[string]any) {
	o.bus.Publish(bus.TopicSystemStatus, bus.StatusEvent{
		BaseEvent: bus.NewBaseEvent(producerName),
		Fields:    fields,
	})
}

var errNoPrice = errors.New("no usable price")
