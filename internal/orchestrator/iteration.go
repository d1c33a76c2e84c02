package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/execution"
	"github.com/nexus-trading/tradecore/internal/intel"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// iteration carries the per-run values shared by the steps.
type iteration struct {
	cfg    Config // snapshot taken at the start
	trace  string
	start  time.Time
	optCtx context.Context
	lg     zerolog.Logger
}

func (it *iteration) base() bus.BaseEvent {
	return bus.NewBaseEvent(producerName).WithTrace(it.trace)
}

// iterate runs one loop iteration. The deferred finalizer records the
// outcome, publishes full status and the heartbeat, and reschedules; it
// runs on every path, panics included.
func (o *Orchestrator) iterate(ctx, optCtx context.Context, gen uint64, loop bool) (err error) {
	o.iterMu.Lock()
	defer o.iterMu.Unlock()

	o.mu.Lock()
	it := &iteration{
		cfg:    o.cfg,
		trace:  uuid.New().String(),
		start:  o.now(),
		optCtx: optCtx,
	}
	o.lastError = ""
	o.mu.Unlock()
	it.lg = o.logger.With().Str("trace_id", it.trace).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
			it.lg.Error().Interface("panic", r).Msg("iteration panicked")
		}
		o.finalize(it, err)
		if loop {
			o.reschedule(gen)
		}
	}()

	return o.runSteps(ctx, it)
}

func (o *Orchestrator) runSteps(ctx context.Context, it *iteration) error {
	cfg := it.cfg

	gw, err := o.markets.Resolve(cfg.DataSource)
	if err != nil {
		return fmt.Errorf("resolve data source: %w", err)
	}

	snapCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	snap, err := gw.Snapshot(snapCtx, cfg.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch snapshot from %s: %w", gw.Name(), err)
	}

	seriesCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	series, err := gw.Series(seriesCtx, cfg.Symbol, cfg.CandleInterval, cfg.CandleLimit)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch series from %s: %w", gw.Name(), err)
	}

	if o.prices != nil && snap.Price > 0 {
		o.prices.SetReferencePrice(cfg.Symbol, decimal.NewFromFloat(snap.Price))
	}
	o.bus.Publish(bus.TopicMarketSnapshot, bus.MarketSnapshotEvent{
		BaseEvent:      it.base(),
		Symbol:         cfg.Symbol,
		Source:         string(cfg.DataSource),
		Price:          snap.Price,
		PriceChangePct: snap.PriceChangePct,
		Volume:         snap.Volume,
		Candles:        len(series),
		AsOf:           snap.Timestamp,
	})

	analysis := o.enrich(ctx, it, snap, series)

	o.optimizationStep(it, series)

	id := o.resolveStrategy(it)

	sig := o.evaluate(ctx, it, id, strategy.EvalContext{
		Symbol:      cfg.Symbol,
		Snapshot:    snap,
		Series:      series,
		Analysis:    analysis,
		PriorSignal: o.priorSignal(),
		Config:      cfg.strategyView(),
	})

	o.bus.Publish(bus.TopicStrategySignal, signalEvent(it.base(), cfg.Symbol, sig))
	o.mu.Lock()
	o.lastSignal = &sig
	o.mu.Unlock()

	return o.maybeExecute(ctx, it, sig, strategy.EvalContext{Snapshot: snap, Series: series}.Price())
}

func (o *Orchestrator) enrich(ctx context.Context, it *iteration, snap market.Snapshot, series []market.Candle) *intel.Analysis {
	if !it.cfg.AIEnabled || o.analyst == nil {
		return nil
	}
	actx, cancel := context.WithTimeout(ctx, it.cfg.CallTimeout)
	defer cancel()
	a, err := o.analyst.Get(actx, it.cfg.Symbol, snap, series)
	switch {
	case err == nil:
	case errors.Is(err, intel.ErrRateLimited):
		it.lg.Debug().Err(err).Msg("ai enrichment rate limited")
	case a != nil:
		it.lg.Warn().Err(err).Time("created_at", a.CreatedAt).Msg("ai enrichment failed, using cached result")
	default:
		it.lg.Warn().Err(err).Msg("ai enrichment unavailable, continuing without")
	}
	// The gate may hand back a stale cached result alongside its error.
	return a
}

// resolveStrategy picks the ID to evaluate and announces changes of the
// active strategy.
func (o *Orchestrator) resolveStrategy(it *iteration) strategy.ID {
	id := o.registry.ResolveActive(it.cfg.StrategyID, it.cfg.PreferOptimized)

	o.mu.Lock()
	from := o.activeID
	o.activeID = id
	o.mu.Unlock()

	if from != "" && from != id {
		it.lg.Info().Str("from", string(from)).Str("to", string(id)).Msg("active strategy changed")
		o.bus.Publish(bus.TopicStrategyChanged, bus.StrategyChangedEvent{
			BaseEvent: it.base(),
			From:      string(from),
			To:        string(id),
			Reason:    "configuration",
		})
	}
	return id
}

// evaluate calls the strategy under a timeout. Errors and panics become
// HOLD so the iteration always has a signal.
func (o *Orchestrator) evaluate(ctx context.Context, it *iteration, id strategy.ID, ec strategy.EvalContext) (sig strategy.Signal) {
	ectx, cancel := context.WithTimeout(ctx, it.cfg.CallTimeout)
	defer cancel()

	fail := func(cause string) {
		it.lg.Error().Str("strategy", string(id)).Str("error", cause).Msg("strategy failed, holding")
		o.mu.Lock()
		o.lastError = "strategy " + string(id) + ": " + cause
		o.mu.Unlock()
		sig = strategy.HoldSignal("strategy error: " + cause).WithStrategy(id)
	}
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Sprint(r))
		}
	}()

	s, err := o.registry.Get(id)(ectx, ec)
	if err != nil {
		fail(err.Error())
		return sig
	}
	if s.IsZero() {
		fail("empty signal")
		return sig
	}
	return s.WithStrategy(id)
}

func (o *Orchestrator) priorSignal() *strategy.Signal {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSignal == nil {
		return nil
	}
	s := *o.lastSignal
	return &s
}

// maybeExecute places at most one order per signal transition. The
// last-executed marker clears on HOLD or an opposite direction and is set
// only after a successful fill. LiveTrading is read live, not from the
// iteration snapshot, so switching it off mid-iteration prevents the order.
func (o *Orchestrator) maybeExecute(ctx context.Context, it *iteration, sig strategy.Signal, price float64) error {
	dir := sig.Direction()

	o.mu.Lock()
	if dir != o.lastExecuted {
		o.lastExecuted = ""
	}
	repeat := o.lastExecuted != ""
	live := o.cfg.LiveTrading
	o.mu.Unlock()

	if !live || !sig.IsActionable() {
		return nil
	}
	if repeat {
		it.lg.Debug().Str("direction", string(dir)).Msg("signal unchanged since last execution, skipping")
		return nil
	}

	side := execution.SideBuy
	if dir == strategy.Sell {
		side = execution.SideSell
	}
	symbol := it.cfg.Symbol

	if price <= 0 {
		o.publishOrderError(it, symbol, side, "NO_PRICE", errNoPrice.Error(), decimal.Zero, false)
		return fmt.Errorf("size order: %w", errNoPrice)
	}
	order, err := o.sizer.Size(decimal.NewFromFloat(price))
	if err != nil {
		o.publishOrderError(it, symbol, side, "SIZING", err.Error(), decimal.Zero, false)
		return fmt.Errorf("size order: %w", err)
	}

	decision := o.risk.Evaluate(order.Notional, dir)
	if !decision.Allow {
		it.lg.Warn().
			Str("reason", string(decision.Reason)).
			Str("notional", order.Notional.StringFixed(2)).
			Msg("order blocked by risk")
		o.publishOrderError(it, symbol, side, string(decision.Reason), "denied by risk manager", order.Notional, true)
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, it.cfg.CallTimeout)
	fill, err := o.orders.PlaceOrder(pctx, symbol, side, order.Qty)
	cancel()
	if err != nil {
		it.lg.Error().Err(err).
			Str("gateway", o.orders.Name()).
			Str("side", string(side)).
			Str("qty", order.Qty.String()).
			Msg("order placement failed")
		o.publishOrderError(it, symbol, side, execution.CodeOf(err), execution.ReasonOf(err), order.Notional, false)
		return fmt.Errorf("place order: %w", err)
	}

	realized := o.positions.ApplyFill(string(sig.StrategyID()), fill)
	o.risk.RecordRealizedPnl(realized)

	o.mu.Lock()
	o.lastExecuted = dir
	o.mu.Unlock()

	it.lg.Info().
		Str("order_id", fill.OrderID).
		Str("side", string(fill.Side)).
		Str("qty", fill.ExecutedQty.String()).
		Str("price", fill.AvgFillPrice.String()).
		Str("realized_pnl", realized.StringFixed(2)).
		Msg("order executed")
	o.bus.Publish(bus.TopicOrderExecuted, bus.OrderExecutedEvent{
		BaseEvent:    it.base(),
		Symbol:       symbol,
		Side:         string(fill.Side),
		OrderID:      fill.OrderID,
		StrategyID:   string(sig.StrategyID()),
		ExecutedQty:  fill.ExecutedQty,
		AvgFillPrice: fill.AvgFillPrice,
		Notional:     fill.Notional(),
		RealizedPnL:  realized,
	})
	return nil
}

func (o *Orchestrator) publishOrderError(it *iteration, symbol string, side execution.Side, code, reason string, notional decimal.Decimal, denied bool) {
	o.bus.Publish(bus.TopicOrderError, bus.OrderErrorEvent{
		BaseEvent: it.base(),
		Symbol:    symbol,
		Side:      string(side),
		Code:      code,
		Reason:    reason,
		Notional:  notional,
		Denied:    denied,
	})
}

// finalize records the outcome and publishes full status and the heartbeat.
func (o *Orchestrator) finalize(it *iteration, err error) {
	n := o.iterations.Add(1)
	elapsed := o.now().Sub(it.start)

	o.mu.Lock()
	o.lastLoopAt = it.start
	if err != nil {
		o.lastError = err.Error()
	}
	lastErr := o.lastError
	startedAt := o.startedAt
	o.mu.Unlock()

	status := "ok"
	if err != nil {
		status = "degraded"
		it.lg.Warn().Err(err).Uint64("iteration", n).Msg("iteration failed")
	} else {
		it.lg.Debug().Uint64("iteration", n).Dur("elapsed", elapsed).Msg("iteration complete")
	}

	o.bus.Publish(bus.TopicSystemStatus, bus.StatusEvent{
		BaseEvent: it.base(),
		Full:      true,
		Fields:    o.statusFields(),
	})
	o.bus.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{
		BaseEvent:  it.base(),
		Component:  producerName,
		Status:     status,
		Iteration:  n,
		Duration:   elapsed,
		LastError:  lastErr,
		Uptime:     o.now().Sub(startedAt),
		ConfigHash: it.cfg.Hash(),
	})
}

func (o *Orchestrator) statusFields() map[string]any {
	s := o.State()
	fields := s.Config.Fields()
	fields["state"] = s.State.String()
	fields["running"] = s.Running()
	fields["active_strategy"] = string(s.ActiveStrategy)
	fields["iterations"] = s.Iterations
	fields["last_loop_at"] = s.LastLoopAt
	fields["last_optimization_at"] = s.LastOptimizationAt
	fields["last_error"] = s.LastError
	fields["optimization_running"] = s.OptimizationRunning
	if s.LastSignal != nil {
		fields["last_signal"] = *s.LastSignal
	}
	rs := o.risk.State()
	fields["kill_switch"] = rs.KillSwitchActive
	fields["accumulated_loss"] = rs.AccumulatedLoss.String()
	return fields
}

func signalEvent(base bus.BaseEvent, symbol string, s strategy.Signal) bus.SignalEvent {
	ev := bus.SignalEvent{
		BaseEvent:  base,
		Symbol:     symbol,
		StrategyID: string(s.StrategyID()),
		Direction:  string(s.Direction()),
		Rationale:  s.Rationale(),
		Confidence: s.Confidence(),
		TradeKind:  s.TradeKind(),
	}
	if v, ok := s.Target(); ok {
		ev.Target = &v
	}
	if v, ok := s.Stop(); ok {
		ev.Stop = &v
	}
	return ev
}
