package orchestrator

import (
	"fmt"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/optimizer"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

type optResult struct {
	base strategy.ID
	id   strategy.ID
	ok   bool
	err  error
}

// reporter is implemented by optimizers that can score their last run.
type reporter interface {
	LastReport() optimizer.Report
}

// optimizationStep collects a finished run, then starts a new one when due.
// Runs happen in their own goroutine, one at a time, so the trade decision
// of this iteration never waits on them.
func (o *Orchestrator) optimizationStep(it *iteration, series []market.Candle) {
	o.drainOptimization(it)
	if o.optimizer == nil {
		return
	}

	now := o.now()
	o.mu.Lock()
	forced := o.forceOptimize
	due := forced || (it.cfg.OptimizationEnabled && now.Sub(o.lastOptAt) >= it.cfg.OptimizeEvery)
	if !due {
		o.mu.Unlock()
		return
	}
	if o.optRunning {
		o.mu.Unlock()
		it.lg.Debug().Bool("forced", forced).Msg("optimization already running, skipping trigger")
		return
	}
	o.forceOptimize = false
	o.optRunning = true
	o.lastOptAt = now
	o.mu.Unlock()

	base := it.cfg.StrategyID.Base()
	data := make([]market.Candle, len(series))
	copy(data, series)
	ctx := it.optCtx

	it.lg.Info().Str("base", string(base)).Int("candles", len(data)).Bool("forced", forced).Msg("optimization started")
	o.optimizeWaiter.Add(1)
	go func() {
		defer o.optimizeWaiter.Done()
		res := optResult{base: base}
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("optimizer panic: %v", r)
			}
			// Capacity 1 and one run at a time: never blocks.
			o.optResults <- res
		}()
		res.id, res.ok, res.err = o.optimizer.Optimize(ctx, base, data)
	}()
}

func (o *Orchestrator) drainOptimization(it *iteration) {
	var res optResult
	select {
	case res = <-o.optResults:
	default:
		return
	}

	o.mu.Lock()
	o.optRunning = false
	prefer := o.cfg.PreferOptimized
	current := o.cfg.StrategyID.Base()
	o.mu.Unlock()

	switch {
	case res.err != nil:
		it.lg.Warn().Err(res.err).Str("base", string(res.base)).Msg("optimization failed")
		o.bus.Publish(bus.TopicOptimizationError, bus.OptimizationErrorEvent{
			BaseEvent: it.base(),
			BaseID:    string(res.base),
			Error:     res.err.Error(),
		})
	case !res.ok:
		it.lg.Info().Str("base", string(res.base)).Msg("optimization found no better variant")
	default:
		ev := bus.StrategyOptimizedEvent{
			BaseEvent: it.base(),
			BaseID:    string(res.base),
			NewID:     string(res.id),
		}
		if r, ok := o.optimizer.(reporter); ok {
			ev.Score = r.LastReport().Best.Metrics.NetPnL
		}
		it.lg.Info().Str("base", string(res.base)).Str("variant", string(res.id)).Msg("optimized variant available")
		o.bus.Publish(bus.TopicStrategyOptimized, ev)

		if !prefer {
			return
		}
		if res.base != current {
			// Reconfigured to another strategy while the search ran.
			it.lg.Info().Str("base", string(res.base)).Str("configured", string(current)).Msg("optimized variant not activated")
			return
		}
		o.mu.Lock()
		from := o.activeID
		o.activeID = res.id
		o.mu.Unlock()
		if from != res.id {
			o.bus.Publish(bus.TopicStrategyChanged, bus.StrategyChangedEvent{
				BaseEvent: it.base(),
				From:      string(from),
				To:        string(res.id),
				Reason:    "optimized",
			})
		}
	}
}
