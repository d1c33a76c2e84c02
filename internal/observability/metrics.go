package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-trading/tradecore/internal/bus"
)

const namespace = "tradecore"

// Metrics holds the Prometheus collectors fed from bus events.
type Metrics struct {
	Iterations        prometheus.Counter
	IterationDuration prometheus.Histogram
	DegradedBeats     prometheus.Counter
	Snapshots         *prometheus.CounterVec // source
	LastPrice         *prometheus.GaugeVec   // symbol
	Signals           *prometheus.CounterVec // strategy, direction
	Orders            *prometheus.CounterVec // side, result
	RiskBlocks        *prometheus.CounterVec // reason
	KillSwitch        prometheus.Gauge
	RealizedPnL       prometheus.Gauge
	Optimizations     *prometheus.CounterVec // outcome
	StrategyChanges   *prometheus.CounterVec // reason
	HandlerErrors     *prometheus.CounterVec // topic
	MarketRegime      *prometheus.GaugeVec   // symbol, regime
}

// NewMetrics creates the collectors and registers them with reg. Pass a
// fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "iterations_total",
			Help: "Completed orchestrator iterations",
		}),
		IterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "iteration_duration_seconds",
			Help:    "Wall time of one orchestrator iteration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		DegradedBeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "iterations_degraded_total",
			Help: "Iterations that ended with an error",
		}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "market_snapshots_total",
			Help: "Market snapshots fetched",
		}, []string{"source"}),
		LastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_price",
			Help: "Last observed price",
		}, []string{"symbol"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "Strategy signals emitted",
		}, []string{"strategy", "direction"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Order attempts by result (executed|failed|denied)",
		}, []string{"side", "result"}),
		RiskBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_blocks_total",
			Help: "Trades refused by the risk manager",
		}, []string{"reason"}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "kill_switch_active",
			Help: "1 while the kill switch is engaged",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "realized_pnl",
			Help: "Realized PnL summed over executed orders since start",
		}),
		Optimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "optimizations_total",
			Help: "Optimizer outcomes (improved|failed)",
		}, []string{"outcome"}),
		StrategyChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "strategy_changes_total",
			Help: "Active strategy switches",
		}, []string{"reason"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_handler_errors_total",
			Help: "Bus handlers that returned an error or panicked",
		}, []string{"topic"}),
		MarketRegime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "market_regime",
			Help: "Confidence of the current market regime; one series per symbol",
		}, []string{"symbol", "regime"}),
	}

	reg.MustRegister(
		m.Iterations, m.IterationDuration, m.DegradedBeats,
		m.Snapshots, m.LastPrice, m.Signals, m.Orders, m.RiskBlocks,
		m.KillSwitch, m.RealizedPnL, m.Optimizations, m.StrategyChanges,
		m.HandlerErrors, m.MarketRegime,
	)
	return m
}

// Attach subscribes m to every topic on b. The returned function detaches.
func (m *Metrics) Attach(b *bus.Bus) (detach func()) {
	return b.SubscribeAll(func(ev bus.Event) error {
		m.Observe(ev.Payload)
		return nil
	})
}

// Observe updates the collectors for one event payload.
func (m *Metrics) Observe(payload any) {
	switch ev := payload.(type) {
	case bus.HeartbeatEvent:
		m.Iterations.Inc()
		m.IterationDuration.Observe(ev.Duration.Seconds())
		if ev.Status != "ok" {
			m.DegradedBeats.Inc()
		}
	case bus.MarketSnapshotEvent:
		m.Snapshots.WithLabelValues(ev.Source).Inc()
		m.LastPrice.WithLabelValues(ev.Symbol).Set(ev.Price)
	case bus.SignalEvent:
		m.Signals.WithLabelValues(ev.StrategyID, ev.Direction).Inc()
	case bus.OrderExecutedEvent:
		m.Orders.WithLabelValues(ev.Side, "executed").Inc()
		m.RealizedPnL.Add(ev.RealizedPnL.InexactFloat64())
	case bus.OrderErrorEvent:
		result := "failed"
		if ev.Denied {
			result = "denied"
		}
		m.Orders.WithLabelValues(ev.Side, result).Inc()
	case bus.RiskBlockEvent:
		m.RiskBlocks.WithLabelValues(ev.Reason).Inc()
	case bus.KillSwitchEvent:
		if ev.Active {
			m.KillSwitch.Set(1)
		} else {
			m.KillSwitch.Set(0)
		}
	case bus.StrategyOptimizedEvent:
		m.Optimizations.WithLabelValues("improved").Inc()
	case bus.OptimizationErrorEvent:
		m.Optimizations.WithLabelValues("failed").Inc()
	case bus.StrategyChangedEvent:
		m.StrategyChanges.WithLabelValues(ev.Reason).Inc()
	}
}

// HandlerError has the shape of bus.ErrorHook. Wire it with
// bus.WithErrorHook(m.HandlerError).
func (m *Metrics) HandlerError(topic bus.Topic, _ error) {
	m.HandlerErrors.WithLabelValues(string(topic)).Inc()
}

// SetRegime replaces the regime series of symbol.
func (m *Metrics) SetRegime(symbol, regime string, confidence float64) {
	m.MarketRegime.DeletePartialMatch(prometheus.Labels{"symbol": symbol})
	m.MarketRegime.WithLabelValues(symbol, regime).Set(confidence)
}

// Handler serves g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
