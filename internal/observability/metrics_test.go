package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/bus"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry, *bus.Bus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := bus.New(bus.WithErrorHook(m.HandlerError))
	detach := m.Attach(b)
	t.Cleanup(detach)
	return m, reg, b
}

func TestMetrics_HeartbeatsCountIterations(t *testing.T) {
	m, _, b := newTestMetrics(t)

	b.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{Status: "ok", Duration: 20 * time.Millisecond})
	b.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{Status: "degraded", Duration: time.Second})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Iterations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DegradedBeats))
	assert.Equal(t, 1, testutil.CollectAndCount(m.IterationDuration))
}

func TestMetrics_TradePath(t *testing.T) {
	m, _, b := newTestMetrics(t)

	b.Publish(bus.TopicMarketSnapshot, bus.MarketSnapshotEvent{Symbol: "BTCUSDT", Source: "primary-exchange", Price: 42000})
	b.Publish(bus.TopicStrategySignal, bus.SignalEvent{StrategyID: "trendFollower", Direction: "BUY"})
	b.Publish(bus.TopicOrderExecuted, bus.OrderExecutedEvent{Side: "BUY", RealizedPnL: decimal.NewFromFloat(-1.5)})
	b.Publish(bus.TopicOrderExecuted, bus.OrderExecutedEvent{Side: "SELL", RealizedPnL: decimal.NewFromInt(4)})
	b.Publish(bus.TopicOrderError, bus.OrderErrorEvent{Side: "BUY", Code: "KILL_SWITCH", Denied: true})
	b.Publish(bus.TopicOrderError, bus.OrderErrorEvent{Side: "BUY", Code: "REJECTED"})
	b.Publish(bus.TopicRiskBlock, bus.RiskBlockEvent{Reason: "KILL_SWITCH"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Snapshots.WithLabelValues("primary-exchange")))
	assert.Equal(t, 42000.0, testutil.ToFloat64(m.LastPrice.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Signals.WithLabelValues("trendFollower", "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("BUY", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("SELL", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("BUY", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Orders.WithLabelValues("BUY", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskBlocks.WithLabelValues("KILL_SWITCH")))
	assert.InDelta(t, 2.5, testutil.ToFloat64(m.RealizedPnL), 1e-9)
}

func TestMetrics_KillSwitchAndOptimizer(t *testing.T) {
	m, _, b := newTestMetrics(t)

	b.Publish(bus.TopicKillSwitchChanged, bus.KillSwitchEvent{Active: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KillSwitch))
	b.Publish(bus.TopicKillSwitchChanged, bus.KillSwitchEvent{Active: false})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.KillSwitch))

	b.Publish(bus.TopicStrategyOptimized, bus.StrategyOptimizedEvent{BaseID: "a", NewID: "a_optimized_v1"})
	b.Publish(bus.TopicOptimizationError, bus.OptimizationErrorEvent{BaseID: "a", Error: "boom"})
	b.Publish(bus.TopicStrategyChanged, bus.StrategyChangedEvent{Reason: "optimized"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Optimizations.WithLabelValues("improved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Optimizations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrategyChanges.WithLabelValues("optimized")))
}

func TestMetrics_HandlerErrorsFromBusHook(t *testing.T) {
	m, _, b := newTestMetrics(t)

	b.Subscribe(bus.TopicStrategySignal, func(bus.Event) error { return errors.New("consumer broke") })
	b.Subscribe(bus.TopicStrategySignal, func(bus.Event) error { panic("consumer panicked") })
	b.Publish(bus.TopicStrategySignal, bus.SignalEvent{Direction: "HOLD"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues("strategy-signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Signals.WithLabelValues("", "HOLD")), "other subscribers still run")
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestHandler_ServesExposition(t *testing.T) {
	m, reg, b := newTestMetrics(t)
	b.Publish(bus.TopicHeartbeat, bus.HeartbeatEvent{Status: "ok"})
	require.Equal(t, 1.0, testutil.ToFloat64(m.Iterations))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "tradecore_iterations_total 1")
	assert.Contains(t, string(body), "# TYPE tradecore_iteration_duration_seconds histogram")
}

func TestMetrics_SetRegimeKeepsOneSeriesPerSymbol(t *testing.T) {
	m, _, _ := newTestMetrics(t)

	m.SetRegime("BTCUSDT", "TRENDING_UP", 0.7)
	m.SetRegime("ETHUSDT", "LOW_VOLATILITY", 0.9)
	m.SetRegime("BTCUSDT", "HIGH_VOLATILITY", 0.6)

	assert.Equal(t, 2, testutil.CollectAndCount(m.MarketRegime))
	assert.Equal(t, 0.6, testutil.ToFloat64(m.MarketRegime.WithLabelValues("BTCUSDT", "HIGH_VOLATILITY")))
}
