package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/execution"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// --- bus recorder ---

type recorder struct {
	mu     sync.Mutex
	events map[bus.Topic][]any
}

func record(b *bus.Bus) *recorder {
	r := &recorder{events: make(map[bus.Topic][]any)}
	b.SubscribeAll(func(ev bus.Event) error {
		r.mu.Lock()
		r.events[ev.Topic] = append(r.events[ev.Topic], ev.Payload)
		r.mu.Unlock()
		return nil
	})
	return r
}

func (r *recorder) count(t bus.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[t])
}

func (r *recorder) all(t bus.Topic) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events[t]))
	copy(out, r.events[t])
	return out
}

func (r *recorder) last(t bus.Topic) any {
	all := r.all(t)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// fragments returns the partial status events.
func (r *recorder) fragments() []bus.StatusEvent {
	var out []bus.StatusEvent
	for _, p := range r.all(bus.TopicSystemStatus) {
		if ev := p.(bus.StatusEvent); !ev.Full {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) signals() []bus.SignalEvent {
	var out []bus.SignalEvent
	for _, p := range r.all(bus.TopicStrategySignal) {
		out = append(out, p.(bus.SignalEvent))
	}
	return out
}

// --- market stub ---

type stubMarket struct {
	mu         sync.Mutex
	price      float64
	err        error
	snapshots  int
	onSnapshot func()
}

func (m *stubMarket) Name() string { return "stub-market" }

func (m *stubMarket) Snapshot(_ context.Context, symbol string) (market.Snapshot, error) {
	m.mu.Lock()
	m.snapshots++
	hook, price, err := m.onSnapshot, m.price, m.err
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return market.Snapshot{}, err
	}
	return market.Snapshot{Symbol: symbol, Price: price, Source: "stub", Timestamp: time.Now()}, nil
}

func (m *stubMarket) Series(_ context.Context, _ string, _ string, limit int) ([]market.Candle, error) {
	m.mu.Lock()
	price := m.price
	m.mu.Unlock()

	n := 30
	if limit < n {
		n = limit
	}
	t0 := time.Now().Add(-time.Duration(n) * time.Hour)
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1,
			CloseTime: t0.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return out, nil
}

func (m *stubMarket) setPrice(p float64) {
	m.mu.Lock()
	m.price = p
	m.mu.Unlock()
}

func (m *stubMarket) setHook(fn func()) {
	m.mu.Lock()
	m.onSnapshot = fn
	m.mu.Unlock()
}

func (m *stubMarket) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots
}

// --- order stub ---

type orderCall struct {
	symbol string
	side   execution.Side
	qty    decimal.Decimal
}

type stubOrders struct {
	mu       sync.Mutex
	placed   []orderCall
	failures int // next N calls fail
	market   *stubMarket
}

func (o *stubOrders) Name() string { return "stub-orders" }

func (o *stubOrders) PlaceOrder(_ context.Context, symbol string, side execution.Side, qty decimal.Decimal) (execution.Fill, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.placed = append(o.placed, orderCall{symbol: symbol, side: side, qty: qty})
	if o.failures > 0 {
		o.failures--
		return execution.Fill{}, execution.NewOrderError(execution.CodeRejected, "venue said no")
	}
	o.market.mu.Lock()
	price := o.market.price
	o.market.mu.Unlock()
	return execution.Fill{
		OrderID:      fmt.Sprintf("STUB-%d", len(o.placed)),
		Symbol:       symbol,
		Side:         side,
		ExecutedQty:  qty,
		AvgFillPrice: decimal.NewFromFloat(price),
		Timestamp:    time.Now(),
	}, nil
}

func (o *stubOrders) CancelOrder(context.Context, string, string) error { return nil }

func (o *stubOrders) calls() []orderCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]orderCall, len(o.placed))
	copy(out, o.placed)
	return out
}

func (o *stubOrders) failNext(n int) {
	o.mu.Lock()
	o.failures = n
	o.mu.Unlock()
}

// --- strategies ---

// switchable returns whatever direction was last set.
type switchable struct {
	mu  sync.Mutex
	dir strategy.Direction
}

func (s *switchable) set(d strategy.Direction) {
	s.mu.Lock()
	s.dir = d
	s.mu.Unlock()
}

func (s *switchable) evaluate(context.Context, strategy.EvalContext) (strategy.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strategy.NewSignal(s.dir, "switch", strategy.WithConfidence(1)), nil
}

func alwaysBuy(context.Context, strategy.EvalContext) (strategy.Signal, error) {
	return strategy.BuySignal("test", strategy.WithConfidence(1)), nil
}

// --- fixture ---

type fixture struct {
	bus    *bus.Bus
	rec    *recorder
	reg    *strategy.Registry
	risk   *risk.Manager
	market *stubMarket
	orders *stubOrders
	orch   *Orchestrator
}

func newFixture(t *testing.T, cfg Config, mutate ...func(*Deps)) *fixture {
	t.Helper()

	b := bus.New()
	f := &fixture{
		bus:    b,
		rec:    record(b),
		reg:    strategy.NewDefaultRegistry(),
		risk:   risk.NewManager(risk.DefaultLimits(), b),
		market: &stubMarket{price: 100},
	}
	f.orders = &stubOrders{market: f.market}
	require.NoError(t, f.reg.Register("alwaysBuy", alwaysBuy))

	sel := market.NewSelector()
	sel.Register(market.SourcePrimary, f.market)

	deps := Deps{
		Bus:      b,
		Registry: f.reg,
		Risk:     f.risk,
		Markets:  sel,
		Orders:   f.orders,
	}
	for _, m := range mutate {
		m(&deps)
	}

	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	o, err := New(deps, cfg)
	require.NoError(t, err)
	f.orch = o
	t.Cleanup(func() {
		o.Stop()
		o.Wait()
	})
	return f
}

func (f *fixture) runOnce(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = f.orch.RunOnce(context.Background())
	}
}
