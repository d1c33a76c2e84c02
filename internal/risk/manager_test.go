package risk

import (
	"sync"
	"testing"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// recorder collects published events per topic.
type recorder struct {
	mu     sync.Mutex
	events map[bus.Topic][]any
}

func newRecorder() *recorder { return &recorder{events: make(map[bus.Topic][]any)} }

func (r *recorder) Publish(t bus.Topic, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[t] = append(r.events[t], payload)
}

func (r *recorder) count(t bus.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[t])
}

func (r *recorder) last(t bus.Topic) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.events[t]
	if len(ev) == 0 {
		return nil
	}
	return ev[len(ev)-1]
}

func defaultManager() (*Manager, *recorder) {
	rec := newRecorder()
	return NewManager(DefaultLimits(), rec), rec
}

func TestEvaluate_ExampleScenario(t *testing.T) {
	m, rec := defaultManager()

	d := m.Evaluate(money(600), strategy.Buy)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonSizeLimit, d.Reason)

	d = m.Evaluate(money(100), strategy.Buy)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Reason)

	require.Equal(t, 1, rec.count(bus.TopicRiskBlock))
	block := rec.last(bus.TopicRiskBlock).(bus.RiskBlockEvent)
	assert.Equal(t, "SIZE_LIMIT", block.Reason)
	assert.Equal(t, "BUY", block.Direction)
	assert.True(t, block.Notional.Equal(money(600)))

	assert.Equal(t, Metrics{Allowed: 1, Denied: 1}, m.Metrics())
}

func TestEvaluate_KillSwitchPrecedence(t *testing.T) {
	m, _ := defaultManager()
	m.RecordRealizedPnl(money(-100))
	m.SetKillSwitch(true, "operator")

	for _, notional := range []int64{0, 1, 499, 500, 501, 100000} {
		for _, dir := range []strategy.Direction{strategy.Buy, strategy.Sell, strategy.Hold} {
			d := m.Evaluate(money(notional), dir)
			assert.False(t, d.Allow)
			assert.Equal(t, ReasonKillSwitch, d.Reason, "notional=%d dir=%s", notional, dir)
		}
	}
}

func TestEvaluate_SizeLimitBoundary(t *testing.T) {
	m, _ := defaultManager()
	assert.True(t, m.Evaluate(money(500), strategy.Buy).Allow)
	assert.False(t, m.Evaluate(decimal.RequireFromString("500.01"), strategy.Buy).Allow)
}

func TestRecordRealizedPnl_AutoTrip(t *testing.T) {
	m, rec := defaultManager()

	m.RecordRealizedPnl(money(-300))

	st := m.State()
	assert.True(t, st.KillSwitchActive)
	assert.True(t, st.AccumulatedLoss.Equal(money(-300)))
	require.Equal(t, 1, rec.count(bus.TopicKillSwitchChanged))
	ev := rec.last(bus.TopicKillSwitchChanged).(bus.KillSwitchEvent)
	assert.True(t, ev.Active)

	d := m.Evaluate(money(100), strategy.Buy)
	assert.Equal(t, ReasonKillSwitch, d.Reason)
	assert.Equal(t, int64(1), m.Metrics().Trips)
}

func TestRecordRealizedPnl_SequenceSumsToLimit(t *testing.T) {
	m, rec := defaultManager()

	m.RecordRealizedPnl(money(-200))
	m.RecordRealizedPnl(money(50))
	assert.False(t, m.State().KillSwitchActive)
	m.RecordRealizedPnl(money(-150))
	assert.True(t, m.State().KillSwitchActive)

	// Further losses do not re-trip or re-publish.
	m.RecordRealizedPnl(money(-10))
	assert.Equal(t, 1, rec.count(bus.TopicKillSwitchChanged))
	assert.Equal(t, int64(1), m.Metrics().Trips)
}

func TestEvaluate_DailyLossTripsSwitch(t *testing.T) {
	m, rec := defaultManager()

	// Operator clears the switch after a trip; the loss is still on the books.
	m.RecordRealizedPnl(money(-400))
	m.SetKillSwitch(false, "")
	require.False(t, m.State().KillSwitchActive)

	d := m.Evaluate(money(100), strategy.Sell)
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonDailyLossLimit, d.Reason)
	assert.True(t, m.State().KillSwitchActive)

	d = m.Evaluate(money(100), strategy.Sell)
	assert.Equal(t, ReasonKillSwitch, d.Reason)

	// trip, clear, trip again
	assert.Equal(t, 3, rec.count(bus.TopicKillSwitchChanged))
	assert.Equal(t, 2, rec.count(bus.TopicRiskBlock))
}

func TestSetKillSwitch_PublishesEveryCall(t *testing.T) {
	m, rec := defaultManager()

	m.SetKillSwitch(true, "a")
	m.SetKillSwitch(true, "b")
	m.SetKillSwitch(false, "")
	m.SetKillSwitch(false, "")

	assert.Equal(t, 4, rec.count(bus.TopicKillSwitchChanged))
	assert.False(t, m.KillSwitchActive())
	assert.Empty(t, m.State().KillSwitchReason)
}

func TestResetDay_KeepsKillSwitch(t *testing.T) {
	m, _ := defaultManager()
	m.RecordRealizedPnl(money(-350))
	m.ResetDay()

	st := m.State()
	assert.True(t, st.AccumulatedLoss.IsZero())
	assert.True(t, st.KillSwitchActive)
}

func TestState_IsCopy(t *testing.T) {
	m, _ := defaultManager()
	st := m.State()
	st.KillSwitchActive = true
	st.AccumulatedLoss = money(-1000)
	assert.False(t, m.State().KillSwitchActive)
	assert.True(t, m.State().AccumulatedLoss.IsZero())
}

func TestSetLimits(t *testing.T) {
	m, _ := defaultManager()
	m.SetLimits(Limits{MaxPositionValue: money(50), DailyLossLimit: money(10)})
	assert.Equal(t, ReasonSizeLimit, m.Evaluate(money(60), strategy.Buy).Reason)
	m.RecordRealizedPnl(money(-10))
	assert.True(t, m.KillSwitchActive())
}

func TestLimits_NonPositiveFallBackToDefaults(t *testing.T) {
	m := NewManager(Limits{MaxPositionValue: money(-1)}, nil)
	st := m.State()
	assert.True(t, st.MaxPositionValue.Equal(money(500)))
	assert.True(t, st.DailyLossLimit.Equal(money(300)))

	m.RecordRealizedPnl(money(-300))
	assert.True(t, m.KillSwitchActive(), "a zero loss limit must not disable the check")

	m.SetKillSwitch(false, "")
	m.ResetDay()
	m.SetLimits(Limits{MaxPositionValue: money(50)})
	assert.True(t, m.State().DailyLossLimit.Equal(money(300)))
	assert.Equal(t, ReasonSizeLimit, m.Evaluate(money(60), strategy.Buy).Reason)
}

func TestManager_WithBusHandlerCallingBack(t *testing.T) {
	b := bus.New()
	m := NewManager(DefaultLimits(), b)

	var seen []bool
	b.Subscribe(bus.TopicKillSwitchChanged, func(e bus.Event) error {
		// Re-entrant read must not deadlock.
		seen = append(seen, m.State().KillSwitchActive)
		return nil
	})

	m.RecordRealizedPnl(money(-300))
	m.SetKillSwitch(false, "")
	assert.Equal(t, []bool{true, false}, seen)
}

func TestManager_NilPublisher(t *testing.T) {
	m := NewManager(DefaultLimits(), nil)
	m.SetKillSwitch(true, "x")
	assert.Equal(t, ReasonKillSwitch, m.Evaluate(money(1), strategy.Buy).Reason)
}
