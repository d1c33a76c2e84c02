package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/orchestrator"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

type fakeOrch struct {
	mu       sync.Mutex
	calls    []string
	patches  []orchestrator.Patch
	startCtx context.Context
	err      error
}

func (f *fakeOrch) note(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeOrch) Start(ctx context.Context) { f.startCtx = ctx; f.note("start") }
func (f *fakeOrch) Stop() { f.note("stop") }
func (f *fakeOrch) Configure(p orchestrator.Patch) error {
	f.patches = append(f.patches, p)
	f.note("configure")
	return f.err
}
func (f *fakeOrch) ToggleLive(on bool) { f.note(flag("live", on)) }
func (f *fakeOrch) SetAIAnalysisEnabled(on bool) { f.note(flag("ai", on)) }
func (f *fakeOrch) SetOptimizationEnabled(on bool) { f.note(flag("optimize", on)) }
func (f *fakeOrch) SetPreferOptimized(on bool) { f.note(flag("prefer", on)) }
func (f *fakeOrch) TriggerOptimizationNow() { f.note("trigger") }

func flag(name string, on bool) string {
	if on {
		return name + "=on"
	}
	return name + "=off"
}

func (f *fakeOrch) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func msg(body string) bus.Message { return bus.Message{Topic: "tradecore.control", Value: []byte(body)} }

func TestHandleMessage_Toggles(t *testing.T) {
	orch := &fakeOrch{}
	rm := risk.NewManager(risk.DefaultLimits(), bus.New())
	h := NewHandler(context.Background(), orch, rm)

	for _, body := range []string{
		`{"cmd":"live","active":true}`,
		`{"cmd":"ai","active":false}`,
		`{"cmd":"optimize","active":true}`,
		`{"cmd":"prefer_optimized","active":true}`,
		`{"cmd":"trigger_optimization"}`,
		`{"cmd":"stop"}`,
	} {
		require.NoError(t, h.HandleMessage(context.Background(), msg(body)), body)
	}

	assert.Equal(t, []string{"live=on", "ai=off", "optimize=on", "prefer=on", "trigger", "stop"}, orch.seen())
}

func TestHandleMessage_KillSwitchReachesRisk(t *testing.T) {
	b := bus.New()
	var events []bus.KillSwitchEvent
	b.Subscribe(bus.TopicKillSwitchChanged, func(ev bus.Event) error {
		events = append(events, ev.Payload.(bus.KillSwitchEvent))
		return nil
	})
	rm := risk.NewManager(risk.DefaultLimits(), b)
	h := NewHandler(context.Background(), &fakeOrch{}, rm)

	require.NoError(t, h.HandleMessage(context.Background(), msg(`{"cmd":"kill_switch","active":true,"reason":"desk halt"}`)))
	assert.True(t, rm.KillSwitchActive())
	require.Len(t, events, 1)
	assert.Equal(t, "desk halt", events[0].Reason)

	require.NoError(t, h.HandleMessage(context.Background(), msg(`{"cmd":"kill_switch","active":false}`)))
	assert.False(t, rm.KillSwitchActive())
	assert.Equal(t, "operator command", events[1].Reason)
}

func TestHandleMessage_Rejections(t *testing.T) {
	orch := &fakeOrch{}
	h := NewHandler(context.Background(), orch, risk.NewManager(risk.DefaultLimits(), bus.New()))

	err := h.HandleMessage(context.Background(), msg(`{"cmd":"self_destruct"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	err = h.HandleMessage(context.Background(), msg(`{"cmd":"live"}`))
	assert.ErrorIs(t, err, ErrMissingActive)

	err = h.HandleMessage(context.Background(), msg(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode control record")

	err = h.HandleMessage(context.Background(), msg(`{"cmd":"configure","data_source":"fax"}`))
	assert.ErrorIs(t, err, market.ErrUnknownSource)

	err = h.HandleMessage(context.Background(), msg(`{"cmd":"configure","interval":"soon"}`))
	require.Error(t, err)

	assert.Empty(t, orch.seen())
}

func TestHandleMessage_Configure(t *testing.T) {
	orch := &fakeOrch{}
	h := NewHandler(context.Background(), orch, risk.NewManager(risk.DefaultLimits(), bus.New()))

	require.NoError(t, h.HandleMessage(context.Background(),
		msg(`{"cmd":"configure","symbol":"ETHUSDT","strategy":"trendFollower","data_source":"secondary-exchange","interval":"15s"}`)))

	require.Len(t, orch.patches, 1)
	p := orch.patches[0]
	assert.Equal(t, "ETHUSDT", *p.Symbol)
	assert.Equal(t, strategy.TrendFollowerID, *p.StrategyID)
	assert.Equal(t, market.SourceSecondary, *p.DataSource)
	assert.Equal(t, 15*time.Second, *p.Interval)
	assert.Nil(t, p.LiveTrading)

	orch.err = errors.New("interval below minimum")
	assert.Error(t, h.Apply(Command{Cmd: CmdConfigure}))
}

func TestHandleMessage_StartUsesRunContext(t *testing.T) {
	type key struct{}
	runCtx := context.WithValue(context.Background(), key{}, "run")
	orch := &fakeOrch{}
	h := NewHandler(runCtx, orch, risk.NewManager(risk.DefaultLimits(), bus.New()))

	require.NoError(t, h.HandleMessage(context.Background(), msg(`{"cmd":"start"}`)))
	require.NotNil(t, orch.startCtx)
	assert.Equal(t, "run", orch.startCtx.Value(key{}))
}

func TestHandleMessage_ResetDay(t *testing.T) {
	rm := risk.NewManager(risk.DefaultLimits(), bus.New())
	rm.RecordRealizedPnl(decimal.NewFromInt(-50))
	h := NewHandler(context.Background(), &fakeOrch{}, rm)

	require.NoError(t, h.Apply(Command{Cmd: CmdResetDay}))
	assert.True(t, rm.State().AccumulatedLoss.IsZero())
}

// fakeConsumer replays records, then blocks until ctx is done.
type fakeConsumer struct {
	records []bus.Message
	errs    []error
}

func (c *fakeConsumer) Consume(ctx context.Context, handler bus.MessageHandler) error {
	for _, r := range c.records {
		c.errs = append(c.errs, handler(ctx, r))
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConsumer) Close() {}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	orch := &fakeOrch{}
	h := NewHandler(context.Background(), orch, risk.NewManager(risk.DefaultLimits(), bus.New()))
	c := &fakeConsumer{records: []bus.Message{
		msg(`{"cmd":"live","active":false}`),
		msg(`{"cmd":"bogus"}`),
		msg(`{"cmd":"trigger_optimization"}`),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, c, h) }()

	require.Eventually(t, func() bool { return len(orch.seen()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done, "cancellation is a clean stop")

	assert.Equal(t, []string{"live=off", "trigger"}, orch.seen())
	require.Len(t, c.errs, 3)
	assert.ErrorIs(t, c.errs[1], ErrUnknownCommand)
}

// Compile-time check that the real types satisfy the control surfaces.
var (
	_ Orchestrator = (*orchestrator.Orchestrator)(nil)
	_ Risk         = (*risk.Manager)(nil)
)
