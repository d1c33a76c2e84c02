// Package risk gates proposed trades behind a kill switch, a per-trade
// notional cap and a daily realized-loss limit.
package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/strategy"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DenyReason explains why a trade was refused.
type DenyReason string

// Checked in this order; the first match wins.
const (
	ReasonKillSwitch     DenyReason = "KILL_SWITCH"
	ReasonSizeLimit      DenyReason = "SIZE_LIMIT"
	ReasonDailyLossLimit DenyReason = "DAILY_LOSS_LIMIT"
)

// Limits are the configured risk bounds. A non-positive field is replaced
// by its DefaultLimits value; no limit can be switched off.
type Limits struct {
	MaxPositionValue decimal.Decimal `json:"max_position_value"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionValue: decimal.NewFromInt(500),
		DailyLossLimit:   decimal.NewFromInt(300),
	}
}

// State is a copy of the manager's mutable state.
type State struct {
	MaxPositionValue decimal.Decimal `json:"max_position_value"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"`
	AccumulatedLoss  decimal.Decimal `json:"accumulated_loss"` // running realized PnL, negative is a loss
	KillSwitchActive bool            `json:"kill_switch_active"`
	KillSwitchReason string          `json:"kill_switch_reason,omitempty"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allow     bool               `json:"allow"`
	Reason    DenyReason         `json:"reason,omitempty"`
	Notional  decimal.Decimal    `json:"notional"`
	Direction strategy.Direction `json:"direction"`
	Timestamp time.Time          `json:"ts"`
}

// Metrics are decision counters.
type Metrics struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
	Trips   int64 `json:"trips"`
}

// Manager is the risk gate. All methods are safe for concurrent use.
// Events are published after the lock is released so handlers may call back
// into the manager.
type Manager struct {
	mu    sync.Mutex
	state State
	pub   bus.Publisher
	now   func() time.Time

	allowed atomic.Int64
	denied  atomic.Int64
	trips   atomic.Int64
}

type pending struct {
	topic   bus.Topic
	payload any
}

// withDefaults fills non-positive limits from DefaultLimits.
func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if !l.MaxPositionValue.IsPositive() {
		l.MaxPositionValue = def.MaxPositionValue
	}
	if !l.DailyLossLimit.IsPositive() {
		l.DailyLossLimit = def.DailyLossLimit
	}
	return l
}

// NewManager creates a manager with a clear kill switch and zero loss.
// pub may be nil.
func NewManager(limits Limits, pub bus.Publisher) *Manager {
	limits = limits.withDefaults()
	return &Manager{
		state: State{
			MaxPositionValue: limits.MaxPositionValue,
			DailyLossLimit:   limits.DailyLossLimit,
			AccumulatedLoss:  decimal.Zero,
		},
		pub: pub,
		now: time.Now,
	}
}

// Evaluate approves or denies a trade of the given notional value.
// A daily-loss breach also trips the kill switch so later calls deny with
// KILL_SWITCH.
func (m *Manager) Evaluate(notional decimal.Decimal, dir strategy.Direction) Decision {
	d := Decision{Allow: true, Notional: notional, Direction: dir, Timestamp: m.now()}
	var events []pending

	m.mu.Lock()
	switch {
	case m.state.KillSwitchActive:
		d.Allow, d.Reason = false, ReasonKillSwitch
	case notional.GreaterThan(m.state.MaxPositionValue):
		d.Allow, d.Reason = false, ReasonSizeLimit
	case m.lossBreachedLocked():
		d.Allow, d.Reason = false, ReasonDailyLossLimit
		events = append(events, m.tripLocked("daily loss limit reached"))
	}
	m.mu.Unlock()

	if d.Allow {
		m.allowed.Add(1)
		return d
	}

	m.denied.Add(1)
	log.Warn().
		Str("reason", string(d.Reason)).
		Str("direction", string(dir)).
		Str("notional", notional.StringFixed(2)).
		Msg("trade denied by risk manager")

	events = append(events, pending{bus.TopicRiskBlock, bus.RiskBlockEvent{
		BaseEvent: bus.NewBaseEvent("risk"),
		Reason:    string(d.Reason),
		Direction: string(dir),
		Notional:  notional,
	}})
	m.publish(events)
	return d
}

// SetKillSwitch sets the switch and publishes kill-switch-changed on every
// call, even when the state does not change.
func (m *Manager) SetKillSwitch(active bool, reason string) {
	m.mu.Lock()
	m.state.KillSwitchActive = active
	if active {
		m.state.KillSwitchReason = reason
	} else {
		m.state.KillSwitchReason = ""
	}
	m.mu.Unlock()

	log.Warn().Bool("active", active).Str("reason", reason).Msg("kill switch set")
	m.publish([]pending{killSwitchEvent(active, reason)})
}

// RecordRealizedPnl adds a signed realized PnL amount. Gains are positive.
// A breach of the daily limit trips the kill switch once.
func (m *Manager) RecordRealizedPnl(amount decimal.Decimal) {
	var events []pending

	m.mu.Lock()
	m.state.AccumulatedLoss = m.state.AccumulatedLoss.Add(amount)
	if !m.state.KillSwitchActive && m.lossBreachedLocked() {
		events = append(events, m.tripLocked("daily loss limit reached"))
	}
	acc := m.state.AccumulatedLoss
	m.mu.Unlock()

	log.Info().
		Str("amount", amount.StringFixed(2)).
		Str("accumulated", acc.StringFixed(2)).
		Msg("realized pnl recorded")
	m.publish(events)
}

// ResetDay zeroes the accumulated loss. The kill switch is left untouched.
func (m *Manager) ResetDay() {
	m.mu.Lock()
	m.state.AccumulatedLoss = decimal.Zero
	m.mu.Unlock()
	log.Info().Msg("risk day reset")
}

// SetLimits replaces the configured limits, with the same defaulting as
// NewManager.
func (m *Manager) SetLimits(l Limits) {
	l = l.withDefaults()
	m.mu.Lock()
	m.state.MaxPositionValue = l.MaxPositionValue
	m.state.DailyLossLimit = l.DailyLossLimit
	m.mu.Unlock()
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// KillSwitchActive reports the switch without copying the full state.
func (m *Manager) KillSwitchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.KillSwitchActive
}

// Metrics returns decision counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		Allowed: m.allowed.Load(),
		Denied:  m.denied.Load(),
		Trips:   m.trips.Load(),
	}
}

func (m *Manager) lossBreachedLocked() bool {
	return m.state.AccumulatedLoss.LessThanOrEqual(m.state.DailyLossLimit.Neg())
}

func (m *Manager) tripLocked(reason string) pending {
	m.state.KillSwitchActive = true
	m.state.KillSwitchReason = reason
	m.trips.Add(1)
	log.Error().
		Str("accumulated", m.state.AccumulatedLoss.StringFixed(2)).
		Str("limit", m.state.DailyLossLimit.StringFixed(2)).
		Msg("KILL SWITCH TRIPPED: daily loss limit")
	return killSwitchEvent(true, reason)
}

func killSwitchEvent(active bool, reason string) pending {
	return pending{bus.TopicKillSwitchChanged, bus.KillSwitchEvent{
		BaseEvent: bus.NewBaseEvent("risk"),
		Active:    active,
		Reason:    reason,
	}}
}

func (m *Manager) publish(events []pending) {
	if m.pub == nil {
		return
	}
	for _, e := range events {
		m.pub.Publish(e.topic, e.payload)
	}
}
