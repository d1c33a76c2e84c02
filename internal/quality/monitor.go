// Package quality tracks the health of the market data feeds the loop reads.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/observability"
)

const (
	// DefaultLagThreshold is how old provider data may be before a warning.
	DefaultLagThreshold = time.Minute

	checkEvery  = 10 * time.Second
	alertBuffer = 256
)

// FeedStats tracks data quality for one source+symbol feed.
type FeedStats struct {
	Source        string    `json:"source"`
	Symbol        string    `json:"symbol"`
	LastEventTime time.Time `json:"last_event_time"`
	LastDataTime  time.Time `json:"last_data_time"`
	LastPrice     float64   `json:"last_price"`
	EventCount    int64     `json:"event_count"`
	GapCount      int64     `json:"gap_count"`
	MaxLagMs      float64   `json:"max_lag_ms"`
	AvgLagMs      float64   `json:"avg_lag_ms"`
	StartTime     time.Time `json:"start_time"`

	// running sums for the average
	totalLagMs float64
	lagSamples int64
}

// Alert is a data quality alert for a feed.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Source  string    `json:"source"`
	Symbol  string    `json:"symbol"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Monitor watches market snapshots on the bus. It detects provider lag,
// gaps between snapshots, and feeds that stopped delivering.
type Monitor struct {
	mu      sync.RWMutex
	stats   map[string]*FeedStats // key: "source.symbol"
	alertCh chan Alert

	expected     time.Duration
	lagThreshold time.Duration
	staleAfter   time.Duration
	now          func() time.Time
	lg           zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLagThreshold sets the provider lag that triggers a warning. Zero
// disables lag alerts.
func WithLagThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.lagThreshold = d }
}

// WithStaleAfter sets how long a feed may be silent before it is stale.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Monitor) { m.staleAfter = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor for a loop that snapshots every expected.
// A feed is stale after three missed snapshots unless WithStaleAfter says
// otherwise.
func NewMonitor(expected time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		stats:        make(map[string]*FeedStats),
		alertCh:      make(chan Alert, alertBuffer),
		expected:     expected,
		lagThreshold: DefaultLagThreshold,
		staleAfter:   3 * expected,
		now:          time.Now,
		lg:           log.With().Str("component", "feed-quality").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func feedKey(source, symbol string) string {
	return fmt.Sprintf("%s.%s", source, symbol)
}

// getOrCreate returns the stats for a feed. Caller holds m.mu.
func (m *Monitor) getOrCreate(source, symbol string) *FeedStats {
	key := feedKey(source, symbol)
	stats, ok := m.stats[key]
	if !ok {
		stats = &FeedStats{Source: source, Symbol: symbol, StartTime: m.now()}
		m.stats[key] = stats
	}
	return stats
}

// Attach records every market snapshot published on b.
func (m *Monitor) Attach(b *bus.Bus) (detach func()) {
	return b.Subscribe(bus.TopicMarketSnapshot, func(ev bus.Event) error {
		snap, ok := ev.Payload.(bus.MarketSnapshotEvent)
		if !ok {
			return fmt.Errorf("feed quality: unexpected payload %T", ev.Payload)
		}
		m.Record(snap)
		return nil
	})
}

// Record updates the feed of ev. Archive replays carry historical
// timestamps, so lag is not measured for them.
func (m *Monitor) Record(ev bus.MarketSnapshotEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats := m.getOrCreate(ev.Source, ev.Symbol)

	if !stats.LastEventTime.IsZero() && m.expected > 0 {
		if since := now.Sub(stats.LastEventTime); since > 2*m.expected {
			stats.GapCount++
			m.emitAlert(Alert{
				Level:   "warn",
				Source:  ev.Source,
				Symbol:  ev.Symbol,
				Message: fmt.Sprintf("Snapshot gap: %s since previous (expected %s)", since.Truncate(time.Millisecond), m.expected),
				Ts:      now,
			})
		}
	}

	stats.LastEventTime = now
	stats.LastPrice = ev.Price
	stats.EventCount++

	if ev.AsOf.IsZero() || ev.Source == string(market.SourceArchive) {
		return
	}
	stats.LastDataTime = ev.AsOf

	lagMs := float64(now.Sub(ev.AsOf).Milliseconds())
	if lagMs < 0 {
		lagMs = 0
	}
	stats.lagSamples++
	stats.totalLagMs += lagMs
	stats.AvgLagMs = stats.totalLagMs / float64(stats.lagSamples)
	if lagMs > stats.MaxLagMs {
		stats.MaxLagMs = lagMs
	}

	if m.lagThreshold > 0 && lagMs > float64(m.lagThreshold.Milliseconds()) {
		m.emitAlert(Alert{
			Level:   "warn",
			Source:  ev.Source,
			Symbol:  ev.Symbol,
			Message: fmt.Sprintf("Feed lag exceeds threshold: %.0fms > %s", lagMs, m.lagThreshold),
			Ts:      now,
		})
	}
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all feed stats.
func (m *Monitor) Snapshot() map[string]FeedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]FeedStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Start checks for stale feeds until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	m.lg.Info().
		Dur("lag_threshold", m.lagThreshold).
		Dur("stale_after", m.staleAfter).
		Msg("Feed quality monitor started")

	for {
		select {
		case <-ctx.Done():
			m.lg.Info().Msg("Feed quality monitor stopped")
			return
		case <-ticker.C:
			m.checkStaleFeeds()
		}
	}
}

// activeFeeds returns, per symbol, the feed that delivered last. Older feeds
// of the same symbol belong to a source the loop switched away from.
// Caller holds m.mu.
func (m *Monitor) activeFeeds() map[string]*FeedStats {
	out := make(map[string]*FeedStats)
	for _, s := range m.stats {
		if cur, ok := out[s.Symbol]; !ok || s.LastEventTime.After(cur.LastEventTime) {
			out[s.Symbol] = s
		}
	}
	return out
}

func (m *Monitor) checkStaleFeeds() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, stats := range m.activeFeeds() {
		stale := now.Sub(stats.LastEventTime)
		if m.staleAfter > 0 && stale > m.staleAfter {
			m.emitAlert(Alert{
				Level:   "critical",
				Source:  stats.Source,
				Symbol:  stats.Symbol,
				Message: fmt.Sprintf("Feed stale for >%s (last snapshot %.1fs ago)", m.staleAfter, stale.Seconds()),
				Ts:      now,
			})
		}
	}
}

// Check is an observability.HealthCheck over the active feeds.
func (m *Monitor) Check(context.Context) observability.ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := m.activeFeeds()
	if len(active) == 0 {
		return observability.ComponentHealth{Status: observability.StatusDegraded, Message: "no market data yet"}
	}

	now := m.now()
	status := observability.StatusHealthy
	msg := ""
	details := make(map[string]any, len(active))
	for symbol, s := range active {
		age := now.Sub(s.LastEventTime)
		details[symbol] = map[string]any{
			"source": s.Source,
			"age":    age.Truncate(time.Millisecond).String(),
			"gaps":   s.GapCount,
		}
		switch {
		case m.staleAfter > 0 && age > m.staleAfter:
			status = observability.StatusUnhealthy
			msg = fmt.Sprintf("%s feed %s stale for %s", symbol, s.Source, age.Truncate(time.Second))
		case status == observability.StatusHealthy && m.lagThreshold > 0 && !s.LastDataTime.IsZero() &&
			s.LastEventTime.Sub(s.LastDataTime) > m.lagThreshold:
			status = observability.StatusDegraded
			msg = fmt.Sprintf("%s feed %s lagging", symbol, s.Source)
		}
	}
	return observability.ComponentHealth{Status: status, Message: msg, Details: details}
}

// emitAlert sends without blocking. A full channel drops the alert.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		m.lg.Warn().
			Str("source", alert.Source).
			Str("symbol", alert.Symbol).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("Alert channel full, dropping alert")
	}
}
