package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck is a function that checks component health.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the process.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     string                     `json:"uptime"`
}

// HealthMonitor aggregates named checks. The worst component status is the
// system status.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	last      map[string]ComponentStatus
	startTime time.Time
}

// NewHealthMonitor creates an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		last:      make(map[string]ComponentStatus),
		startTime: time.Now(),
	}
}

// Register adds a named health check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every registered check and returns the aggregate. Status
// transitions are logged.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	now := time.Now()
	out := SystemHealth{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  now,
		Uptime:     now.Sub(m.startTime).Truncate(time.Second).String(),
	}
	for name, fn := range checks {
		h := fn(ctx)
		h.Name = name
		h.LastChecked = now
		out.Components[name] = h
		if statusSeverity(h.Status) > statusSeverity(out.Status) {
			out.Status = h.Status
		}
		m.noteTransition(name, h)
	}
	return out
}

func (m *HealthMonitor) noteTransition(name string, h ComponentHealth) {
	m.mu.Lock()
	prev, seen := m.last[name]
	m.last[name] = h.Status
	m.mu.Unlock()
	if seen && prev == h.Status {
		return
	}

	ev := log.Info()
	switch h.Status {
	case StatusUnhealthy:
		ev = log.Error()
	case StatusDegraded:
		ev = log.Warn()
	}
	ev.Str("component", name).
		Str("from", string(prev)).
		Str("to", string(h.Status)).
		Str("message", h.Message).
		Msg("health status changed")
}

// ServeHTTP renders the aggregate as JSON: 200 unless a component is
// unhealthy, then 503.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// statusSeverity returns a numeric severity for comparison.
func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// HeartbeatTracker remembers the last heartbeat seen on the bus and judges
// the loop by its recency.
type HeartbeatTracker struct {
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen time.Time
	last bus.HeartbeatEvent
}

// NewHeartbeatTracker treats the loop as stalled once no heartbeat arrived
// for maxAge. Callers typically pass a few loop intervals.
func NewHeartbeatTracker(maxAge time.Duration) *HeartbeatTracker {
	return &HeartbeatTracker{maxAge: maxAge, now: time.Now}
}

// Attach subscribes the tracker to heartbeats on b.
func (t *HeartbeatTracker) Attach(b *bus.Bus) (detach func()) {
	return b.Subscribe(bus.TopicHeartbeat, func(ev bus.Event) error {
		hb, ok := ev.Payload.(bus.HeartbeatEvent)
		if !ok {
			return fmt.Errorf("heartbeat tracker: unexpected payload %T", ev.Payload)
		}
		t.mu.Lock()
		t.seen = t.now()
		t.last = hb
		t.mu.Unlock()
		return nil
	})
}

// Check is a HealthCheck. No heartbeat yet or a stale one is unhealthy; a
// fresh heartbeat reporting an error is degraded.
func (t *HeartbeatTracker) Check(context.Context) ComponentHealth {
	t.mu.Lock()
	seen, last := t.seen, t.last
	t.mu.Unlock()

	if seen.IsZero() {
		return ComponentHealth{Status: StatusUnhealthy, Message: "no heartbeat received"}
	}
	age := t.now().Sub(seen)
	details := map[string]any{
		"iteration": last.Iteration,
		"age":       age.Truncate(time.Millisecond).String(),
	}
	switch {
	case age > t.maxAge:
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("last heartbeat %s ago", age.Truncate(time.Second)),
			Details: details,
		}
	case last.Status != "ok":
		return ComponentHealth{Status: StatusDegraded, Message: last.LastError, Details: details}
	}
	return ComponentHealth{Status: StatusHealthy, Details: details}
}
