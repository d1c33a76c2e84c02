package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
)

const (
	// Topic is the Kafka topic for audit entries.
	Topic = "tradecore.audit"

	// Entry event types.
	EventSignal         = "signal"
	EventOrder          = "order"
	EventOrderError     = "order_error"
	EventRiskBlock      = "risk_block"
	EventKillSwitch     = "kill_switch"
	EventStrategyChange = "strategy_change"
	EventOptimization   = "optimization"
)

// Entry is one decision in the audit trail. Entries of one loop iteration
// share a TraceID.
type Entry struct {
	TraceID    string    `json:"trace_id,omitempty"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"ts"`
	StrategyID string    `json:"strategy_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Decision   string    `json:"decision,omitempty"` // BUY|SELL|HOLD, executed, denied, failed, ...
	Payload    string    `json:"payload"`            // JSON of the full event
}

// Trail records the decision chain published on the bus. It keeps the last
// maxBuf entries in memory for querying and publishes every entry to Topic
// through the producer.
type Trail struct {
	producer bus.Producer

	mu     sync.Mutex
	ring   []Entry
	next   int
	filled bool
}

// NewTrail creates a trail. A nil producer keeps entries in memory only; a
// maxBuf of 0 disables the in-memory buffer.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{producer: producer, ring: make([]Entry, maxBuf)}
}

// Attach subscribes the trail to the decision topics on b and returns a
// function that detaches it.
func (t *Trail) Attach(b *bus.Bus) (detach func()) {
	topics := []bus.Topic{
		bus.TopicStrategySignal,
		bus.TopicOrderExecuted,
		bus.TopicOrderError,
		bus.TopicRiskBlock,
		bus.TopicKillSwitchChanged,
		bus.TopicStrategyChanged,
		bus.TopicStrategyOptimized,
		bus.TopicOptimizationError,
	}
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		unsubs = append(unsubs, b.Subscribe(topic, func(ev bus.Event) error {
			t.Record(ev.Payload)
			return nil
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Record converts a bus payload into an Entry. Payloads that are not
// decisions are ignored.
func (t *Trail) Record(payload any) {
	var e Entry
	var base bus.BaseEvent

	switch ev := payload.(type) {
	case bus.SignalEvent:
		base = ev.BaseEvent
		e = Entry{EventType: EventSignal, StrategyID: ev.StrategyID, Symbol: ev.Symbol, Decision: ev.Direction}
	case bus.OrderExecutedEvent:
		base = ev.BaseEvent
		e = Entry{EventType: EventOrder, StrategyID: ev.StrategyID, OrderID: ev.OrderID, Symbol: ev.Symbol, Decision: "executed"}
	case bus.OrderErrorEvent:
		base = ev.BaseEvent
		decision := "failed"
		if ev.Denied {
			decision = "denied"
		}
		e = Entry{EventType: EventOrderError, Symbol: ev.Symbol, Decision: decision}
	case bus.RiskBlockEvent:
		base = ev.BaseEvent
		e = Entry{EventType: EventRiskBlock, Decision: ev.Reason}
	case bus.KillSwitchEvent:
		base = ev.BaseEvent
		decision := "released"
		if ev.Active {
			decision = "engaged"
		}
		e = Entry{EventType: EventKillSwitch, Decision: decision}
	case bus.StrategyChangedEvent:
		base = ev.BaseEvent
		e = Entry{EventType: EventStrategyChange, StrategyID: ev.To, Decision: ev.Reason}
	case bus.StrategyOptimizedEvent:
		base = ev.BaseEvent
		e = Entry{EventType: EventOptimization, StrategyID: ev.NewID, Decision: "improved"}
	case bus.OptimizationErrorEvent:
		base = ev.BaseEvent
		e = Entry{EventType: EventOptimization, StrategyID: ev.BaseID, Decision: "failed"}
	default:
		return
	}

	e.TraceID = base.TraceID
	e.EventID = base.EventID
	e.Timestamp = base.Timestamp
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Payload = mustMarshal(payload)
	t.record(e)
}

// Query returns the buffered entries carrying traceID, oldest first.
func (t *Trail) Query(traceID string) []Entry {
	var result []Entry
	for _, e := range t.Entries() {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of the buffer, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.filled {
		out := make([]Entry, t.next)
		copy(out, t.ring[:t.next])
		return out
	}
	out := make([]Entry, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// Len returns the number of buffered entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled {
		return len(t.ring)
	}
	return t.next
}

// record buffers entry, overwriting the oldest when full, and publishes it.
func (t *Trail) record(entry Entry) {
	t.mu.Lock()
	if len(t.ring) > 0 {
		t.ring[t.next] = entry
		t.next++
		if t.next == len(t.ring) {
			t.next = 0
			t.filled = true
		}
	}
	t.mu.Unlock()

	if t.producer == nil {
		return
	}
	key := entry.EventType
	if entry.TraceID != "" {
		key = entry.TraceID
	}
	if err := t.producer.Produce(context.Background(), Topic, []byte(key), []byte(mustMarshal(entry))); err != nil {
		log.Error().Err(err).
			Str("event_type", entry.EventType).
			Str("trace_id", entry.TraceID).
			Msg("failed to publish audit entry")
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal audit payload")
		return "{}"
	}
	return string(data)
}
