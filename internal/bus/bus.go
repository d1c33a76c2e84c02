package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is a single published message.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"ts"`
}

// Handler receives events. A returned error (or a panic) is logged by the
// bus and never reaches the publisher or the remaining handlers.
type Handler func(Event) error

// Publisher is the write side of the bus. Components that only emit events
// depend on this instead of *Bus.
type Publisher interface {
	Publish(topic Topic, payload any)
}

// ErrorHook is notified of every handler failure. Used for metrics.
type ErrorHook func(topic Topic, err error)

// Option configures a Bus.
type Option func(*Bus)

// WithErrorHook installs a hook called after each handler failure is logged.
func WithErrorHook(h ErrorHook) Option {
	return func(b *Bus) { b.onError = h }
}

type subscription struct {
	id      uint64
	handler Handler
	once    bool
	fired   atomic.Bool
}

// Bus is an in-process publish/subscribe channel with synchronous fan-out.
// Within one Publish call handlers run in subscription order. The subscriber
// list is copy-on-write, so handlers may subscribe or unsubscribe (including
// themselves) while being invoked.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	nextID uint64

	onError ErrorHook

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[Topic][]*subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic and returns a function that removes
// this subscription. Subscribing the same handler twice creates two entries.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	return b.subscribe(topic, handler, false)
}

// SubscribeOnce registers handler for a single delivery. The subscription is
// removed before the handler runs, so re-entrant publishes do not fire it twice.
func (b *Bus) SubscribeOnce(topic Topic, handler Handler) (unsubscribe func()) {
	return b.subscribe(topic, handler, true)
}

// SubscribeAll registers handler on every topic. The returned function removes
// all of those subscriptions.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(allTopics))
	for _, t := range allTopics {
		unsubs = append(unsubs, b.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) subscribe(topic Topic, handler Handler, once bool) func() {
	if !topic.Valid() {
		log.Warn().Str("topic", string(topic)).Msg("bus: subscribe to unknown topic ignored")
		return func() {}
	}
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	s := &subscription{id: b.nextID, handler: handler, once: once}
	cur := b.subs[topic]
	next := make([]*subscription, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[topic] = append(next, s)
	b.mu.Unlock()

	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			b.remove(topic, s.id)
		}
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.subs[topic]
	for i, s := range cur {
		if s.id != id {
			continue
		}
		next := make([]*subscription, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = next
		}
		return
	}
}

// Publish delivers payload to every handler currently subscribed to topic.
// It never panics and never returns an error.
func (b *Bus) Publish(topic Topic, payload any) {
	if !topic.Valid() {
		log.Warn().Str("topic", string(topic)).Msg("bus: publish to unknown topic dropped")
		return
	}

	b.mu.RLock()
	snapshot := b.subs[topic]
	b.mu.RUnlock()

	b.published.Add(1)
	if len(snapshot) == 0 {
		return
	}

	ev := Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, s := range snapshot {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(topic, s.id)
		}
		if err := invoke(s.handler, ev); err != nil {
			b.failed.Add(1)
			log.Error().Err(err).Str("topic", string(topic)).Str("event_id", ev.ID).Msg("bus: handler failed")
			if b.onError != nil {
				b.onError(topic, err)
			}
			continue
		}
		b.delivered.Add(1)
	}
}

// invoke runs a handler, converting a panic into an error.
func invoke(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Stats returns delivery counters.
func (b *Bus) Stats() map[string]int64 {
	return map[string]int64{
		"published": b.published.Load(),
		"delivered": b.delivered.Load(),
		"failed":    b.failed.Load(),
	}
}
