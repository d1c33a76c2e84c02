package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a record published to or consumed from Kafka.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes records to Kafka/RedPanda. The in-memory StubProducer
// implements it for tests and for runs without a broker.
type Producer interface {
	// Publish sends msg and waits for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value and publishes it synchronously.
	PublishJSON(ctx context.Context, topic, key string, value any) error
	// Produce sends a record asynchronously. Delivery errors are logged.
	Produce(ctx context.Context, topic string, key, value []byte) error
	// Flush waits for buffered records. Returns 0 on success.
	Flush(timeout time.Duration) int
	// Close flushes and shuts down.
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID         string
	maxBufferedRecords int
	linger             time.Duration
}

// WithInstanceID sets the ClientID and the producer header.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithLinger sets the batching delay.
func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// WithMaxBufferedRecords caps the number of records buffered before Produce blocks.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(c *producerConfig) { c.maxBufferedRecords = n }
}

// KafkaProducer is a Producer backed by franz-go.
type KafkaProducer struct {
	client         *kgo.Client
	defaultHeaders map[string]string
	mu             sync.RWMutex
	closed         bool
}

// NewProducer connects a franz-go client to brokers.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		instanceID:         "tradecore",
		maxBufferedRecords: 10000,
		linger:             5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBufferedRecords),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("instance_id", cfg.instanceID).
		Msg("kafka producer created")

	return &KafkaProducer{
		client: client,
		defaultHeaders: map[string]string{
			"producer":       cfg.instanceID,
			"schema_version": SchemaVersion,
		},
	}, nil
}

func (p *KafkaProducer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *KafkaProducer) toRecord(msg Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+len(p.defaultHeaders)+1)
	for k, v := range p.defaultHeaders {
		if _, override := msg.Headers[k]; !override {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.New().String())})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if p.isClosed() {
		return fmt.Errorf("producer is closed")
	}
	results := p.client.ProduceSync(ctx, p.toRecord(msg))
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *KafkaProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	if p.isClosed() {
		return fmt.Errorf("producer is closed")
	}
	rec := p.toRecord(Message{Topic: topic, Key: string(key), Value: value})
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("async produce failed")
		}
	})
	return nil
}

func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("kafka flush failed")
		return 1
	}
	return 0
}

func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.client.Close()
	log.Info().Msg("kafka producer closed")
}

// --- Stub producer ---

// StubProducer buffers records in memory.
type StubProducer struct {
	mu       sync.Mutex
	messages []StubMessage
}

// StubMessage is a record captured by StubProducer.
type StubMessage struct {
	Topic string
	Key   string
	Value []byte
}

func NewStubProducer() *StubProducer {
	return &StubProducer{messages: make([]StubMessage, 0, 256)}
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, StubMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value})
	p.mu.Unlock()
	return nil
}

func (p *StubProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

func (p *StubProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.Publish(ctx, Message{Topic: topic, Key: string(key), Value: value})
}

func (p *StubProducer) Flush(time.Duration) int { return 0 }

func (p *StubProducer) Close() {}

// Messages returns a copy of everything captured so far.
func (p *StubProducer) Messages() []StubMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StubMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
