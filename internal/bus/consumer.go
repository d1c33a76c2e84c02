package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrConsumerClosed is returned by Consume after Close.
var ErrConsumerClosed = errors.New("consumer is closed")

// MessageHandler processes a consumed record. A returned error is logged and
// counted; the record is still committed so a bad command is not redelivered
// forever.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads records from Kafka topics.
type Consumer interface {
	// Consume polls until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// KafkaConsumer is a group consumer backed by franz-go.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	lg      zerolog.Logger

	mu     sync.Mutex
	closed bool

	consumed    atomic.Int64
	failed      atomic.Int64
	fetchErrors atomic.Int64
}

// NewConsumer joins groupID and subscribes to topics. New groups start at the
// end of the log, so commands issued while the process was down are not
// replayed.
func NewConsumer(brokers []string, groupID string, topics []string) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if groupID == "" {
		return nil, errors.New("consumer group id is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	lg := log.With().Str("component", "kafka-consumer").Str("group", groupID).Logger()
	lg.Info().Strs("brokers", brokers).Strs("topics", topics).Msg("kafka consumer created")

	return &KafkaConsumer{client: client, groupID: groupID, lg: lg}, nil
}

// Consume polls and hands every record to handler until ctx is done.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConsumerClosed
	}

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return ErrConsumerClosed
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.fetchErrors.Add(1)
			c.lg.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})
		fetches.EachRecord(func(r *kgo.Record) {
			c.handle(ctx, handler, r)
		})
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, handler MessageHandler, r *kgo.Record) {
	c.consumed.Add(1)
	if err := handler(ctx, recordToMessage(r)); err != nil {
		c.failed.Add(1)
		c.lg.Warn().Err(err).
			Str("topic", r.Topic).
			Int32("partition", r.Partition).
			Int64("offset", r.Offset).
			Msg("message handler error")
	}
}

// Stats returns delivery counters.
func (c *KafkaConsumer) Stats() map[string]int64 {
	return map[string]int64{
		"consumed":     c.consumed.Load(),
		"failed":       c.failed.Load(),
		"fetch_errors": c.fetchErrors.Load(),
	}
}

// Close leaves the group and releases the client. It is safe to call twice.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	c.lg.Info().Interface("stats", c.Stats()).Msg("kafka consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	var headers map[string]string
	if len(r.Headers) > 0 {
		headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}
