package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer([]string{"localhost:9092"}, "grp", nil)
	assert.Error(t, err)

	_, err = NewConsumer([]string{"localhost:9092"}, "", []string{"tradecore.control"})
	assert.Error(t, err)
}

func TestRecordToMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := recordToMessage(&kgo.Record{
		Topic:     "tradecore.control",
		Key:       []byte("op-1"),
		Value:     []byte(`{"cmd":"pause"}`),
		Headers:   []kgo.RecordHeader{{Key: "source", Value: []byte("ops")}},
		Timestamp: ts,
	})

	assert.Equal(t, "tradecore.control", msg.Topic)
	assert.Equal(t, "op-1", msg.Key)
	assert.JSONEq(t, `{"cmd":"pause"}`, string(msg.Value))
	assert.Equal(t, map[string]string{"source": "ops"}, msg.Headers)
	assert.Equal(t, ts, msg.Timestamp)

	assert.Nil(t, recordToMessage(&kgo.Record{}).Headers)
}

func TestHandle_CountsFailures(t *testing.T) {
	c := &KafkaConsumer{}
	var seen []string
	handler := func(_ context.Context, msg Message) error {
		seen = append(seen, msg.Key)
		if msg.Key == "bad" {
			return errors.New("rejected")
		}
		return nil
	}

	c.handle(context.Background(), handler, &kgo.Record{Key: []byte("ok")})
	c.handle(context.Background(), handler, &kgo.Record{Key: []byte("bad")})
	c.handle(context.Background(), handler, &kgo.Record{Key: []byte("ok")})

	require.Equal(t, []string{"ok", "bad", "ok"}, seen)
	stats := c.Stats()
	assert.Equal(t, int64(3), stats["consumed"])
	assert.Equal(t, int64(1), stats["failed"])
	assert.Equal(t, int64(0), stats["fetch_errors"])
}
