package bus

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Mirror forwards every bus event to the producer under
// KafkaTopic(prefix, topic), keyed by topic. Sends are asynchronous so a slow
// broker never stalls a publisher. The returned function detaches the mirror.
func Mirror(b *Bus, p Producer, prefix string) (stop func()) {
	return b.SubscribeAll(func(ev Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		topic := KafkaTopic(prefix, ev.Topic)
		if err := p.Produce(context.Background(), topic, []byte(ev.Topic), data); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("mirror: produce failed")
			return err
		}
		return nil
	})
}
