package bus

import "fmt"

// Topic names a bus channel. The set is fixed; see AllTopics.
type Topic string

const (
	TopicMarketSnapshot    Topic = "market-snapshot"
	TopicStrategySignal    Topic = "strategy-signal"
	TopicOrderExecuted     Topic = "order-executed"
	TopicOrderError        Topic = "order-error"
	TopicRiskBlock         Topic = "risk-block"
	TopicSystemStatus      Topic = "system-status"
	TopicKillSwitchChanged Topic = "kill-switch-changed"
	TopicHeartbeat         Topic = "heartbeat"
	TopicStrategyOptimized Topic = "strategy-optimized"
	TopicStrategyChanged   Topic = "strategy-changed"
	TopicOptimizationError Topic = "optimization-error"
)

var allTopics = []Topic{
	TopicMarketSnapshot,
	TopicStrategySignal,
	TopicOrderExecuted,
	TopicOrderError,
	TopicRiskBlock,
	TopicSystemStatus,
	TopicKillSwitchChanged,
	TopicHeartbeat,
	TopicStrategyOptimized,
	TopicStrategyChanged,
	TopicOptimizationError,
}

// AllTopics returns every topic the bus accepts, in declaration order.
func AllTopics() []Topic {
	out := make([]Topic, len(allTopics))
	copy(out, allTopics)
	return out
}

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	for _, known := range allTopics {
		if t == known {
			return true
		}
	}
	return false
}

func (t Topic) String() string { return string(t) }

// KafkaTopic maps a bus topic onto the broker naming convention
// <prefix>.<topic>, e.g. "tradecore.order-executed".
func KafkaTopic(prefix string, t Topic) string {
	if prefix == "" {
		return string(t)
	}
	return fmt.Sprintf("%s.%s", prefix, t)
}

// KafkaTopics returns the broker topic names for every bus topic, for provisioning.
func KafkaTopics(prefix string) []string {
	out := make([]string, 0, len(allTopics))
	for _, t := range allTopics {
		out = append(out, KafkaTopic(prefix, t))
	}
	return out
}
