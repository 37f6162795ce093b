package kafka

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/servicebus/transport/codec"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithTopicPrefix sets the prefix prepended to Kafka topic names ("sb." by default)
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.topicPrefix = prefix
	}
}

// WithPartitions sets the number of partitions for new topics
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplication sets the replication factor for new topics
func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets the message retention time for topics.
// Messages older than this duration will be deleted by Kafka.
//
// Maps to Kafka topic config "retention.ms".
//
// Set to 0 (default) to use broker's default retention (usually 7 days).
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithSubscriptionFilter restricts a subscription to messages whose To
// matches. Kafka has no broker-side filter, so receivers of the
// subscription commit and skip other messages.
func WithSubscriptionFilter(subscription, to string) Option {
	return func(t *Transport) {
		if subscription != "" && to != "" {
			t.filters[subscription] = to
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
