package nats

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/servicebus/transport/codec"
)

// Option configures the JetStream transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithReplicas sets the number of replicas for streams
func WithReplicas(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge sets the max age for messages in streams
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
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

// WithFetchWait sets how long a single pull waits for a message. It also
// bounds how long a closed receiver takes to notice.
func WithFetchWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.fetchWait = d
		}
	}
}

// WithSubscriptionFilter restricts a subscription to messages whose To
// matches. The filter is applied as the durable consumer's FilterSubject.
func WithSubscriptionFilter(subscription, to string) Option {
	return func(t *Transport) {
		if subscription != "" && to != "" {
			t.filters[subscription] = to
		}
	}
}

// =============================================================================
// Native JetStream Feature Options
// =============================================================================
// These options enable JetStream native features. When enabled, the broker
// handles these features directly - no external stores needed.

// WithDeduplication enables JetStream native message deduplication.
//
// When enabled, the transport sets the Nats-Msg-Id header from the message
// ID on send, and JetStream rejects duplicates within the window.
func WithDeduplication(window time.Duration) Option {
	return func(t *Transport) {
		t.dedupEnabled = true
		if window > 0 {
			t.dedupWindow = window
		}
	}
}

// WithMaxDeliver sets the maximum delivery attempts before giving up.
//
// When a message exceeds this limit, JetStream stops redelivering it
// and publishes an advisory to $JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.
//
// Set to 0 for unlimited deliveries (default JetStream behavior).
func WithMaxDeliver(n int) Option {
	return func(t *Transport) {
		t.maxDeliver = n
	}
}

// WithAckWait sets how long JetStream waits for acknowledgment.
//
// This is the lock duration: a message not acknowledged within it is
// redelivered to this or another receiver of the subscription.
//
// Default: 30 seconds
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.ackWait = d
		}
	}
}
