package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/servicebus/transport/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithCodec sets the codec for message serialization
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithMaxLen sets the max length for streams (MAXLEN)
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithMaxAge sets the max age for messages in streams (MINID-based trimming).
// Messages older than this duration will be automatically trimmed on each send.
//
// Redis Streams use timestamp-based IDs, so this calculates MINID from (now - maxAge).
// Set to 0 (default) for unlimited retention.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithBlockTime sets the block time for XREADGROUP. It also bounds how
// long closing a receiver may take to be noticed.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

// WithBatchSize sets how many entries a receiver fetches per XREADGROUP.
func WithBatchSize(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithLockDuration sets how long a delivered entry may stay unacknowledged
// in the Pending Entries List before a receiver reclaims it with XCLAIM and
// delivers it again.
func WithLockDuration(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.lockDuration = d
		}
	}
}

// WithClaimInterval sets how often receivers look for expired entries to reclaim.
func WithClaimInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.claimInterval = d
		}
	}
}

// WithStreamPrefix sets the prefix of stream keys ("sb" by default).
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.streamPrefix = prefix
		}
	}
}

// WithConsumerName sets the consumer name receivers use inside their group.
// A stable name lets a restarted process pick up the entries it was
// delivered but never acknowledged. Receivers sharing a name in the same
// group share those entries. By default every receiver gets a random name.
func WithConsumerName(name string) Option {
	return func(t *Transport) {
		t.consumerName = name
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
