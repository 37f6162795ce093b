package channel

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/servicebus/transport"
)

// Default configuration values
var (
	// DefaultLockDuration is how long a received message stays invisible
	// to other receivers before it is redelivered.
	DefaultLockDuration = 30 * time.Second

	// DefaultMaxDeliveryCount is the number of deliveries after which an
	// unacknowledged message is dead-lettered (dropped).
	DefaultMaxDeliveryCount = 10
)

// options holds configuration for transport (unexported)
type options struct {
	lockDuration     time.Duration
	maxDeliveryCount int
	filters          map[string]string
	logger           *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithLockDuration sets the peek-lock duration.
func WithLockDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockDuration = d
		}
	}
}

// WithMaxDeliveryCount sets how many times a message is delivered before it
// is dead-lettered. Set to 0 to redeliver forever.
func WithMaxDeliveryCount(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxDeliveryCount = n
		}
	}
}

// WithSubscriptionFilter makes the named subscription accept only messages
// whose To matches to, on every topic.
func WithSubscriptionFilter(subscription, to string) Option {
	return func(o *options) {
		o.filters[subscription] = to
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		lockDuration:     DefaultLockDuration,
		maxDeliveryCount: DefaultMaxDeliveryCount,
		filters:          make(map[string]string),
		logger:           transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
