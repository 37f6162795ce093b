package servicebus

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/servicebus/payload"
	"github.com/rbaliyan/servicebus/transport"
	"golang.org/x/time/rate"
)

// Default configuration values
var (
	// DefaultMaxConcurrentCalls bounds in-flight handlers of the processing loop.
	DefaultMaxConcurrentCalls int64 = 10

	// DefaultMinBackoff and DefaultMaxBackoff bound the delay after a receive error.
	DefaultMinBackoff = 100 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// options holds configuration for the bus (unexported)
type options struct {
	topic              string
	subscription       string
	to                 string
	transport          transport.Transport
	codec              payload.Codec
	maxConcurrentCalls int64
	receiveLimit       rate.Limit
	receiveBurst       int
	minBackoff         time.Duration
	maxBackoff         time.Duration
	drainOnClose       bool
	onError            ErrorHandler
	logger             *slog.Logger
	tracingEnabled     bool
	recoveryEnabled    bool
	metricsEnabled     bool
}

// Option configures the bus
type Option func(*options)

// WithTopic sets the broker topic events are sent to. Setting a topic or a
// subscription switches the bus to remote mode.
func WithTopic(topic string) Option {
	return func(o *options) {
		o.topic = topic
	}
}

// WithSubscription sets the topic subscription the processing loop receives from.
func WithSubscription(subscription string) Option {
	return func(o *options) {
		o.subscription = subscription
	}
}

// WithTo stamps every published message with a routing filter key.
func WithTo(to string) Option {
	return func(o *options) {
		o.to = to
	}
}

// WithTransport sets the broker transport used in remote mode
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithCodec sets the payload codec for published events. Received messages
// are decoded with the codec matching their content type, falling back to this one.
func WithCodec(c payload.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithMaxConcurrentCalls sets the maximum number of handlers the processing
// loop runs at once. Values below 1 are ignored.
func WithMaxConcurrentCalls(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentCalls = n
		}
	}
}

// WithReceiveRate limits how fast the processing loop takes messages from
// the broker. Unlimited by default. A limit of zero or less is ignored and a
// burst below 1 is raised to 1.
func WithReceiveRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		if limit <= 0 {
			return
		}
		o.receiveLimit = limit
		o.receiveBurst = max(burst, 1)
	}
}

// WithReceiveBackoff sets the bounds of the exponential backoff applied
// after receive errors.
func WithReceiveBackoff(min, max time.Duration) Option {
	return func(o *options) {
		if min > 0 && max >= min {
			o.minBackoff = min
			o.maxBackoff = max
		}
	}
}

// WithDrainOnClose controls whether Close waits for in-flight handlers
// before closing the transport. Enabled by default; when disabled, handlers
// still running at Close may fail to acknowledge their message, which the
// broker will then redeliver.
func WithDrainOnClose(enabled bool) Option {
	return func(o *options) {
		o.drainOnClose = enabled
	}
}

// WithErrorHandler sets the callback for processing loop errors.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithLogger sets the logger for the bus
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables/disables OpenTelemetry tracing
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery in handlers
func WithRecovery(enabled bool) Option {
	return func(o *options) {
		o.recoveryEnabled = enabled
	}
}

// WithMetrics enables/disables OpenTelemetry metrics
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		codec:              payload.Default(),
		maxConcurrentCalls: DefaultMaxConcurrentCalls,
		receiveLimit:       rate.Inf,
		minBackoff:         DefaultMinBackoff,
		maxBackoff:         DefaultMaxBackoff,
		drainOnClose:       true,
		logger:             transport.Logger("servicebus"),
		tracingEnabled:     true,
		recoveryEnabled:    true,
		metricsEnabled:     true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.onError == nil {
		logger := o.logger
		o.onError = func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "processing failed", "error", err)
		}
	}
	return o
}

func (o *options) remote() bool {
	return o.topic != "" || o.subscription != ""
}
