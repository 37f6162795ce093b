// Package transport provides shared types and interfaces for broker transport implementations.
//
// Transport implementations (channel, redis, nats, kafka, servicebus) should import this
// package rather than the parent servicebus package to avoid import cycles.
//
// Delivery follows peek-lock semantics: a Receiver hands out messages that stay
// locked until they are acknowledged with Message.Ack. A message that is never
// acknowledged becomes eligible for redelivery according to the broker's policy.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/servicebus/transport/codec"
	"github.com/rbaliyan/servicebus/transport/message"
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrReceiverClosed  = errors.New("receiver closed")
	ErrTopicRequired   = errors.New("topic is required")
	ErrLockLost        = errors.New("message lock lost")
	ErrDecodeFailure   = errors.New("message decode failed")
)

// DecodeError reports a delivery whose envelope could not be decoded.
// The delivery is left unacknowledged.
type DecodeError struct {
	RawData []byte // The raw message data that failed to decode
	Err     error  // The decode error
	MsgID   string // Transport-specific message ID (e.g., Redis stream ID)
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.MsgID + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is an optional interface that transports can implement
// to provide health check capabilities for monitoring and readiness probes.
type HealthChecker interface {
	// Health performs a health check and returns the result.
	// The context can be used to set a timeout for the health check.
	Health(ctx context.Context) *HealthCheckResult
}

// Transport sends messages to broker topics and opens receivers on
// topic subscriptions.
type Transport interface {
	// Send publishes a message to a topic. Errors are returned as-is;
	// retry policy belongs to the transport implementation.
	Send(ctx context.Context, topic string, msg Message) error

	// Receive opens a peek-lock receiver on a subscription of a topic.
	Receive(ctx context.Context, topic, subscription string) (Receiver, error)

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Receiver delivers messages from one subscription.
type Receiver interface {
	// ID returns the unique receiver identifier
	ID() string

	// Receive blocks until a message is available, the context is done,
	// or the receiver is closed (ErrReceiverClosed).
	Receive(ctx context.Context) (Message, error)

	// Close stops the receiver. Locked messages that were not acknowledged
	// are left for redelivery.
	Close(ctx context.Context) error
}

// Message is the message interface from the message package
type Message = message.Message

// Codec is the codec interface from the codec package
type Codec = codec.Codec

// DefaultCodec returns the default codec used by transports (JSON)
func DefaultCodec() Codec {
	return codec.Default()
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	// Random value between -factor and +factor
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}

// Backoff is an exponential backoff with jitter used by receive loops.
// The zero value is not usable; create one with NewBackoff.
type Backoff struct {
	min, max time.Duration
	next     time.Duration
}

// NewBackoff returns a backoff starting at min and capped at max.
func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{min: min, max: max, next: min}
}

// Next returns the jittered delay to wait and doubles the base delay.
func (b *Backoff) Next() time.Duration {
	d := Jitter(b.next, 0.3)
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset restores the initial delay after a success.
func (b *Backoff) Reset() {
	b.next = b.min
}

// Sleep waits for the next backoff delay. It returns false if ctx is done first.
func (b *Backoff) Sleep(ctx context.Context) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
