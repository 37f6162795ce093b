package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/servicebus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	busRunning = 1
	busStopped = 0
)

// Mode is the delivery mode chosen when the bus is built.
type Mode string

const (
	// ModeLocal dispatches in-process, in the publisher's goroutine.
	ModeLocal Mode = "local"
	// ModeRemote sends through a broker topic and dispatches from a subscription.
	ModeRemote Mode = "remote"
)

// StatusCode represents the health state of the bus
type StatusCode string

const (
	// StatusHealthy indicates the bus is functioning normally
	StatusHealthy StatusCode = "healthy"
	// StatusDegraded indicates the bus is functioning but with issues
	StatusDegraded StatusCode = "degraded"
	// StatusUnhealthy indicates the bus is not functioning
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the bus
type Status struct {
	Code       StatusCode         `json:"status"`
	Message    string             `json:"message,omitempty"`
	Latency    time.Duration      `json:"latency,omitempty"`
	Details    map[string]any     `json:"details,omitempty"`
	Components map[string]*Status `json:"components,omitempty"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

// Bus routes published events to the handler subscribed to their type.
type Bus struct {
	status       int32
	id           string
	mode         Mode
	topic        string
	subscription string
	registry     *Registry
	dispatcher   dispatcher
	transport    transport.Transport
	processor    *Processor
	logger       *slog.Logger
}

// New creates a bus that resolves handlers with resolver.
//
// Without WithTopic and WithSubscription the bus runs in local mode. With
// both it runs in remote mode: it requires WithTransport, opens a receiver on
// the subscription and starts the processing loop before returning. ctx
// bounds opening the receiver only.
func New(ctx context.Context, resolver Resolver, opts ...Option) (*Bus, error) {
	if resolver == nil {
		return nil, ErrNilResolver
	}
	o := newOptions(opts...)

	b := &Bus{
		status:   busRunning,
		id:       transport.NewID(),
		registry: NewRegistry(),
	}

	if !o.remote() {
		b.mode = ModeLocal
		b.logger = o.logger.With("mode", ModeLocal)
		b.dispatcher = &localDispatcher{
			registry: b.registry,
			resolver: resolver,
			logger:   b.logger,
			recovery: o.recoveryEnabled,
		}
		return b, nil
	}

	if o.transport == nil {
		return nil, ErrTransportRequired
	}
	if o.topic == "" || o.subscription == "" {
		return nil, fmt.Errorf("%w: topic=%q subscription=%q", ErrInvalidConfig, o.topic, o.subscription)
	}

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	if o.tracingEnabled {
		tracer = otel.Tracer(instrumentationName)
	}
	var m *metrics
	if o.metricsEnabled {
		var err error
		if m, err = newMetrics(); err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
	}

	receiver, err := o.transport.Receive(ctx, o.topic, o.subscription)
	if err != nil {
		return nil, fmt.Errorf("open subscription %s/%s: %w", o.topic, o.subscription, err)
	}

	b.mode = ModeRemote
	b.topic = o.topic
	b.subscription = o.subscription
	b.transport = o.transport
	b.logger = o.logger.With("mode", ModeRemote, "topic", o.topic)
	b.processor = newProcessor(receiver, b.registry, resolver, o.subscription, o, tracer, m)
	b.dispatcher = &remoteDispatcher{
		registry:  b.registry,
		transport: o.transport,
		processor: b.processor,
		topic:     o.topic,
		to:        o.to,
		codec:     o.codec,
		tracer:    tracer,
		metrics:   m,
		logger:    b.logger,
	}
	b.processor.start()

	b.logger.Info("bus started", "subscription", o.subscription, "max_concurrent_calls", o.maxConcurrentCalls)
	return b, nil
}

// ID returns the bus ID
func (b *Bus) ID() string {
	return b.id
}

// Mode returns the delivery mode
func (b *Bus) Mode() Mode {
	return b.mode
}

// Registry returns the subscription registry
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Running returns true if bus is running
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// Close stops the bus. In remote mode it clears the registry, stops the
// processing loop, waits for in-flight handlers (see WithDrainOnClose) and
// closes the transport, in that order. Close is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}
	err := b.dispatcher.close(ctx)
	b.logger.Info("bus closed")
	return err
}

// Subscribe records handler type H for event type E. Subscribing an event
// type that already has a handler keeps the first subscription and is not
// an error.
func Subscribe[E any, H Handler[E]](b *Bus) error {
	if !b.Running() {
		return ErrBusClosed
	}
	sub := NewSubscription[E, H]()
	if sub.EventTypeID == "" {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, sub.EventType)
	}
	if b.registry.Record(sub) {
		b.logger.Debug("subscribed", "event_type", sub.EventTypeID, "handler", sub.HandlerType)
	} else {
		b.logger.Debug("already subscribed, ignoring", "event_type", sub.EventTypeID, "handler", sub.HandlerType)
	}
	return nil
}

// Publish delivers event to the handler subscribed to its type.
//
// In local mode the handler runs before Publish returns and its error is
// returned; an event type without subscription or handler is silently
// dropped. In remote mode Publish returns once the transport accepted the
// message.
func Publish[E any](ctx context.Context, b *Bus, event E) error {
	if !b.Running() {
		return ErrBusClosed
	}
	id := eventTypeIDOf(event)
	if id == "" {
		return fmt.Errorf("%w: %T", ErrInvalidEventType, event)
	}
	return b.dispatcher.publish(ctx, id, event)
}

// Status returns detailed status information about the bus and its transport.
// If the transport implements HealthChecker, its status is included.
func (b *Bus) Status(ctx context.Context) *Status {
	result := &Status{
		CheckedAt:  time.Now(),
		Details:    make(map[string]any),
		Components: make(map[string]*Status),
	}
	result.Details["mode"] = string(b.mode)
	result.Details["subscriptions"] = b.registry.Len()
	if b.mode == ModeRemote {
		result.Details["topic"] = b.topic
		result.Details["subscription"] = b.subscription
	}

	if !b.Running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is closed"
		return result
	}

	if b.processor != nil {
		select {
		case <-b.processor.Done():
			result.Code = StatusUnhealthy
			result.Message = "processing loop stopped"
			return result
		default:
		}
	}

	if hc, ok := b.transport.(transport.HealthChecker); ok {
		th := hc.Health(ctx)
		result.Components["transport"] = convertTransportStatus(th)
		switch th.Status {
		case transport.HealthStatusUnhealthy:
			result.Code = StatusUnhealthy
			result.Message = "transport is unhealthy"
		case transport.HealthStatusDegraded:
			result.Code = StatusDegraded
			result.Message = "transport is degraded"
		default:
			result.Code = StatusHealthy
			result.Message = "bus is healthy"
		}
		return result
	}

	result.Code = StatusHealthy
	result.Message = "bus is healthy"
	return result
}

// Health performs a health check suitable for health probes.
// Returns nil if the bus is healthy, or an error describing the issue.
func (b *Bus) Health(ctx context.Context) error {
	status := b.Status(ctx)
	if status.Code == StatusUnhealthy {
		return errors.New(status.Message)
	}
	return nil
}

// convertTransportStatus converts transport.HealthCheckResult to bus Status
func convertTransportStatus(th *transport.HealthCheckResult) *Status {
	if th == nil {
		return nil
	}
	return &Status{
		Code:      StatusCode(th.Status),
		Message:   th.Message,
		Latency:   th.Latency,
		Details:   th.Details,
		CheckedAt: th.CheckedAt,
	}
}
