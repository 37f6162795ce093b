package servicebus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rbaliyan/servicebus"

// metrics holds the bus instruments. A nil *metrics records nothing.
type metrics struct {
	published metric.Int64Counter
	processed metric.Int64Counter
	failed    metric.Int64Counter
	unrouted  metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.published, err = meter.Int64Counter("servicebus.published",
		metric.WithDescription("Events sent to the broker"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.processed, err = meter.Int64Counter("servicebus.processed",
		metric.WithDescription("Messages handled and acknowledged"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("servicebus.failed",
		metric.WithDescription("Messages left unacknowledged after a failure"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.unrouted, err = meter.Int64Counter("servicebus.unrouted",
		metric.WithDescription("Messages received for an event type without subscription"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	if m.inflight, err = meter.Int64UpDownCounter("servicebus.inflight",
		metric.WithDescription("Handlers currently running"),
		metric.WithUnit("{message}")); err != nil {
		return nil, err
	}
	return m, nil
}

func eventAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

func (m *metrics) recordPublished(ctx context.Context, eventType string) {
	if m != nil {
		m.published.Add(ctx, 1, eventAttr(eventType))
	}
}

func (m *metrics) recordProcessed(ctx context.Context, eventType string) {
	if m != nil {
		m.processed.Add(ctx, 1, eventAttr(eventType))
	}
}

func (m *metrics) recordFailed(ctx context.Context, eventType string, stage Stage) {
	if m != nil {
		m.failed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("stage", string(stage))))
	}
}

func (m *metrics) recordUnrouted(ctx context.Context, eventType string) {
	if m != nil {
		m.unrouted.Add(ctx, 1, eventAttr(eventType))
	}
}

func (m *metrics) addInflight(ctx context.Context, n int64) {
	if m != nil {
		m.inflight.Add(ctx, n)
	}
}
