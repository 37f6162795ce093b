package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/servicebus/payload"
	"github.com/rbaliyan/servicebus/transport"
	"github.com/rbaliyan/servicebus/transport/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys
const (
	spanKeyMessageID     = "messaging.message.id"
	spanKeyCorrelationID = "messaging.message.conversation_id"
	spanKeyDestination   = "messaging.destination.name"
	spanKeySubscription  = "messaging.destination.subscription.name"
	spanKeyEventType     = "servicebus.event_type"
	spanKeyDelivery      = "messaging.delivery_count"
)

var propagator = propagation.TraceContext{}

// remoteDispatcher sends events to a broker topic. Handlers run from the
// processing loop on the receiving side, not from publish.
type remoteDispatcher struct {
	registry  *Registry
	transport transport.Transport
	processor *Processor
	topic     string
	to        string
	codec     payload.Codec
	tracer    trace.Tracer
	metrics   *metrics
	logger    *slog.Logger
}

func (d *remoteDispatcher) publish(ctx context.Context, eventTypeID string, event any) error {
	body, err := d.codec.Encode(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventTypeID, err)
	}

	md := map[string]string{message.KeyContentType: d.codec.ContentType()}
	if d.to != "" {
		md[message.KeyTo] = d.to
	}
	msg := message.New(transport.NewID(), transport.NewID(), eventTypeID, body, md)

	ctx, span := d.tracer.Start(ctx, eventTypeID+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(spanKeyMessageID, msg.ID()),
			attribute.String(spanKeyCorrelationID, msg.CorrelationID()),
			attribute.String(spanKeyDestination, d.topic),
			attribute.String(spanKeyEventType, eventTypeID)))
	defer span.End()
	propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata()))

	if err := d.transport.Send(ctx, d.topic, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	d.metrics.recordPublished(ctx, eventTypeID)
	d.logger.DebugContext(ctx, "event sent", "event_type", eventTypeID, "msg_id", msg.ID(), "topic", d.topic)
	return nil
}

// close clears the registry, stops the processing loop and releases the transport.
func (d *remoteDispatcher) close(ctx context.Context) error {
	d.registry.Clear()
	var errs []error
	if err := d.processor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}
