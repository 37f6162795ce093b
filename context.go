package servicebus

import (
	"context"

	"github.com/rbaliyan/servicebus/transport"
)

const (
	deliveryContextKey contextKey = iota
)

// contextKey
type contextKey int

type deliveryContextData struct {
	messageID     string
	correlationID string
	eventType     string
	subscription  string
	deliveryCount int
	metadata      map[string]string
}

// ContextMessageID returns the ID of the message being handled, empty for local dispatch
func ContextMessageID(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.messageID
	}
	return ""
}

// ContextCorrelationID returns the correlation ID of the message being handled
func ContextCorrelationID(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.correlationID
	}
	return ""
}

// ContextEventType returns the event type identifier being dispatched
func ContextEventType(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.eventType
	}
	return ""
}

// ContextSubscription returns the subscription the message was received on
func ContextSubscription(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.subscription
	}
	return ""
}

// ContextDeliveryCount returns how many times the broker delivered the
// message, 0 for local dispatch
func ContextDeliveryCount(ctx context.Context) int {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.deliveryCount
	}
	return 0
}

// ContextMetadata returns the message metadata. The map must not be modified.
func ContextMetadata(ctx context.Context) map[string]string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData); ok {
		return d.metadata
	}
	return nil
}

func contextWithDelivery(ctx context.Context, msg transport.Message, subscription string) context.Context {
	return context.WithValue(ctx, deliveryContextKey, &deliveryContextData{
		messageID:     msg.ID(),
		correlationID: msg.CorrelationID(),
		eventType:     msg.EventType(),
		subscription:  subscription,
		deliveryCount: msg.DeliveryCount(),
		metadata:      msg.Metadata(),
	})
}

func contextWithEventType(ctx context.Context, eventType string) context.Context {
	return context.WithValue(ctx, deliveryContextKey, &deliveryContextData{eventType: eventType})
}
