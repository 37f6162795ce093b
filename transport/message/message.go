// Package message provides the core Message type used throughout the bus.
//
// This package is imported by both codec and transport packages to avoid circular
// dependencies while providing a unified message type.
package message

import (
	"context"
	"maps"
	"sync/atomic"
)

// Well-known metadata keys. They travel with the message on every transport.
const (
	// KeyTo carries the optional broker-side routing filter.
	KeyTo = "To"
	// KeyContentType names the payload codec used to encode the body.
	KeyContentType = "Content-Type"
)

// Message is an event message that travels through the transport
type Message interface {
	// ID returns the unique message identifier
	ID() string
	// CorrelationID returns the correlation identifier stamped at publish time
	CorrelationID() string
	// EventType returns the event type identifier used for routing
	EventType() string
	// To returns the routing filter key, empty if none
	To() string
	// ContentType returns the content type of the body, empty if unknown
	ContentType() string
	// Body returns the serialized event
	Body() []byte
	// Metadata returns optional key-value metadata
	Metadata() map[string]string
	// DeliveryCount returns how many times the broker has delivered this message
	DeliveryCount() int
	// LockToken returns the broker-assigned token of this delivery, empty for outbound messages
	LockToken() string
	// Ack completes the message so the broker will not redeliver it.
	// Messages that are never acked become visible again per broker policy.
	Ack(ctx context.Context) error
}

// message is the default Message implementation
type message struct {
	id            string
	correlationID string
	eventType     string
	body          []byte
	metadata      map[string]string
	deliveryCount int
	lockToken     string
	acked         int32
	ackFn         func(context.Context) error
}

func (m *message) ID() string                  { return m.id }
func (m *message) CorrelationID() string       { return m.correlationID }
func (m *message) EventType() string           { return m.eventType }
func (m *message) To() string                  { return m.metadata[KeyTo] }
func (m *message) ContentType() string         { return m.metadata[KeyContentType] }
func (m *message) Body() []byte                { return m.body }
func (m *message) Metadata() map[string]string { return m.metadata }
func (m *message) DeliveryCount() int          { return m.deliveryCount }
func (m *message) LockToken() string           { return m.lockToken }

// Ack runs the transport acknowledgement until it succeeds once. A failed
// acknowledgement leaves the message unacked, so a later Ack tries again.
func (m *message) Ack(ctx context.Context) error {
	if m.ackFn == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&m.acked, 0, 1) {
		return nil
	}
	if err := m.ackFn(ctx); err != nil {
		atomic.StoreInt32(&m.acked, 0)
		return err
	}
	return nil
}

// New creates an outbound message. The metadata map is copied.
func New(id, correlationID, eventType string, body []byte, metadata map[string]string) Message {
	return &message{
		id:            id,
		correlationID: correlationID,
		eventType:     eventType,
		body:          body,
		metadata:      cloneMetadata(metadata),
	}
}

// NewDelivery wraps a received message with its delivery state and the
// function that acknowledges it on the broker.
func NewDelivery(msg Message, lockToken string, deliveryCount int, ackFn func(context.Context) error) Message {
	return &message{
		id:            msg.ID(),
		correlationID: msg.CorrelationID(),
		eventType:     msg.EventType(),
		body:          msg.Body(),
		metadata:      msg.Metadata(),
		deliveryCount: deliveryCount,
		lockToken:     lockToken,
		ackFn:         ackFn,
	}
}

func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	maps.Copy(out, md)
	return out
}

// Compile-time interface check
var _ Message = (*message)(nil)
