// Package codec provides envelope serialization for transports that carry
// the whole message as a single byte slice (Redis streams, NATS, Kafka,
// the in-memory broker).
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//
// The envelope holds the message identity, event type, metadata and the
// already-encoded event body. Event payload encoding is the job of the
// payload package.
package codec

import (
	"errors"

	"github.com/rbaliyan/servicebus/transport/message"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
)

// Message is the message interface used by codecs
type Message = message.Message

// Codec handles message serialization/deserialization for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a message to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(msg Message) ([]byte, error)

	// Decode deserializes bytes to a message.
	// Returns ErrDecodeFailure if deserialization fails.
	// Delivery state (lock token, delivery count) is not part of the envelope;
	// transports attach it with message.NewDelivery.
	Decode(data []byte) (Message, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name, and false if unknown.
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "msgpack":
		return MsgPack{}, true
	}
	return nil, false
}
