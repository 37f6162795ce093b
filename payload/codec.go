// Package payload provides event body serialization.
//
// The payload package encodes and decodes the event value itself, separate
// from the transport envelope. The bus stamps the codec's ContentType on
// every published message, and the processor picks the decoding codec by
// that content type, falling back to the bus codec when it is absent.
//
// Usage:
//
//	// JSON (default)
//	bus, _ := servicebus.New(ctx, resolver)
//
//	// Protocol Buffers for proto.Message events
//	bus, _ := servicebus.New(ctx, resolver, servicebus.WithCodec(payload.Proto{}))
//
//	// MessagePack, selected by name as the command line does
//	c, _ := payload.ByName("msgpack")
//	bus, _ := servicebus.New(ctx, resolver, servicebus.WithCodec(c))
package payload

import (
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

// Content types stamped on published messages.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeMsgPack  = "application/msgpack"
	ContentTypeProtobuf = "application/protobuf"
)

// ErrNotProto is returned by the Proto codec for values that are not proto.Message.
var ErrNotProto = errors.New("value must implement proto.Message")

// Codec encodes/decodes event payload data.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes to the target type.
	// The target must be a pointer.
	Decode(data []byte, v any) error

	// ContentType returns the MIME type stamped on published messages.
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}

// ByName returns the codec for a short name: "json", "msgpack" or "proto".
// An empty name selects the default.
func ByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON{}, true
	case "msgpack":
		return MsgPack{}, true
	case "proto", "protobuf":
		return Proto{}, true
	}
	return nil, false
}

// JSON encodes event bodies with encoding/json.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSON) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) ContentType() string             { return ContentTypeJSON }

// MsgPack encodes event bodies as MessagePack. Struct fields use msgpack tags.
type MsgPack struct{}

func (MsgPack) Encode(v any) ([]byte, error)    { return msgpack.Marshal(v) }
func (MsgPack) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgPack) ContentType() string             { return ContentTypeMsgPack }

// Proto encodes events that are pointer types implementing proto.Message.
type Proto struct{}

func (Proto) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProto
	}
	return proto.Marshal(msg)
}

// Decode unmarshals into v, which must be a proto.Message.
func (Proto) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return ErrNotProto
	}
	return proto.Unmarshal(data, msg)
}

func (Proto) ContentType() string { return ContentTypeProtobuf }

var (
	_ Codec = JSON{}
	_ Codec = MsgPack{}
	_ Codec = Proto{}
)
