package codec

import (
	"errors"

	"github.com/rbaliyan/servicebus/transport/message"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// and carries the body bytes without base64 overhead.
type MsgPack struct{}

// msgpackMessage is the MessagePack wire format
type msgpackMessage struct {
	ID            string            `msgpack:"id"`
	CorrelationID string            `msgpack:"correlation_id,omitempty"`
	EventType     string            `msgpack:"event_type"`
	Body          []byte            `msgpack:"body"`
	Metadata      map[string]string `msgpack:"metadata,omitempty"`
}

// Encode serializes a message to MessagePack bytes
func (c MsgPack) Encode(msg Message) ([]byte, error) {
	mm := msgpackMessage{
		ID:            msg.ID(),
		CorrelationID: msg.CorrelationID(),
		EventType:     msg.EventType(),
		Body:          msg.Body(),
		Metadata:      msg.Metadata(),
	}

	data, err := msgpack.Marshal(mm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes MessagePack bytes to a message
func (c MsgPack) Decode(data []byte) (Message, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	if mm.EventType == "" {
		return nil, errors.Join(ErrDecodeFailure, errors.New("missing event type"))
	}

	return message.New(mm.ID, mm.CorrelationID, mm.EventType, mm.Body, mm.Metadata), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
