package codec

import (
	"encoding/json"
	"errors"

	"github.com/rbaliyan/servicebus/transport/message"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Body is stored as pre-encoded bytes (base64 in JSON wire format).
type JSON struct{}

// jsonMessage is the JSON wire format
type jsonMessage struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	EventType     string            `json:"event_type"`
	Body          []byte            `json:"body"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Encode serializes a message to JSON bytes
func (c JSON) Encode(msg Message) ([]byte, error) {
	jm := jsonMessage{
		ID:            msg.ID(),
		CorrelationID: msg.CorrelationID(),
		EventType:     msg.EventType(),
		Body:          msg.Body(),
		Metadata:      msg.Metadata(),
	}

	data, err := json.Marshal(jm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes JSON bytes to a message
func (c JSON) Decode(data []byte) (Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	if jm.EventType == "" {
		return nil, errors.Join(ErrDecodeFailure, errors.New("missing event type"))
	}

	return message.New(jm.ID, jm.CorrelationID, jm.EventType, jm.Body, jm.Metadata), nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
