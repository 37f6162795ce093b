package servicebus

import (
	"context"
	"errors"
	"fmt"
)

// Bus errors
var (
	ErrBusClosed         = errors.New("bus is closed")
	ErrNilResolver       = errors.New("resolver is required")
	ErrTransportRequired = errors.New("transport is required in remote mode: use WithTransport(channel.New()) or similar")
	ErrInvalidConfig     = errors.New("invalid configuration: topic and subscription must both be set")
	ErrInvalidEventType  = errors.New("event type has no name")
	ErrEventMismatch     = errors.New("event does not match subscription type")
	ErrHandlerMismatch   = errors.New("resolved handler does not handle the event type")
	ErrHandlerPanic      = errors.New("handler panicked")
)

// Stage names the processing step a remote delivery failed in.
type Stage string

const (
	StageReceive Stage = "receive"
	StageDecode  Stage = "decode"
	StageResolve Stage = "resolve"
	StageHandle  Stage = "handle"
	StageAck     Stage = "ack"
)

// ProcessError is reported to the error handler when the processing loop
// fails to receive, decode, dispatch or acknowledge a message. The message
// involved, if any, was not acknowledged (except for StageAck, where the
// acknowledgement itself failed).
type ProcessError struct {
	Stage     Stage
	MessageID string
	EventType string
	Err       error
}

func (e *ProcessError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Stage, e.MessageID, e.EventType, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// ErrorHandler observes processing loop errors. It must not block for long;
// it runs on the loop or handler goroutine.
type ErrorHandler func(ctx context.Context, err error)
