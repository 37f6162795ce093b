package cli

import (
	"context"
	"log/slog"
	"time"
)

// MessageSent is the event the command publishes and consumes.
type MessageSent struct {
	Text   string    `json:"text" msgpack:"text"`
	SentAt time.Time `json:"sent_at" msgpack:"sent_at"`
}

// messageLogger logs every MessageSent it receives.
type messageLogger struct {
	logger *slog.Logger
}

func (h *messageLogger) Handle(ctx context.Context, e MessageSent) error {
	h.logger.InfoContext(ctx, "message received", "text", e.Text, "sent_at", e.SentAt)
	return nil
}
