package servicebus

import (
	"log/slog"
)

// Option configures the Service Bus transport
type Option func(*Transport)

// WithBatchSize sets how many messages a receiver requests per
// ReceiveMessages call. Extra messages are buffered while their locks run.
func WithBatchSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.batchSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}
