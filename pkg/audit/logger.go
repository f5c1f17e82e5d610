package audit

import (
	"context"
)

// Logger is the audit sink interface
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// NopLogger discards all events. Used in tests and when auditing is
// disabled.
type NopLogger struct{}

// Log discards the event
func (NopLogger) Log(ctx context.Context, event *Event) error {
	return nil
}
