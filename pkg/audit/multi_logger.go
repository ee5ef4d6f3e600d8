package audit

import (
	"context"
	"fmt"
)

// MultiLogger fans Record out to several sinks. The first sink is the
// primary and serves queries; secondary sinks are best effort mirrors
// (typically a FileLogger fallback).
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines sinks. At least one is required.
func NewMultiLogger(loggers ...Logger) (*MultiLogger, error) {
	if len(loggers) == 0 {
		return nil, fmt.Errorf("multi logger requires at least one sink")
	}
	return &MultiLogger{loggers: loggers}, nil
}

// Record writes to every sink and returns the first error. A failing
// secondary does not stop remaining sinks from receiving the event.
func (m *MultiLogger) Record(ctx context.Context, event *Event) error {
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Query delegates to the primary sink.
func (m *MultiLogger) Query(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	return m.loggers[0].Query(ctx, filter, cursor, limit)
}
