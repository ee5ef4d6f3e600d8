package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends audit events to an NDJSON file. It exists as a local
// fallback sink so events survive database outages; Query is intentionally
// unsupported.
type FileLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewFileLogger opens (or creates) the audit file at path, creating parent
// directories as needed.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{file: file, encoder: json.NewEncoder(file)}, nil
}

// Record appends the event as one JSON line.
func (l *FileLogger) Record(ctx context.Context, event *Event) error {
	normalizeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Query is not supported on the file sink.
func (l *FileLogger) Query(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	return nil, fmt.Errorf("file audit sink does not support queries")
}

// Close flushes and closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
