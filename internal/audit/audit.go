// Package audit writes a security trail of ingestion and delivery decisions
// to a dedicated append-only file, separate from the operational log.
package audit

import (
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventRequestAccepted EventType = "request.accepted"
	EventRequestRejected EventType = "request.rejected"
	EventRequestFailed   EventType = "request.failed"
	EventEventsDropped   EventType = "events.dropped"
	EventBatchDelivered  EventType = "batch.delivered"
	EventBatchFailed     EventType = "batch.failed"
	EventConfigChange    EventType = "config.changed"
	EventServerStart     EventType = "server.start"
	EventServerStop      EventType = "server.stop"
)

// Event is a single audit entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Success   bool           `json:"success"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Config holds audit logging configuration.
type Config struct {
	Enabled bool
	LogFile string
	// Format is "json" (default) or "cef".
	Format string
}

// Logger appends audit events to a file, one per line.
// A nil *Logger and a disabled Logger both discard events.
type Logger struct {
	file   *os.File
	mu     sync.Mutex
	cfg    Config
	closed bool
}

// New opens the audit file with owner-only permissions.
// It returns a no-op logger when audit logging is disabled.
func New(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{cfg: cfg}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	return &Logger{file: f, cfg: cfg}, nil
}

// Log stamps the event with the current UTC time and writes it.
func (al *Logger) Log(event Event) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil || al.closed {
		return nil
	}

	event.Timestamp = time.Now().UTC()

	var line []byte
	if al.cfg.Format == "cef" {
		line = formatCEF(event)
	} else {
		var err error
		line, err = json.Marshal(event)
		if err != nil {
			return err
		}
	}

	if _, err := al.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return al.file.Sync()
}

// Close closes the audit file. Further events are discarded.
func (al *Logger) Close() error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil || al.closed {
		return nil
	}
	al.closed = true
	return al.file.Close()
}

// Enabled reports whether events are being written.
func (al *Logger) Enabled() bool {
	return al != nil && al.cfg.Enabled && al.file != nil
}
