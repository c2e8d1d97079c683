// Package audit persists lifecycle and request events as append-only JSONL.
// Each line is one event; the file is the tamper-evident record of which
// servers ran, which spawns were denied, and which requests flowed through.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/toolgate-io/toolgate/internal/events"
)

// Entry is one audit line. Lifecycle entries mirror bus events; request
// entries are written by the HTTP layer.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Server    string            `json:"server,omitempty"`
	Method    string            `json:"method,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Applied   []string          `json:"applied,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Logger writes entries to the audit file. Thread-safe; marshal happens
// outside the lock, only the write is serialized.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// New opens (or creates) the audit log in append-only mode with 0600
// permissions.
func New(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{file: f, logger: logger}, nil
}

// Write appends one entry.
func (l *Logger) Write(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}
	return nil
}

// Request records one forwarded JSON-RPC request.
func (l *Logger) Request(serverName, method, clientID, requestID, outcome string) {
	err := l.Write(Entry{
		Kind:      "request",
		Server:    serverName,
		Method:    method,
		ClientID:  clientID,
		RequestID: requestID,
		Outcome:   outcome,
	})
	if err != nil {
		l.logger.Error("audit write failed", slog.String("error", err.Error()))
	}
}

// Consume mirrors bus events into the audit log until the context ends.
func (l *Logger) Consume(ctx context.Context, bus *events.Bus) {
	sub, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			err := l.Write(Entry{
				Timestamp: ev.Timestamp,
				Kind:      string(ev.Type),
				Server:    ev.Server,
				Detail:    ev.Detail,
				Applied:   ev.Applied,
				Failed:    ev.Failed,
			})
			if err != nil {
				l.logger.Error("audit write failed",
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
