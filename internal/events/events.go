// Package events implements the lifecycle event bus. The registry, reload
// coordinator, and sandbox drivers publish events; the audit sink, capability
// cache, and SSE stream subscribe independently. Publishing never blocks on a
// slow subscriber — events overflow per subscriber and are counted as dropped.
package events

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeServerAdded     Type = "server.added"
	TypeServerRemoved   Type = "server.removed"
	TypeServerFailed    Type = "server.failed"
	TypeToolsChanged    Type = "server.tools_changed"
	TypeSpawnDenied     Type = "sandbox.spawn_denied"
	TypePolicyViolation Type = "sandbox.policy_violation"
	TypeReloadApplied   Type = "config.reload_applied"
)

// Event is one lifecycle occurrence. Server is empty for reload summaries.
type Event struct {
	Type      Type           `json:"type"`
	Server    string         `json:"server,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Applied   []string       `json:"applied,omitempty"` // Reload: names applied.
	Failed    map[string]string `json:"failed,omitempty"` // Reload: name → reason.
	Timestamp time.Time      `json:"timestamp"`
}

const defaultBuffer = 64

// Bus fans events out to any number of subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[chan Event]struct{}
	closed  bool
	dropped int64
	logger  *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed by cancel or by Bus.Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. A subscriber whose buffer
// is full misses the event; emission never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			b.logger.Warn("event dropped, subscriber too slow",
				slog.String("type", string(ev.Type)),
				slog.String("server", ev.Server),
			)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Further Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
