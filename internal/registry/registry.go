// Package registry tracks the live set of managed servers and routes
// incoming requests to them by name or tag.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/protocol"
	"github.com/toolgate-io/toolgate/internal/sandbox"
	"github.com/toolgate-io/toolgate/internal/server"
)

var (
	// ErrNotFound is returned when no server has the requested name.
	ErrNotFound = errors.New("no such server")

	// ErrNoMatch is returned when no running server carries the requested tag.
	ErrNoMatch = errors.New("no running server matches tag")
)

// Registry is the authoritative map of configured name to managed server.
// All mutation goes through Add and Remove so lifecycle events stay accurate.
type Registry struct {
	selector *sandbox.Selector
	bus      *events.Bus
	logger   *slog.Logger
	opts     server.Options

	mu      sync.RWMutex
	servers map[string]*server.Managed
}

// New creates an empty registry.
func New(selector *sandbox.Selector, bus *events.Bus, logger *slog.Logger, opts server.Options) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		selector: selector,
		bus:      bus,
		logger:   logger,
		opts:     opts,
		servers:  make(map[string]*server.Managed),
	}
}

// Add starts a server from its definition and registers it. A server that
// fails to start is not registered; the error carries the reason.
func (r *Registry) Add(ctx context.Context, def config.ServerDefinition) error {
	r.mu.Lock()
	if _, exists := r.servers[def.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("server %q already registered", def.Name)
	}
	r.mu.Unlock()

	m := server.New(def, r.selector, r.bus, r.logger, r.opts)
	if err := m.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.servers[def.Name]; exists {
		r.mu.Unlock()
		m.Stop()
		return fmt.Errorf("server %q already registered", def.Name)
	}
	r.servers[def.Name] = m
	r.mu.Unlock()

	go r.drainNotifications(m)

	r.bus.Publish(events.Event{Type: events.TypeServerAdded, Server: def.Name})
	return nil
}

// drainNotifications turns server push messages into bus events. The channel
// closes with the server's transport, ending the goroutine.
func (r *Registry) drainNotifications(m *server.Managed) {
	ch := m.Notifications()
	if ch == nil {
		return
	}
	for note := range ch {
		switch note.Method {
		case "notifications/tools/list_changed":
			r.bus.Publish(events.Event{Type: events.TypeToolsChanged, Server: m.Name()})
		default:
			r.logger.Debug("unhandled server notification",
				slog.String("server", m.Name()),
				slog.String("method", note.Method),
			)
		}
	}
}

// Remove stops the named server and drops it from the registry.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	m, ok := r.servers[name]
	if ok {
		delete(r.servers, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	m.Stop()
	r.bus.Publish(events.Event{Type: events.TypeServerRemoved, Server: name})
	return nil
}

// Get returns the named server.
func (r *Registry) Get(name string) (*server.Managed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.servers[name]
	return m, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all servers ordered by name.
func (r *Registry) List() []*server.Managed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*server.Managed, 0, len(r.servers))
	for _, m := range r.servers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListByTag returns the servers carrying the tag, ordered by name.
func (r *Registry) ListByTag(tag string) []*server.Managed {
	var out []*server.Managed
	for _, m := range r.List() {
		if m.Definition().HasTag(tag) {
			out = append(out, m)
		}
	}
	return out
}

// Statuses returns a snapshot of every server, ordered by name.
func (r *Registry) Statuses() []server.Status {
	list := r.List()
	out := make([]server.Status, 0, len(list))
	for _, m := range list {
		out = append(out, m.Status())
	}
	return out
}

// Route forwards the request to the named server.
func (r *Registry) Route(ctx context.Context, name string, req *protocol.Request) (*protocol.Response, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return m.Forward(ctx, req)
}

// RouteByTag forwards the request to the first running server carrying the
// tag, in name order.
func (r *Registry) RouteByTag(ctx context.Context, tag string, req *protocol.Request) (*protocol.Response, error) {
	for _, m := range r.ListByTag(tag) {
		if m.State() != server.StateRunning {
			continue
		}
		return m.Forward(ctx, req)
	}
	return nil, fmt.Errorf("%w: %q", ErrNoMatch, tag)
}

// StopAll stops every server concurrently and empties the registry. Used on
// shutdown, so no per-server removal events are published.
func (r *Registry) StopAll() {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*server.Managed)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range servers {
		wg.Add(1)
		go func(m *server.Managed) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()
}
