// Package capability aggregates tool listings from every running server into
// one namespaced view. Listings are cached with a TTL and invalidated early
// when the server set changes or a server announces new tools.
package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/server"
)

// Tool is one downstream tool with its gateway-wide name. Tools from
// different servers never collide because the name embeds the server.
type Tool struct {
	// Name is the namespaced gateway name: <server>__<tool>.
	Name string `json:"name"`

	// Server is the configured server the tool came from.
	Server string `json:"server"`

	// Original is the tool exactly as the server declared it.
	Original mcp.Tool `json:"tool"`
}

// NamespacedName joins a server and tool name into the gateway-wide form.
func NamespacedName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// Cache holds the aggregated tool listing.
type Cache struct {
	reg    *registry.Registry
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	tools     []Tool
	fetchedAt time.Time
}

// NewCache creates a cache over the registry. ttl bounds staleness when no
// invalidation event arrives.
func NewCache(reg *registry.Registry, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{reg: reg, ttl: ttl, logger: logger}
}

// Watch invalidates the cache on membership and tool-change events. Blocks
// until the context ends.
func (c *Cache) Watch(ctx context.Context, bus *events.Bus) {
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
			switch ev.Type {
			case events.TypeServerAdded, events.TypeServerRemoved,
				events.TypeServerFailed, events.TypeToolsChanged,
				events.TypeReloadApplied:
				c.Invalidate()
			}
		}
	}
}

// Invalidate forces the next Tools call to refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// Tools returns the aggregated listing, refreshing if the cache is stale. A
// server that fails to answer is skipped and logged; its tools drop out of
// the view until it recovers.
func (c *Cache) Tools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		cached := make([]Tool, len(c.tools))
		copy(cached, c.tools)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	fresh := c.refresh(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = fresh
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	out := make([]Tool, len(fresh))
	copy(out, fresh)
	return out, nil
}

// Resolve maps a namespaced tool name back to its server and original name.
func (c *Cache) Resolve(ctx context.Context, namespaced string) (serverName, toolName string, ok bool) {
	tools, err := c.Tools(ctx)
	if err != nil {
		return "", "", false
	}
	for _, t := range tools {
		if t.Name == namespaced {
			return t.Server, t.Original.Name, true
		}
	}
	return "", "", false
}

func (c *Cache) refresh(ctx context.Context) []Tool {
	var (
		mu  sync.Mutex
		all []Tool
		wg  sync.WaitGroup
	)

	for _, m := range c.reg.List() {
		if m.State() != server.StateRunning {
			continue
		}
		wg.Add(1)
		go func(m *server.Managed) {
			defer wg.Done()
			tools, err := c.listServer(ctx, m)
			if err != nil {
				c.logger.Warn("tool listing failed",
					slog.String("server", m.Name()),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			all = append(all, tools...)
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	// Deterministic order for the API and for tests.
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

func (c *Cache) listServer(ctx context.Context, m *server.Managed) ([]Tool, error) {
	resp, err := m.Call(ctx, string(mcp.MethodToolsList), struct{}{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}

	out := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, Tool{
			Name:     NamespacedName(m.Name(), t.Name),
			Server:   m.Name(),
			Original: t,
		})
	}
	return out, nil
}
