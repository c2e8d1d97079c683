// Package reload applies configuration changes to a running registry. Changes
// are computed as a diff against what is actually registered, applied in
// remove, restart, add order, and reported per server so one bad definition
// never blocks the rest.
package reload

import (
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/registry"
)

// Diff partitions desired server names against the running set.
type Diff struct {
	Added   []string // In desired, not running.
	Removed []string // Running, not in desired.
	Changed []string // In both, definition differs.
}

// Empty reports whether the diff requires no work.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compute diffs the desired definitions against the currently registered
// ones. Comparing against registry reality rather than the previous snapshot
// means a server that failed to start last time is retried as an add.
func Compute(current map[string]config.ServerDefinition, desired []config.ServerDefinition) Diff {
	var d Diff
	seen := make(map[string]struct{}, len(desired))
	for _, def := range desired {
		seen[def.Name] = struct{}{}
		cur, ok := current[def.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, def.Name)
		case !cur.Equal(def):
			d.Changed = append(d.Changed, def.Name)
		}
	}
	for name := range current {
		if _, ok := seen[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Result reports one reload pass.
type Result struct {
	Diff    Diff
	Applied []string          // Names whose change took effect.
	Failed  map[string]string // Name to reason for changes that did not.
}

// Coordinator serializes reloads. Snapshots arrive via Submit; while one is
// being applied, newer submissions coalesce so only the latest pending
// snapshot is ever applied next.
type Coordinator struct {
	reg    *registry.Registry
	bus    *events.Bus
	logger *slog.Logger

	mailbox chan *config.Snapshot
}

// NewCoordinator creates a coordinator bound to the registry.
func NewCoordinator(reg *registry.Registry, bus *events.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		reg:     reg,
		bus:     bus,
		logger:  logger,
		mailbox: make(chan *config.Snapshot, 1),
	}
}

// Submit queues the snapshot for application, replacing any snapshot that is
// still waiting. Never blocks.
func (c *Coordinator) Submit(snap *config.Snapshot) {
	for {
		select {
		case c.mailbox <- snap:
			return
		default:
			select {
			case <-c.mailbox:
				c.logger.Debug("reload coalesced, newer snapshot supersedes pending one")
			default:
			}
		}
	}
}

// Run applies submitted snapshots until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-c.mailbox:
			c.Apply(ctx, snap)
		}
	}
}

// Apply brings the registry in line with the snapshot's server list. Removals
// happen first so names freed by the new config are available for adds, then
// changed servers restart under their new definition, then new servers start.
//
// Failures are collected per server; servers that applied cleanly stay
// applied. One config.reload_applied event summarizes the pass.
func (c *Coordinator) Apply(ctx context.Context, snap *config.Snapshot) Result {
	current := make(map[string]config.ServerDefinition)
	for _, m := range c.reg.List() {
		current[m.Name()] = m.Definition()
	}
	diff := Compute(current, snap.Servers)

	res := Result{Diff: diff, Failed: make(map[string]string)}
	if diff.Empty() {
		c.logger.Info("reload: no server changes")
		return res
	}

	desired := make(map[string]config.ServerDefinition, len(snap.Servers))
	for _, def := range snap.Servers {
		desired[def.Name] = def
	}

	for _, name := range diff.Removed {
		if err := c.reg.Remove(name); err != nil {
			res.Failed[name] = err.Error()
			continue
		}
		res.Applied = append(res.Applied, name)
	}

	for _, name := range diff.Changed {
		if err := c.reg.Remove(name); err != nil {
			res.Failed[name] = err.Error()
			continue
		}
		if err := c.reg.Add(ctx, desired[name]); err != nil {
			res.Failed[name] = err.Error()
			continue
		}
		res.Applied = append(res.Applied, name)
	}

	for _, name := range diff.Added {
		if err := c.reg.Add(ctx, desired[name]); err != nil {
			res.Failed[name] = err.Error()
			continue
		}
		res.Applied = append(res.Applied, name)
	}

	sort.Strings(res.Applied)
	c.logger.Info("reload applied",
		slog.Int("applied", len(res.Applied)),
		slog.Int("failed", len(res.Failed)),
	)
	c.bus.Publish(events.Event{
		Type:    events.TypeReloadApplied,
		Applied: res.Applied,
		Failed:  res.Failed,
	})
	return res
}
