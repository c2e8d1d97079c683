// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and health checks for Toolgate.
// All components are optional and nil-safe — when disabled, callers skip
// recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Health checker is always created; checks are added during wiring.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// ObserveBus keeps lifecycle metrics current from bus events. Blocks until
// the context ends; a no-op when metrics are disabled.
func (o *Observability) ObserveBus(ctx context.Context, bus *events.Bus) {
	if o == nil || o.Metrics == nil {
		return
	}
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
			case events.TypeServerAdded:
				o.Metrics.ServersRunning.Inc()
				o.Metrics.ServerStartsTotal.WithLabelValues(ev.Server, "ok").Inc()
			case events.TypeServerRemoved, events.TypeServerFailed:
				o.Metrics.ServersRunning.Dec()
			case events.TypeSpawnDenied:
				o.Metrics.SpawnDeniedTotal.WithLabelValues(ev.Server).Inc()
				o.Metrics.ServerStartsTotal.WithLabelValues(ev.Server, "denied").Inc()
			case events.TypeReloadApplied:
				status := "ok"
				if len(ev.Failed) > 0 {
					status = "partial"
				}
				o.Metrics.ReloadsTotal.WithLabelValues(status).Inc()
			}
		}
	}
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
