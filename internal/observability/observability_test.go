package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (CounterVec only appears after first use).
	m.RPCRequestsTotal.WithLabelValues("fs", "tools/list", "ok").Inc()
	m.ServerStartsTotal.WithLabelValues("fs", "ok").Inc()
	m.SpawnDeniedTotal.WithLabelValues("fs").Inc()
	m.ReloadsTotal.WithLabelValues("ok").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"toolgate_rpc_requests_total",
		"toolgate_servers_starts_total",
		"toolgate_sandbox_spawn_denied_total",
		"toolgate_config_reloads_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.RPCRequestsTotal.WithLabelValues("fs", "tools/call", "ok").Inc()
	m.RPCRequestsTotal.WithLabelValues("fs", "tools/call", "ok").Inc()
	m.RPCRequestsTotal.WithLabelValues("fs", "tools/call", "error").Inc()

	if got := counterValue(t, m.Registry, "toolgate_rpc_requests_total", prometheus.Labels{"server": "fs", "method": "tools/call", "status": "ok"}); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "toolgate_rpc_requests_total", prometheus.Labels{"server": "fs", "method": "tools/call", "status": "error"}); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

// --- ObserveBus ---

func TestObserveBus_TracksLifecycle(t *testing.T) {
	obs := &Observability{Metrics: NewMetricsCollector()}
	bus := events.NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		obs.ObserveBus(ctx, bus)
		close(done)
	}()

	// Let the subscriber attach before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{Type: events.TypeServerAdded, Server: "fs"})
	bus.Publish(events.Event{Type: events.TypeSpawnDenied, Server: "fetch"})
	bus.Publish(events.Event{Type: events.TypeReloadApplied, Failed: map[string]string{"fetch": "spawn denied"}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counterValue(t, obs.Metrics.Registry, "toolgate_config_reloads_total", prometheus.Labels{"status": "partial"}) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := counterValue(t, obs.Metrics.Registry, "toolgate_servers_starts_total", prometheus.Labels{"server": "fs", "status": "ok"}); got != 1 {
		t.Errorf("server starts = %v, want 1", got)
	}
	if got := counterValue(t, obs.Metrics.Registry, "toolgate_sandbox_spawn_denied_total", prometheus.Labels{"server": "fetch"}); got != 1 {
		t.Errorf("spawn denied = %v, want 1", got)
	}
	if got := counterValue(t, obs.Metrics.Registry, "toolgate_config_reloads_total", prometheus.Labels{"status": "partial"}); got != 1 {
		t.Errorf("partial reloads = %v, want 1", got)
	}
	if got := gaugeValue(t, obs.Metrics.Registry, "toolgate_servers_running"); got != 1 {
		t.Errorf("servers running = %v, want 1", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ObserveBus did not stop on context cancel")
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "toolgate_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("servers", func(ctx context.Context) error { return nil })
	h.AddCheck("audit", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["servers"].Status != "ok" {
		t.Errorf("servers check = %q, want ok", status.Checks["servers"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("servers", func(ctx context.Context) error { return errors.New("server fs failed") })
	h.AddCheck("audit", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["servers"].Status != "fail" {
		t.Errorf("servers check = %q, want fail", status.Checks["servers"].Status)
	}
	if status.Checks["audit"].Status != "ok" {
		t.Errorf("audit check = %q, want ok", status.Checks["audit"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			for _, metric := range f.GetMetric() {
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}
