// Package httpapi implements the client-facing HTTP gateway.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-client rate limiting via token bucket
//   - Request timeouts on every proxied call
//   - All forwarded requests audit-logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/capability"
	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/observability"
	"github.com/toolgate-io/toolgate/internal/protocol"
	"github.com/toolgate-io/toolgate/internal/ratelimit"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/reload"
	"github.com/toolgate-io/toolgate/internal/server"
	"github.com/toolgate-io/toolgate/internal/transport"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8440"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.
	RequestTimeout time.Duration     // Upper bound on proxied calls. 0 = 30s.
	ConfigPath     string            // Source for POST /v1/reload. Empty disables it.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for RPC accounting.
	Tracer          trace.Tracer                    // OTel tracer for forwarded requests.
}

// Gateway is the HTTP gateway over the registry.
type Gateway struct {
	config  Config
	reg     *registry.Registry
	tools   *capability.Cache
	coord   *reload.Coordinator
	bus     *events.Bus
	limiter *ratelimit.Limiter
	auditor *audit.Logger
	logger  *slog.Logger

	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// NewGateway creates the HTTP gateway.
func NewGateway(cfg Config, reg *registry.Registry, tools *capability.Cache, coord *reload.Coordinator, bus *events.Bus, rl *ratelimit.Limiter, auditor *audit.Logger, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		reg:     reg,
		tools:   tools,
		coord:   coord,
		bus:     bus,
		limiter: rl,
		auditor: auditor,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithOpenAPIDocs mounts interactive API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Toolgate",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/servers/{name}/rpc", g.handleServerRPC,
		okapi.DocSummary("Forward a JSON-RPC request to a named server"),
		okapi.DocTags("RPC"),
		okapi.DocPathParam("name", "string", "Configured server name"),
		okapi.DocRequestBody(protocol.Request{}),
		okapi.DocResponse(protocol.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/rpc/{tag}", g.handleTagRPC,
		okapi.DocSummary("Forward a JSON-RPC request to the first running server with a tag"),
		okapi.DocTags("RPC"),
		okapi.DocPathParam("tag", "string", "Routing tag"),
		okapi.DocRequestBody(protocol.Request{}),
		okapi.DocResponse(protocol.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/servers", g.handleServerList,
		okapi.DocSummary("List all servers and their states"),
		okapi.DocTags("Servers"),
		okapi.DocResponse([]server.Status{}),
	)
	g.group.Get("/servers/{name}", g.handleServerGet,
		okapi.DocSummary("Get one server's status"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("name", "string", "Configured server name"),
		okapi.DocResponse(server.Status{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List aggregated tools from all running servers"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]capability.Tool{}),
	)
	g.group.Post("/tools/call", g.handleToolCall,
		okapi.DocSummary("Call a tool by its namespaced name"),
		okapi.DocTags("Tools"),
		okapi.DocRequestBody(ToolCallRequest{}),
		okapi.DocResponse(protocol.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/events", g.handleEvents,
		okapi.DocSummary("Stream lifecycle events via SSE"),
		okapi.DocTags("Events"),
	)
	if g.config.ConfigPath != "" && g.coord != nil {
		g.group.Post("/reload", g.handleReload,
			okapi.DocSummary("Reload the configuration file and apply server changes"),
			okapi.DocTags("Config"),
			okapi.DocResponse(http.StatusAccepted, map[string]string{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- RPC handlers ---

func (g *Gateway) handleServerRPC(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := g.allow(clientID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	name := c.Param("name")
	req, abort := g.bindRPC(c)
	if abort != nil {
		return abort
	}

	return g.forward(c, clientID, req, func(ctx context.Context) (*protocol.Response, error) {
		return g.reg.Route(ctx, name, req)
	}, name)
}

func (g *Gateway) handleTagRPC(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := g.allow(clientID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	tag := c.Param("tag")
	if tag == "" {
		return c.AbortBadRequest("tag is required")
	}
	req, abort := g.bindRPC(c)
	if abort != nil {
		return abort
	}

	return g.forward(c, clientID, req, func(ctx context.Context) (*protocol.Response, error) {
		return g.reg.RouteByTag(ctx, tag, req)
	}, "tag:"+tag)
}

// bindRPC parses and validates the JSON-RPC body.
func (g *Gateway) bindRPC(c *okapi.Context) (*protocol.Request, error) {
	var req protocol.Request
	if err := c.Bind(&req); err != nil {
		return nil, c.AbortBadRequest("invalid JSON-RPC request body")
	}
	if req.JSONRPC != protocol.Version {
		return nil, c.AbortBadRequest("jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return nil, c.AbortBadRequest("method is required")
	}
	return &req, nil
}

// forward runs the routed call with a timeout, records metrics and audit, and
// renders the result.
func (g *Gateway) forward(c *okapi.Context, clientID string, req *protocol.Request, route func(context.Context) (*protocol.Response, error), target string) error {
	correlationID := uuid.New().String()
	timeout := g.config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Context(), timeout)
	defer cancel()

	if g.config.Tracer != nil {
		var span trace.Span
		ctx, span = g.config.Tracer.Start(ctx, "rpc.forward")
		defer span.End()
	}

	start := time.Now()
	resp, err := route(ctx)
	g.observe(target, req.Method, start, err)

	if err != nil {
		g.audit(target, req.Method, clientID, correlationID, "error")
		g.logger.Warn("rpc forward failed",
			slog.String("target", target),
			slog.String("method", req.Method),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNoMatch):
			return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
		case errors.Is(err, server.ErrNotRunning):
			return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": err.Error()})
		case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return c.JSON(http.StatusGatewayTimeout, okapi.M{"error": "request timed out"})
		default:
			return c.JSON(http.StatusBadGateway, okapi.M{"error": "upstream request failed"})
		}
	}

	g.audit(target, req.Method, clientID, correlationID, "ok")

	// Notifications have no response.
	if resp == nil {
		return c.JSON(http.StatusAccepted, okapi.M{"status": "accepted"})
	}
	return c.OK(resp)
}

func (g *Gateway) observe(target, method string, start time.Time, err error) {
	if g.config.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.config.Metrics.RPCRequestsTotal.WithLabelValues(target, method, status).Inc()
	g.config.Metrics.RPCRequestDuration.WithLabelValues(target, method).Observe(time.Since(start).Seconds())
}

func (g *Gateway) audit(target, method, clientID, correlationID, outcome string) {
	if g.auditor == nil {
		return
	}
	g.auditor.Request(target, method, clientID, correlationID, outcome)
}

// --- Discovery handlers ---

func (g *Gateway) handleServerList(c *okapi.Context) error {
	return c.OK(g.reg.Statuses())
}

func (g *Gateway) handleServerGet(c *okapi.Context) error {
	m, ok := g.reg.Get(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no such server"})
	}
	return c.OK(m.Status())
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	tools, err := g.tools.Tools(c.Context())
	if err != nil {
		return c.AbortInternalServerError("tool listing failed")
	}
	if g.config.Metrics != nil {
		g.config.Metrics.ToolsCached.Set(float64(len(tools)))
	}
	return c.OK(tools)
}

// ToolCallRequest is the JSON body for POST /v1/tools/call.
type ToolCallRequest struct {
	Name      string         `json:"name"`      // Namespaced: <server>__<tool>.
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (g *Gateway) handleToolCall(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := g.allow(clientID); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ToolCallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}

	serverName, toolName, ok := g.tools.Resolve(c.Context(), req.Name)
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no such tool"})
	}

	rpc, err := protocol.NewRequest("tools/call", map[string]any{
		"name":      toolName,
		"arguments": req.Arguments,
	})
	if err != nil {
		return c.AbortBadRequest("invalid arguments")
	}

	return g.forward(c, clientID, rpc, func(ctx context.Context) (*protocol.Response, error) {
		return g.reg.Route(ctx, serverName, rpc)
	}, serverName)
}

func (g *Gateway) handleReload(c *okapi.Context) error {
	snap, err := config.Load(g.config.ConfigPath)
	if err != nil {
		return c.AbortBadRequest("config rejected: " + err.Error())
	}
	g.coord.Submit(snap)
	g.logger.Info("reload requested via api", slog.String("path", g.config.ConfigPath))
	return c.JSON(http.StatusAccepted, okapi.M{"status": "reload scheduled"})
}

// --- Health handlers ---

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

func (g *Gateway) allow(clientID string) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(clientID)
}
