// Package server manages the lifecycle of one downstream MCP server: spawn
// (or dial), the initialize handshake, steady-state request forwarding, and
// teardown. The registry owns a Managed per configured server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/protocol"
	"github.com/toolgate-io/toolgate/internal/sandbox"
	"github.com/toolgate-io/toolgate/internal/transport"
)

// State is the lifecycle state of a managed server.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// ErrNotRunning is returned for requests to a server outside StateRunning.
var ErrNotRunning = errors.New("server is not running")

// defaultStopGrace is how long Stop waits between SIGTERM and SIGKILL.
const defaultStopGrace = 5 * time.Second

// Options tune a managed server.
type Options struct {
	// ClientVersion is reported in the initialize handshake.
	ClientVersion string

	// Transport is passed through to the underlying transport.
	Transport transport.Options

	// StopGrace replaces defaultStopGrace when positive.
	StopGrace time.Duration
}

func (o Options) stopGrace() time.Duration {
	if o.StopGrace > 0 {
		return o.StopGrace
	}
	return defaultStopGrace
}

// Status is a point-in-time snapshot for the HTTP API and logs.
type Status struct {
	Name      string             `json:"name"`
	State     State              `json:"state"`
	Transport config.TransportKind `json:"transport"`
	Tags      []string           `json:"tags,omitempty"`
	PID       int                `json:"pid,omitempty"`
	Driver    string             `json:"driver,omitempty"`
	StartedAt time.Time          `json:"started_at,omitzero"`
	Error     string             `json:"error,omitempty"`

	ServerInfo      mcp.Implementation `json:"server_info,omitzero"`
	ProtocolVersion string             `json:"protocol_version,omitempty"`
}

// Managed is one supervised downstream server.
type Managed struct {
	def      config.ServerDefinition
	selector *sandbox.Selector
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options

	mu        sync.Mutex
	state     State
	tr        transport.Transport
	proc      *sandbox.Process
	driver    config.DriverKind
	startedAt time.Time
	lastErr   error

	serverInfo      mcp.Implementation
	serverCaps      mcp.ServerCapabilities
	protocolVersion string
}

// New creates a managed server in StateStopped. Call Start to bring it up.
func New(def config.ServerDefinition, selector *sandbox.Selector, bus *events.Bus, logger *slog.Logger, opts Options) *Managed {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Managed{
		def:      def,
		selector: selector,
		bus:      bus,
		logger:   logger.With(slog.String("server", def.Name)),
		opts:     opts,
		state:    StateStopped,
	}
}

// Name returns the server's configured name.
func (m *Managed) Name() string { return m.def.Name }

// Definition returns the configuration this server was started from.
func (m *Managed) Definition() config.ServerDefinition { return m.def }

// State returns the current lifecycle state.
func (m *Managed) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the server for the API.
func (m *Managed) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Name:            m.def.Name,
		State:           m.state,
		Transport:       m.def.TransportOrDefault(),
		Tags:            m.def.Tags,
		Driver:          string(m.driver),
		StartedAt:       m.startedAt,
		ServerInfo:      m.serverInfo,
		ProtocolVersion: m.protocolVersion,
	}
	if m.proc != nil && m.proc.Alive() {
		st.PID = m.proc.PID()
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Start spawns or dials the server and runs the initialize handshake. On any
// failure the server lands in StateFailed with everything torn down.
func (m *Managed) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateStarting {
		m.mu.Unlock()
		return fmt.Errorf("server %q already started", m.def.Name)
	}
	m.state = StateStarting
	m.lastErr = nil
	m.mu.Unlock()

	tr, proc, driver, err := m.connect(ctx)
	if err != nil {
		m.fail(err)
		return err
	}

	if err := m.handshake(ctx, tr); err != nil {
		tr.Close()
		if proc != nil {
			proc.Terminate(m.opts.stopGrace())
		}
		err = fmt.Errorf("initialize handshake with %q: %w", m.def.Name, err)
		m.fail(err)
		return err
	}

	m.mu.Lock()
	m.tr = tr
	m.proc = proc
	m.driver = driver
	m.state = StateRunning
	m.startedAt = time.Now().UTC()
	info := m.serverInfo
	m.mu.Unlock()

	m.logger.Info("server running",
		slog.String("driver", string(driver)),
		slog.String("impl", info.Name+" "+info.Version),
	)

	go m.monitor(tr)
	return nil
}

func (m *Managed) fail(err error) {
	m.mu.Lock()
	m.state = StateFailed
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Error("server start failed", slog.String("error", err.Error()))
}

// connect brings up the transport: sandboxed process for stdio, dial for
// websocket.
func (m *Managed) connect(ctx context.Context) (transport.Transport, *sandbox.Process, config.DriverKind, error) {
	if m.def.TransportOrDefault() == config.TransportWebSocket {
		tr, err := transport.DialWS(ctx, m.def.Name, m.def.URL, m.logger, m.opts.Transport)
		if err != nil {
			return nil, nil, "", err
		}
		return tr, nil, "", nil
	}

	driver, err := m.selector.Select(m.def.Sandbox)
	if err != nil {
		m.bus.Publish(events.Event{
			Type:   events.TypeSpawnDenied,
			Server: m.def.Name,
			Detail: err.Error(),
		})
		return nil, nil, "", &sandbox.SpawnError{Server: m.def.Name, Reason: err}
	}

	proc, err := driver.Spawn(ctx, m.def)
	if err != nil {
		return nil, nil, "", err
	}
	tr := transport.NewStdio(m.def.Name, proc.Stdin(), proc.Stdout(), m.logger, m.opts.Transport)
	return tr, proc, driver.Kind(), nil
}

// handshake performs initialize followed by notifications/initialized and
// records the server's identity and capabilities.
func (m *Managed) handshake(ctx context.Context, tr transport.Transport) error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo: mcp.Implementation{
			Name:    "toolgate",
			Version: m.opts.ClientVersion,
		},
	}
	req, err := protocol.NewRequest(string(mcp.MethodInitialize), params)
	if err != nil {
		return err
	}

	resp, err := tr.Call(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parsing initialize result: %w", err)
	}

	m.mu.Lock()
	m.serverInfo = result.ServerInfo
	m.serverCaps = result.Capabilities
	m.protocolVersion = result.ProtocolVersion
	m.mu.Unlock()

	note, err := protocol.NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	return tr.Notify(ctx, note)
}

// monitor watches the transport and flips the server to StateFailed if the
// connection dies outside an orderly Stop.
func (m *Managed) monitor(tr transport.Transport) {
	<-tr.Done()

	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	detail := "connection lost"
	if m.proc != nil {
		// Reap whatever is left of the process group.
		go m.proc.Terminate(m.opts.stopGrace())
		if exitErr := m.proc.ExitErr(); exitErr != nil {
			detail = exitErr.Error()
		}
	}
	m.lastErr = errors.New(detail)
	m.mu.Unlock()

	m.logger.Error("server failed", slog.String("detail", detail))
	m.bus.Publish(events.Event{
		Type:   events.TypeServerFailed,
		Server: m.def.Name,
		Detail: detail,
	})

	// A kill by SIGKILL or SIGXCPU on a sandboxed process means a resource
	// limit fired, not an ordinary crash.
	if killedByLimit(detail) {
		m.bus.Publish(events.Event{
			Type:   events.TypePolicyViolation,
			Server: m.def.Name,
			Detail: detail,
		})
	}
}

func killedByLimit(detail string) bool {
	return strings.Contains(detail, "signal: killed") ||
		strings.Contains(detail, "CPU time limit exceeded")
}

// Stop shuts the server down in order: transport close, then process group
// termination with escalation. Idempotent.
func (m *Managed) Stop() {
	m.mu.Lock()
	if m.state == StateStopping || m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	tr := m.tr
	proc := m.proc
	m.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	if proc != nil {
		proc.Terminate(m.opts.stopGrace())
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	m.logger.Info("server stopped")
}

// transportIfRunning gates request paths on StateRunning.
func (m *Managed) transportIfRunning() (transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotRunning, m.def.Name, m.state)
	}
	return m.tr, nil
}

// Call sends a request built from method and params.
func (m *Managed) Call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	tr, err := m.transportIfRunning()
	if err != nil {
		return nil, err
	}
	req, err := protocol.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	return tr.Call(ctx, req)
}

// Forward relays a caller-supplied request. The caller's id is replaced with
// a gateway-unique one on the wire so ids from independent clients cannot
// collide, and restored on the response.
func (m *Managed) Forward(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	tr, err := m.transportIfRunning()
	if err != nil {
		return nil, err
	}

	if req.IsNotification() {
		return nil, tr.Notify(ctx, req)
	}

	callerID := req.ID
	wire := *req
	wire.ID = protocol.NextID()

	resp, err := tr.Call(ctx, &wire)
	if err != nil {
		return nil, err
	}
	resp.ID = callerID
	return resp, nil
}

// Notify sends a notification built from method and params.
func (m *Managed) Notify(ctx context.Context, method string, params any) error {
	tr, err := m.transportIfRunning()
	if err != nil {
		return err
	}
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return tr.Notify(ctx, note)
}

// Notifications exposes the server's push channel, or nil before Start.
func (m *Managed) Notifications() <-chan protocol.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tr == nil {
		return nil
	}
	return m.tr.Notifications()
}

// Capabilities returns what the server declared during initialize.
func (m *Managed) Capabilities() mcp.ServerCapabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverCaps
}
