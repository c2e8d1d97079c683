// Package config handles loading and validating Toolgate configuration.
// A loaded Snapshot is immutable; hot reload replaces whole snapshots rather
// than mutating the current one.
package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Snapshot is one point-in-time configuration: global settings plus the
// ordered list of server definitions.
type Snapshot struct {
	Gateway    GatewayConfig        `json:"gateway" yaml:"gateway"`
	Audit      AuditConfig          `json:"audit" yaml:"audit"`
	Capability CapabilityConfig     `json:"capability" yaml:"capability"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled
	Servers    []ServerDefinition   `json:"servers" yaml:"servers"`
}

// GatewayConfig configures the client-facing HTTP endpoint.
type GatewayConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`                 // Default: ":8440".
	APIKeys           map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`   // API key → client ID. Values expanded via ${ENV}.
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // Per-client rate limit. 0 = unlimited.
	BurstSize         int               `json:"burst_size" yaml:"burst_size"`
	MaxRequestBytes   int64             `json:"max_request_bytes" yaml:"max_request_bytes"` // 0 = 1 MB.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	RequestTimeoutS   int               `json:"request_timeout_s" yaml:"request_timeout_s"` // Default per-request deadline. 0 = 30s.
}

// RequestTimeout returns the default deadline for routed requests.
func (g GatewayConfig) RequestTimeout() time.Duration {
	if g.RequestTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.RequestTimeoutS) * time.Second
}

// AuditConfig configures the JSON-lines audit sink.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data dir>/audit.log.
}

// CapabilityConfig configures the aggregated tool-schema cache.
type CapabilityConfig struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"` // 0 = 300.
}

// TTL returns the capability cache time-to-live.
func (c CapabilityConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "toolgate".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP collector endpoint.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 = 1.0.
}

// TransportKind selects how Toolgate talks to a server.
type TransportKind string

const (
	// TransportStdio spawns the command locally and speaks newline-delimited
	// JSON-RPC over its pipes. This is the default.
	TransportStdio TransportKind = "stdio"
	// TransportWebSocket connects to an already-running remote server.
	TransportWebSocket TransportKind = "websocket"
)

// ServerDefinition describes one tool server. Definitions are compared by
// value during reload diffing; any change forces a restart of that server.
type ServerDefinition struct {
	Name      string            `json:"name" yaml:"name"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // Values expanded via ${ENV} at spawn time.
	Tags      []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Transport TransportKind     `json:"transport,omitempty" yaml:"transport,omitempty"` // Default: stdio.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`             // WebSocket endpoint for remote servers.
	Sandbox   SandboxPolicy     `json:"sandbox" yaml:"sandbox"`
}

// TransportOrDefault returns the configured transport kind, defaulting to stdio.
func (d ServerDefinition) TransportOrDefault() TransportKind {
	if d.Transport == "" {
		return TransportStdio
	}
	return d.Transport
}

// HasTag reports whether the definition carries the given tag.
func (d ServerDefinition) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// Equal compares two definitions by value.
func (d ServerDefinition) Equal(o ServerDefinition) bool {
	return d.Name == o.Name &&
		d.Command == o.Command &&
		slices.Equal(d.Args, o.Args) &&
		maps.Equal(d.Env, o.Env) &&
		slices.Equal(d.Tags, o.Tags) &&
		d.TransportOrDefault() == o.TransportOrDefault() &&
		d.URL == o.URL &&
		d.Sandbox.Equal(o.Sandbox)
}

// DriverKind names a sandbox driver implementation.
type DriverKind string

const (
	// DriverAuto probes the platform and picks the strongest driver that can
	// enforce the policy. Selection fails rather than downgrading.
	DriverAuto DriverKind = "auto"
	// DriverNone runs the process without isolation. Trusted/dev use only;
	// never chosen implicitly.
	DriverNone DriverKind = "none"
	// DriverRlimit applies POSIX resource limits and environment scrubbing
	// but cannot restrict filesystem or network access.
	DriverRlimit DriverKind = "rlimit"
	// DriverBwrap uses bubblewrap namespaces on Linux.
	DriverBwrap DriverKind = "bwrap"
	// DriverSeatbelt uses sandbox-exec on macOS.
	DriverSeatbelt DriverKind = "seatbelt"
	// DriverDocker runs the server inside a hardened container. Portable
	// fallback when native isolation is unavailable.
	DriverDocker DriverKind = "docker"
)

// FilesystemAccess is the filesystem constraint level.
type FilesystemAccess string

const (
	FilesystemFull     FilesystemAccess = "full"
	FilesystemReadOnly FilesystemAccess = "readonly"
	FilesystemPaths    FilesystemAccess = "paths"
)

// FilesystemMode is the declarative filesystem constraint. On the wire it is
// either a string ("full", "readonly") or a list of absolute paths that are
// the only ones visible to the process.
type FilesystemMode struct {
	Access FilesystemAccess
	Paths  []string
}

// Equal compares modes by value.
func (m FilesystemMode) Equal(o FilesystemMode) bool {
	return m.Access == o.Access && slices.Equal(m.Paths, o.Paths)
}

// UnmarshalYAML accepts "full", "readonly", or a path list.
func (m *FilesystemMode) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		return m.fromString(s)
	case yaml.SequenceNode:
		var paths []string
		if err := value.Decode(&paths); err != nil {
			return err
		}
		m.Access = FilesystemPaths
		m.Paths = paths
		return nil
	default:
		return fmt.Errorf("filesystem must be a string or a list of paths")
	}
}

// MarshalYAML writes the wire form back out.
func (m FilesystemMode) MarshalYAML() (any, error) {
	if m.Access == FilesystemPaths {
		return m.Paths, nil
	}
	return string(m.accessOrDefault()), nil
}

// UnmarshalJSON accepts "full", "readonly", or a path list.
func (m *FilesystemMode) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var paths []string
		if err := json.Unmarshal(data, &paths); err != nil {
			return err
		}
		m.Access = FilesystemPaths
		m.Paths = paths
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("filesystem must be a string or a list of paths")
	}
	return m.fromString(s)
}

// MarshalJSON writes the wire form back out.
func (m FilesystemMode) MarshalJSON() ([]byte, error) {
	if m.Access == FilesystemPaths {
		return json.Marshal(m.Paths)
	}
	return json.Marshal(string(m.accessOrDefault()))
}

func (m *FilesystemMode) fromString(s string) error {
	switch strings.ToLower(s) {
	case "full":
		m.Access = FilesystemFull
	case "readonly", "read_only", "read-only":
		m.Access = FilesystemReadOnly
	default:
		return fmt.Errorf("unknown filesystem access %q: must be full, readonly, or a path list", s)
	}
	m.Paths = nil
	return nil
}

func (m FilesystemMode) accessOrDefault() FilesystemAccess {
	if m.Access == "" {
		return FilesystemReadOnly
	}
	return m.Access
}

// SandboxPolicy is the declarative constraint set for one spawned server.
// The zero value means: default driver, no network, read-only filesystem,
// scrubbed environment, 512 MB, 50% CPU — matching DefaultSandboxPolicy.
type SandboxPolicy struct {
	Driver        DriverKind     `json:"driver,omitempty" yaml:"driver,omitempty"` // Default: auto.
	Network       bool           `json:"network" yaml:"network"`
	Filesystem    FilesystemMode `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	InheritEnv    bool           `json:"inherit_env" yaml:"inherit_env"`
	MaxMemoryMB   uint64         `json:"max_memory_mb" yaml:"max_memory_mb"`     // 0 = unlimited.
	MaxCPUPercent uint32         `json:"max_cpu_percent" yaml:"max_cpu_percent"` // 0 = unlimited.
}

// DefaultSandboxPolicy is the fail-closed default applied when a definition
// omits the sandbox section entirely.
func DefaultSandboxPolicy() SandboxPolicy {
	return SandboxPolicy{
		Driver:        DriverAuto,
		Network:       false,
		Filesystem:    FilesystemMode{Access: FilesystemReadOnly},
		InheritEnv:    false,
		MaxMemoryMB:   512,
		MaxCPUPercent: 50,
	}
}

// DriverOrDefault returns the configured driver kind, defaulting to auto.
func (p SandboxPolicy) DriverOrDefault() DriverKind {
	if p.Driver == "" {
		return DriverAuto
	}
	return p.Driver
}

// FilesystemOrDefault returns the filesystem mode, defaulting to read-only.
func (p SandboxPolicy) FilesystemOrDefault() FilesystemMode {
	m := p.Filesystem
	m.Access = m.accessOrDefault()
	return m
}

func (p SandboxPolicy) isZero() bool {
	return p.Driver == "" &&
		!p.Network &&
		p.Filesystem.Access == "" &&
		p.Filesystem.Paths == nil &&
		!p.InheritEnv &&
		p.MaxMemoryMB == 0 &&
		p.MaxCPUPercent == 0
}

// Equal compares policies by value.
func (p SandboxPolicy) Equal(o SandboxPolicy) bool {
	return p.DriverOrDefault() == o.DriverOrDefault() &&
		p.Network == o.Network &&
		p.FilesystemOrDefault().Equal(o.FilesystemOrDefault()) &&
		p.InheritEnv == o.InheritEnv &&
		p.MaxMemoryMB == o.MaxMemoryMB &&
		p.MaxCPUPercent == o.MaxCPUPercent
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	if p := os.Getenv("TOOLGATE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "toolgate.yaml"
	}
	return filepath.Join(home, ".toolgate", "config.yaml")
}

// Load reads and parses a snapshot from path. YAML and JSON are both
// accepted; the format is detected from the extension, falling back to
// content sniffing. The snapshot is validated before being returned.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	snap, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Parse parses and validates snapshot bytes. The path is used only for
// format detection and error messages.
func Parse(path string, data []byte) (*Snapshot, error) {
	var snap Snapshot
	if isJSON(path, data) {
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	snap.applyDefaults()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func isJSON(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return true
	case ".yaml", ".yml":
		return false
	}
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{")
}

func (s *Snapshot) applyDefaults() {
	if s.Gateway.ListenAddr == "" {
		s.Gateway.ListenAddr = ":8440"
	}
	if s.Audit.Enabled && s.Audit.Path == "" {
		s.Audit.Path = filepath.Join(filepath.Dir(DefaultConfigPath()), "audit.log")
	}
	for i := range s.Servers {
		def := &s.Servers[i]
		// A fully zero sandbox section means "use the fail-closed default",
		// not "unconstrained".
		if def.Sandbox.isZero() {
			def.Sandbox = DefaultSandboxPolicy()
		}
	}
}

// Validate checks structural invariants: unique non-empty names, a command or
// URL matching the transport, and well-formed sandbox policies. It does not
// touch the filesystem or the network.
func (s *Snapshot) Validate() error {
	seen := make(map[string]struct{}, len(s.Servers))
	for _, def := range s.Servers {
		if def.Name == "" {
			return fmt.Errorf("%w: server with empty name", ErrInvalid)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
		}
		seen[def.Name] = struct{}{}

		switch def.TransportOrDefault() {
		case TransportStdio:
			if def.Command == "" {
				return fmt.Errorf("%w: server %q: stdio transport requires a command", ErrInvalid, def.Name)
			}
		case TransportWebSocket:
			if def.URL == "" {
				return fmt.Errorf("%w: server %q: websocket transport requires a url", ErrInvalid, def.Name)
			}
		default:
			return fmt.Errorf("%w: server %q: unknown transport %q", ErrInvalid, def.Name, def.Transport)
		}

		if err := validatePolicy(def.Name, def.Sandbox); err != nil {
			return err
		}
	}
	return nil
}

func validatePolicy(server string, p SandboxPolicy) error {
	switch p.DriverOrDefault() {
	case DriverAuto, DriverNone, DriverRlimit, DriverBwrap, DriverSeatbelt, DriverDocker:
	default:
		return fmt.Errorf("%w: server %q: unknown sandbox driver %q", ErrInvalid, server, p.Driver)
	}

	fs := p.FilesystemOrDefault()
	if fs.Access == FilesystemPaths {
		if len(fs.Paths) == 0 {
			return fmt.Errorf("%w: server %q: filesystem path list must not be empty", ErrInvalid, server)
		}
		for _, path := range fs.Paths {
			if !filepath.IsAbs(path) {
				return fmt.Errorf("%w: server %q: filesystem path %q must be absolute", ErrInvalid, server, path)
			}
		}
	}

	if p.MaxCPUPercent > 100 {
		return fmt.Errorf("%w: server %q: max_cpu_percent %d exceeds 100", ErrInvalid, server, p.MaxCPUPercent)
	}
	return nil
}

// Definition returns the definition with the given name, if present.
func (s *Snapshot) Definition(name string) (ServerDefinition, bool) {
	for _, def := range s.Servers {
		if def.Name == name {
			return def, true
		}
	}
	return ServerDefinition{}, false
}
