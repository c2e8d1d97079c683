// Package sandbox turns a declarative SandboxPolicy into a running, isolated
// OS process. Every tool server spawned by Toolgate goes through a Driver —
// never plain exec.
//
// A driver either enforces the whole policy or refuses to spawn. There is no
// partial enforcement: a constraint the platform cannot honor fails the spawn
// with ErrUnsupported instead of starting the process with reduced isolation.
// The one escape hatch is the "none" driver, which must be named explicitly
// in the server's config.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolgate-io/toolgate/internal/config"
)

// ErrUnsupported is returned when a policy cannot be enforced by a driver or,
// from Select, by any driver available on this host.
var ErrUnsupported = errors.New("sandbox policy cannot be enforced")

// SpawnError wraps a failure to start the sandboxed process.
type SpawnError struct {
	Server string
	Reason error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning server %q: %v", e.Server, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Reason }

// Driver spawns processes under one isolation mechanism.
type Driver interface {
	// Kind identifies the driver in config and logs.
	Kind() config.DriverKind

	// Available reports whether the mechanism exists on this host.
	Available() bool

	// Enforces returns nil if the driver can enforce every constraint in the
	// policy, or an ErrUnsupported-wrapped error naming the first constraint
	// it cannot.
	Enforces(policy config.SandboxPolicy) error

	// Spawn starts the definition's command under the policy. The returned
	// Process is exclusively owned by the caller.
	Spawn(ctx context.Context, def config.ServerDefinition) (*Process, error)
}
