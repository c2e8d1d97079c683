package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/toolgate-io/toolgate/internal/config"
)

// RlimitDriver applies POSIX resource limits through a shell ulimit wrapper:
//
//	sh -c 'ulimit -v KB 2>/dev/null; exec "$@"' _ cmd args...
//
// Using exec "$@" with positional parameters prevents shell injection — the
// server command is never interpolated into the shell string.
//
// This driver enforces memory ceilings and environment scrubbing only. It has
// no mechanism for network isolation, filesystem restriction, or CPU-share
// capping, so Enforces rejects policies that ask for any of those; auto
// selection then moves on to a driver that can.
type RlimitDriver struct {
	logger *slog.Logger
}

// NewRlimitDriver creates the POSIX resource-limit driver.
func NewRlimitDriver(logger *slog.Logger) *RlimitDriver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RlimitDriver{logger: logger}
}

func (d *RlimitDriver) Kind() config.DriverKind { return config.DriverRlimit }

func (d *RlimitDriver) Available() bool {
	_, err := exec.LookPath("/bin/sh")
	return err == nil
}

func (d *RlimitDriver) Enforces(policy config.SandboxPolicy) error {
	if !policy.Network {
		return fmt.Errorf("%w: rlimit driver cannot block network access", ErrUnsupported)
	}
	if policy.FilesystemOrDefault().Access != config.FilesystemFull {
		return fmt.Errorf("%w: rlimit driver cannot restrict filesystem access", ErrUnsupported)
	}
	if policy.MaxCPUPercent > 0 {
		return fmt.Errorf("%w: rlimit driver cannot cap CPU share", ErrUnsupported)
	}
	return nil
}

func (d *RlimitDriver) Spawn(_ context.Context, def config.ServerDefinition) (*Process, error) {
	if err := d.Enforces(def.Sandbox); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "toolgate-"+def.Name+"-*")
	if err != nil {
		return nil, &SpawnError{Server: def.Name, Reason: err}
	}

	argv := rlimitArgv(def)
	return launch(def.Name, argv, buildEnv(def, scratch), scratch, scratch, d.logger)
}

// rlimitArgv wraps the definition's command in the ulimit shell prelude.
func rlimitArgv(def config.ServerDefinition) []string {
	script := "exec \"$@\""
	if def.Sandbox.MaxMemoryMB > 0 {
		memKB := def.Sandbox.MaxMemoryMB * 1024
		script = fmt.Sprintf("ulimit -v %d 2>/dev/null; %s", memKB, script)
	}

	argv := make([]string, 0, 4+len(def.Args))
	argv = append(argv, "/bin/sh", "-c", script, "_") // "_" is the $0 placeholder
	argv = append(argv, def.Command)
	argv = append(argv, def.Args...)
	return argv
}
