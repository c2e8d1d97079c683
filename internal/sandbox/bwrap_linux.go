//go:build linux

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

// BwrapDriver sandboxes servers with bubblewrap (bwrap) on Linux: mount
// namespaces for filesystem restriction, --unshare-net for network denial,
// --unshare-pid so the server cannot see the host's processes. Memory
// ceilings ride on the same ulimit prelude as the rlimit driver, applied
// inside the namespace.
type BwrapDriver struct {
	logger *slog.Logger
}

// NewBwrapDriver creates the bubblewrap driver.
func NewBwrapDriver(logger *slog.Logger) *BwrapDriver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BwrapDriver{logger: logger}
}

func (d *BwrapDriver) Kind() config.DriverKind { return config.DriverBwrap }

func (d *BwrapDriver) Available() bool {
	_, err := exec.LookPath("bwrap")
	return err == nil
}

func (d *BwrapDriver) Enforces(policy config.SandboxPolicy) error {
	if policy.MaxCPUPercent > 0 {
		return fmt.Errorf("%w: bwrap driver cannot cap CPU share, use the docker driver or set max_cpu_percent: 0", ErrUnsupported)
	}
	return nil
}

func (d *BwrapDriver) Spawn(_ context.Context, def config.ServerDefinition) (*Process, error) {
	if err := d.Enforces(def.Sandbox); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "toolgate-"+def.Name+"-*")
	if err != nil {
		return nil, &SpawnError{Server: def.Name, Reason: err}
	}

	argv, err := bwrapArgv(def, scratch)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}
	return launch(def.Name, argv, buildEnv(def, scratch), "", scratch, d.logger)
}

// systemPaths are the read-only binds needed to exec anything at all when the
// policy restricts visibility to an explicit path list.
var systemPaths = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt"}

// bwrapArgv translates the policy into a bwrap command line.
func bwrapArgv(def config.ServerDefinition, scratch string) ([]string, error) {
	policy := def.Sandbox
	argv := []string{"bwrap"}

	switch fs := policy.FilesystemOrDefault(); fs.Access {
	case config.FilesystemFull:
		argv = append(argv, "--bind", "/", "/")
		argv = append(argv, "--dev", "/dev", "--proc", "/proc")

	case config.FilesystemReadOnly:
		argv = append(argv, "--ro-bind", "/", "/")
		argv = append(argv, "--tmpfs", "/tmp")
		argv = append(argv, "--dev", "/dev", "--proc", "/proc")

	case config.FilesystemPaths:
		// Only the listed paths (plus the system dirs required to exec) are
		// visible; the listed paths are writable, everything else is hidden.
		for _, sys := range systemPaths {
			if _, err := os.Stat(sys); err == nil {
				argv = append(argv, "--ro-bind", sys, sys)
			}
		}
		argv = append(argv, "--tmpfs", "/tmp")
		argv = append(argv, "--dev", "/dev", "--proc", "/proc")
		for _, p := range fs.Paths {
			argv = append(argv, "--bind", p, p)
		}

	default:
		return nil, fmt.Errorf("%w: unknown filesystem access %q", ErrUnsupported, policy.Filesystem.Access)
	}

	// Scratch dir is always writable — it is the child's HOME and TMPDIR.
	argv = append(argv, "--bind", scratch, scratch)

	argv = append(argv, "--unshare-pid", "--die-with-parent")
	if !policy.Network {
		argv = append(argv, "--unshare-net")
	}
	argv = append(argv, "--chdir", scratch)

	argv = append(argv, "--")
	if policy.MaxMemoryMB > 0 {
		memKB := policy.MaxMemoryMB * 1024
		script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", memKB)
		argv = append(argv, "/bin/sh", "-c", script, "_")
	}
	argv = append(argv, def.Command)
	argv = append(argv, def.Args...)
	return argv, nil
}
