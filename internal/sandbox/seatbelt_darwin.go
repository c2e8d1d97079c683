//go:build darwin

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/toolgate-io/toolgate/internal/config"
)

const seatbeltBin = "/usr/bin/sandbox-exec"

// SeatbeltDriver sandboxes servers with macOS Seatbelt (sandbox-exec) using a
// generated SBPL profile: deny-by-default, explicit read/write allowances,
// network denial. Memory ceilings use the ulimit prelude inside the profile.
type SeatbeltDriver struct {
	logger *slog.Logger
}

// NewSeatbeltDriver creates the Seatbelt driver.
func NewSeatbeltDriver(logger *slog.Logger) *SeatbeltDriver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SeatbeltDriver{logger: logger}
}

func (d *SeatbeltDriver) Kind() config.DriverKind { return config.DriverSeatbelt }

func (d *SeatbeltDriver) Available() bool {
	_, err := exec.LookPath(seatbeltBin)
	return err == nil
}

func (d *SeatbeltDriver) Enforces(policy config.SandboxPolicy) error {
	if policy.MaxCPUPercent > 0 {
		return fmt.Errorf("%w: seatbelt driver cannot cap CPU share, use the docker driver or set max_cpu_percent: 0", ErrUnsupported)
	}
	return nil
}

func (d *SeatbeltDriver) Spawn(_ context.Context, def config.ServerDefinition) (*Process, error) {
	if err := d.Enforces(def.Sandbox); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "toolgate-"+def.Name+"-*")
	if err != nil {
		return nil, &SpawnError{Server: def.Name, Reason: err}
	}

	profile := seatbeltProfile(def.Sandbox, scratch)
	argv := []string{seatbeltBin, "-p", profile, "--"}
	if def.Sandbox.MaxMemoryMB > 0 {
		memKB := def.Sandbox.MaxMemoryMB * 1024
		script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", memKB)
		argv = append(argv, "/bin/sh", "-c", script, "_")
	}
	argv = append(argv, def.Command)
	argv = append(argv, def.Args...)

	return launch(def.Name, argv, buildEnv(def, scratch), scratch, scratch, d.logger)
}

// seatbeltProfile generates the SBPL policy string.
func seatbeltProfile(policy config.SandboxPolicy, scratch string) string {
	var sb strings.Builder
	sb.WriteString("(version 1)\n")
	sb.WriteString("(deny default)\n")
	sb.WriteString("(allow process-exec)\n")
	sb.WriteString("(allow process-fork)\n")
	sb.WriteString("(allow sysctl-read)\n")
	sb.WriteString("(allow mach-lookup)\n")

	switch fs := policy.FilesystemOrDefault(); fs.Access {
	case config.FilesystemFull:
		sb.WriteString("(allow file-read*)\n")
		sb.WriteString("(allow file-write*)\n")

	case config.FilesystemReadOnly:
		sb.WriteString("(allow file-read*)\n")

	case config.FilesystemPaths:
		sb.WriteString("(allow file-read* (subpath \"/usr\") (subpath \"/bin\") (subpath \"/sbin\") (subpath \"/System\") (subpath \"/Library\") (subpath \"/private/etc\"))\n")
		for _, p := range fs.Paths {
			fmt.Fprintf(&sb, "(allow file-read* (subpath %q))\n", p)
			fmt.Fprintf(&sb, "(allow file-write* (subpath %q))\n", p)
		}
	}

	// The scratch dir and temp dirs stay writable so the process can run.
	fmt.Fprintf(&sb, "(allow file-read* (subpath %q))\n", scratch)
	fmt.Fprintf(&sb, "(allow file-write* (subpath %q))\n", scratch)
	sb.WriteString("(allow file-write* (subpath \"/private/tmp\"))\n")
	sb.WriteString("(allow file-write* (subpath \"/tmp\"))\n")
	sb.WriteString("(allow file-write* (subpath \"/dev\"))\n")

	if policy.Network {
		sb.WriteString("(allow network*)\n")
	} else {
		sb.WriteString("(deny network*)\n")
	}
	return sb.String()
}
