package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/toolgate-io/toolgate/internal/config"
)

// NoneDriver runs the command without isolation. It exists for trusted and
// development servers and is never chosen by auto selection — the config must
// name it explicitly, which is the operator's acknowledgment that the policy's
// constraints are not enforced.
type NoneDriver struct {
	logger *slog.Logger
}

// NewNoneDriver creates the no-isolation driver.
func NewNoneDriver(logger *slog.Logger) *NoneDriver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NoneDriver{logger: logger}
}

func (d *NoneDriver) Kind() config.DriverKind { return config.DriverNone }

func (d *NoneDriver) Available() bool { return true }

// Enforces always succeeds: selecting this driver is the enforcement decision.
func (d *NoneDriver) Enforces(config.SandboxPolicy) error { return nil }

// Spawn runs the command directly. Environment scrubbing still applies unless
// the policy inherits.
func (d *NoneDriver) Spawn(_ context.Context, def config.ServerDefinition) (*Process, error) {
	scratch, err := os.MkdirTemp("", "toolgate-"+def.Name+"-*")
	if err != nil {
		return nil, &SpawnError{Server: def.Name, Reason: err}
	}

	d.logger.Warn("spawning without isolation",
		slog.String("server", def.Name),
		slog.String("command", def.Command),
	)

	argv := append([]string{def.Command}, def.Args...)
	return launch(def.Name, argv, buildEnv(def, scratch), scratch, scratch, d.logger)
}
