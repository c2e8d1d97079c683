//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/toolgate-io/toolgate/internal/config"
)

// BwrapDriver is Linux-only; this stub keeps driver selection portable.
type BwrapDriver struct{}

// NewBwrapDriver returns the non-Linux stub.
func NewBwrapDriver(*slog.Logger) *BwrapDriver { return &BwrapDriver{} }

func (d *BwrapDriver) Kind() config.DriverKind { return config.DriverBwrap }

func (d *BwrapDriver) Available() bool { return false }

func (d *BwrapDriver) Enforces(config.SandboxPolicy) error {
	return fmt.Errorf("%w: bwrap is only available on linux", ErrUnsupported)
}

func (d *BwrapDriver) Spawn(context.Context, config.ServerDefinition) (*Process, error) {
	return nil, fmt.Errorf("%w: bwrap is only available on linux", ErrUnsupported)
}
