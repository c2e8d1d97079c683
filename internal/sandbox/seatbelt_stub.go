//go:build !darwin

package sandbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/toolgate-io/toolgate/internal/config"
)

// SeatbeltDriver is macOS-only; this stub keeps driver selection portable.
type SeatbeltDriver struct{}

// NewSeatbeltDriver returns the non-macOS stub.
func NewSeatbeltDriver(*slog.Logger) *SeatbeltDriver { return &SeatbeltDriver{} }

func (d *SeatbeltDriver) Kind() config.DriverKind { return config.DriverSeatbelt }

func (d *SeatbeltDriver) Available() bool { return false }

func (d *SeatbeltDriver) Enforces(config.SandboxPolicy) error {
	return fmt.Errorf("%w: seatbelt is only available on darwin", ErrUnsupported)
}

func (d *SeatbeltDriver) Spawn(context.Context, config.ServerDefinition) (*Process, error) {
	return nil, fmt.Errorf("%w: seatbelt is only available on darwin", ErrUnsupported)
}
