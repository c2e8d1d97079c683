package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/toolgate-io/toolgate/internal/config"
)

// Selector owns one instance of every driver and picks the right one for each
// policy. Probing happens once at construction; selection itself is pure.
type Selector struct {
	byKind map[config.DriverKind]Driver
	// autoOrder is strongest-first and never includes the none driver:
	// auto does not downgrade to no isolation.
	autoOrder []Driver
}

// NewSelector probes the platform and constructs all drivers.
func NewSelector(dockerCfg DockerConfig, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	none := NewNoneDriver(logger)
	rlimit := NewRlimitDriver(logger)
	bwrap := NewBwrapDriver(logger)
	seatbelt := NewSeatbeltDriver(logger)
	docker := NewDockerDriver(dockerCfg, logger)

	s := &Selector{
		byKind: map[config.DriverKind]Driver{
			config.DriverNone:     none,
			config.DriverRlimit:   rlimit,
			config.DriverBwrap:    bwrap,
			config.DriverSeatbelt: seatbelt,
			config.DriverDocker:   docker,
		},
		autoOrder: []Driver{bwrap, seatbelt, docker, rlimit},
	}

	available := make([]string, 0, len(s.autoOrder))
	for _, d := range s.autoOrder {
		if d.Available() {
			available = append(available, string(d.Kind()))
		}
	}
	logger.Info("sandbox drivers probed", slog.String("available", strings.Join(available, ",")))
	return s
}

// Select returns the driver for the policy, or ErrUnsupported if no available
// driver can enforce every constraint. There is no silent downgrade: an
// explicit driver that is unavailable or insufficient is an error, and auto
// selection fails rather than weakening isolation.
func (s *Selector) Select(policy config.SandboxPolicy) (Driver, error) {
	kind := policy.DriverOrDefault()
	if kind != config.DriverAuto {
		d, ok := s.byKind[kind]
		if !ok {
			return nil, fmt.Errorf("%w: unknown driver %q", ErrUnsupported, kind)
		}
		if !d.Available() {
			return nil, fmt.Errorf("%w: driver %q is not available on this host", ErrUnsupported, kind)
		}
		if err := d.Enforces(policy); err != nil {
			return nil, err
		}
		return d, nil
	}

	var reasons []string
	for _, d := range s.autoOrder {
		if !d.Available() {
			reasons = append(reasons, fmt.Sprintf("%s: not available", d.Kind()))
			continue
		}
		if err := d.Enforces(policy); err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", d.Kind(), err))
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: no available driver can enforce this policy (%s)", ErrUnsupported, strings.Join(reasons, "; "))
}
