package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/toolgate-io/toolgate/internal/config"
)

const (
	defaultDockerImage = "toolgate-runtime:latest"
	dockerPIDsLimit    = 64
)

// DockerConfig configures the container driver.
type DockerConfig struct {
	Image string // Runtime image the server command executes in.
}

// DockerDriver runs servers inside hardened, long-lived containers, speaking
// stdio through `docker run -i`. It is the portable fallback when native
// isolation is unavailable and the only driver that can cap CPU share.
//
// Hardening applied to every container:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with swap disabled (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - Network disabled unless the policy allows it (--network=none)
type DockerDriver struct {
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerDriver creates the container driver.
func NewDockerDriver(cfg DockerConfig, logger *slog.Logger) *DockerDriver {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DockerDriver{cfg: cfg, logger: logger}
}

func (d *DockerDriver) Kind() config.DriverKind { return config.DriverDocker }

func (d *DockerDriver) Available() bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// Enforces: the container runtime covers every constraint in the policy.
func (d *DockerDriver) Enforces(config.SandboxPolicy) error { return nil }

func (d *DockerDriver) Spawn(_ context.Context, def config.ServerDefinition) (*Process, error) {
	scratch, err := os.MkdirTemp("", "toolgate-"+def.Name+"-*")
	if err != nil {
		return nil, &SpawnError{Server: def.Name, Reason: err}
	}

	container, err := containerName(def.Name)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, &SpawnError{Server: def.Name, Reason: err}
	}

	argv := d.dockerArgv(container, def)

	d.logger.Info("spawning in container",
		slog.String("server", def.Name),
		slog.String("container", container),
		slog.String("image", d.cfg.Image),
	)

	// The docker CLI inherits only what it needs; the *container* environment
	// is set via --env flags in dockerArgv.
	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + scratch}
	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		env = append(env, "DOCKER_HOST="+dockerHost)
	}

	proc, err := launch(def.Name, argv, env, "", scratch, d.logger)
	if err != nil {
		return nil, err
	}
	// Safety net in case --rm does not fire (OOM kill, daemon restart).
	proc.cleanup = func() { d.forceRemove(container) }
	return proc, nil
}

// dockerArgv builds the docker run command line for a long-lived stdio server.
func (d *DockerDriver) dockerArgv(container string, def config.ServerDefinition) []string {
	policy := def.Sandbox

	argv := []string{
		"docker", "run", "--rm", "-i",
		"--name", container,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",
		"--pids-limit=" + strconv.Itoa(dockerPIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", "/home/sandbox",
	}

	if policy.MaxMemoryMB > 0 {
		mem := strconv.FormatUint(policy.MaxMemoryMB, 10) + "m"
		argv = append(argv, "--memory="+mem, "--memory-swap="+mem)
	}
	if policy.MaxCPUPercent > 0 {
		cpus := strconv.FormatFloat(float64(policy.MaxCPUPercent)/100.0, 'f', 2, 64)
		argv = append(argv, "--cpus="+cpus)
	}

	switch fs := policy.FilesystemOrDefault(); fs.Access {
	case config.FilesystemFull:
		// Root stays writable inside the container; nothing from the host
		// is mounted.
	case config.FilesystemReadOnly:
		argv = append(argv, "--read-only")
	case config.FilesystemPaths:
		argv = append(argv, "--read-only")
		for _, p := range fs.Paths {
			argv = append(argv, "--volume", p+":"+p)
		}
	}

	if policy.Network {
		argv = append(argv, "--network=bridge")
	} else {
		argv = append(argv, "--network=none")
	}

	if policy.InheritEnv {
		// Inheritance crosses into the container explicitly, never implicitly.
		for _, kv := range os.Environ() {
			argv = append(argv, "--env", kv)
		}
	}
	for k, v := range def.Env {
		argv = append(argv, "--env", k+"="+os.ExpandEnv(v))
	}

	argv = append(argv, d.cfg.Image, def.Command)
	argv = append(argv, def.Args...)
	return argv
}

// forceRemove removes the container by name. Best effort — "No such
// container" is the expected outcome when --rm already cleaned up.
func (d *DockerDriver) forceRemove(container string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", container).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		d.logger.Warn("docker rm -f failed",
			slog.String("container", container),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// containerName returns a unique name: toolgate-<server>-<12 hex chars>.
func containerName(server string) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("toolgate-%s-%s", server, hex.EncodeToString(b)), nil
}
