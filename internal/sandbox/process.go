package sandbox

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is the handle to one spawned server. It is exclusively owned by the
// managed server that spawned it — no other component signals or reaps it.
//
// Security properties shared by every driver:
//   - The child runs in its own process group (Setpgid); Terminate kills the
//     whole group so grandchildren cannot outlive the server.
//   - Each process gets a private scratch directory as HOME/TMPDIR, removed
//     after exit.
//   - stderr is drained continuously into the logger so the child can never
//     block on a full pipe.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	scratchDir string
	cleanup    func() // Driver-specific post-exit cleanup (e.g. docker rm -f).

	done     chan struct{}
	waitOnce sync.Once
	waitErr  error
}

// launch starts argv with the prepared environment and wires the pipes.
// Shared by every driver; the argv is already wrapped in whatever isolation
// mechanism the driver uses.
func launch(name string, argv []string, env []string, dir string, scratchDir string, logger *slog.Logger) (*Process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir

	// Process group isolation — Terminate signals the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Server: name, Reason: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Server: name, Reason: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Server: name, Reason: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Server: name, Reason: err}
	}

	p := &Process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		logger:     logger,
		scratchDir: scratchDir,
		done:       make(chan struct{}),
	}

	go p.drainStderr(name, stderr)
	go p.wait()

	logger.Info("process spawned",
		slog.String("server", name),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Stdin is the child's write side. Closed by Terminate.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the child's read side.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait result. Only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Alive reports whether the child has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate asks the process group to exit, waits up to grace, then kills the
// group. Idempotent and safe on an already-dead process.
func (p *Process) Terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	// Closing stdin is the polite MCP shutdown signal.
	_ = p.stdin.Close()
	p.signalGroup(syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(grace):
		p.logger.Warn("process ignored SIGTERM, killing group",
			slog.Int("pid", p.cmd.Process.Pid),
			slog.Duration("grace", grace),
		)
		p.signalGroup(syscall.SIGKILL)
		<-p.done
	}
}

// signalGroup signals the child's whole process group. Negative PID = group.
func (p *Process) signalGroup(sig syscall.Signal) {
	_ = syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *Process) wait() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.waitErr = err

		if p.cleanup != nil {
			p.cleanup()
		}
		if p.scratchDir != "" {
			if rmErr := os.RemoveAll(p.scratchDir); rmErr != nil {
				p.logger.Warn("failed to remove scratch dir",
					slog.String("dir", p.scratchDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}

		close(p.done)
	})
}

// drainStderr forwards the child's stderr line by line so diagnostics are
// visible without letting the pipe fill up.
func (p *Process) drainStderr(name string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("server stderr",
			slog.String("server", name),
			slog.String("line", scanner.Text()),
		)
	}
}
