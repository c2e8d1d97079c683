package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate-io/toolgate/internal/protocol"
)

// maxLineBytes caps a single newline-delimited message. Large tool results
// fit comfortably; anything bigger indicates a misbehaving server.
const maxLineBytes = 10 * 1024 * 1024

// Stdio speaks newline-delimited JSON-RPC over a pair of byte streams,
// normally a sandboxed process's stdin and stdout. The reader goroutine is the
// only consumer of r; writes are serialized so concurrent callers never
// interleave frames.
type Stdio struct {
	name    string
	w       io.WriteCloser
	writeMu sync.Mutex

	pending *pendingTable
	notes   chan protocol.Request
	timeout time.Duration
	logger  *slog.Logger

	done     chan struct{}
	downOnce sync.Once
}

// NewStdio wraps the byte streams and starts the reader goroutine. The
// transport takes ownership of w and closes it on Close; r is read until EOF
// or error, which counts as connection loss.
func NewStdio(name string, w io.WriteCloser, r io.Reader, logger *slog.Logger, opts Options) *Stdio {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Stdio{
		name:    name,
		w:       w,
		pending: newPendingTable(),
		notes:   make(chan protocol.Request, notificationBuffer),
		timeout: opts.timeout(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

func (t *Stdio) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if !req.ID.Valid() {
		return nil, fmt.Errorf("request %q has no id", req.Method)
	}
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.writeFrame(req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}
	return t.await(ctx, req, ch)
}

func (t *Stdio) Notify(_ context.Context, note *protocol.Request) error {
	if note.ID.Valid() {
		return fmt.Errorf("notification %q must not carry an id", note.Method)
	}
	return t.writeFrame(note)
}

func (t *Stdio) Notifications() <-chan protocol.Request { return t.notes }

func (t *Stdio) Done() <-chan struct{} { return t.done }

// Close shuts the write side and resolves every in-flight call with ErrClosed.
// The reader drains until the peer's stream ends.
func (t *Stdio) Close() error {
	t.teardown()
	return nil
}

func (t *Stdio) teardown() {
	t.downOnce.Do(func() {
		t.pending.closeAll()
		close(t.done)
		t.w.Close()
	})
}

func (t *Stdio) writeFrame(msg *protocol.Request) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", msg.Method, err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (t *Stdio) await(ctx context.Context, req *protocol.Request, ch chan *protocol.Response) (*protocol.Response, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C:
		t.pending.remove(req.ID)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Method, t.timeout)
	case <-ctx.Done():
		t.pending.remove(req.ID)
		return nil, ctx.Err()
	}
}

// readLoop parses one message per line and routes it: responses to their
// waiters, everything with a method to the notifications channel. Malformed
// lines are logged and skipped so one bad frame cannot wedge the connection.
func (t *Stdio) readLoop(r io.Reader) {
	defer func() {
		t.teardown()
		close(t.notes)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("stdout stream ended",
			slog.String("server", t.name),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Stdio) dispatch(line []byte) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		t.logger.Warn("malformed message from server",
			slog.String("server", t.name),
			slog.String("error", err.Error()),
		)
		return
	}

	if probe.Method != "" {
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			t.logger.Warn("malformed request from server",
				slog.String("server", t.name),
				slog.String("error", err.Error()),
			)
			return
		}
		select {
		case t.notes <- req:
		default:
			t.logger.Warn("notification dropped, consumer too slow",
				slog.String("server", t.name),
				slog.String("method", req.Method),
			)
		}
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("malformed response from server",
			slog.String("server", t.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !t.pending.deliver(&resp) {
		// Usually a response that lost the race with its timeout.
		t.logger.Debug("discarding unmatched response",
			slog.String("server", t.name),
			slog.String("id", resp.ID.String()),
		)
	}
}
