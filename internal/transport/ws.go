package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/toolgate-io/toolgate/internal/protocol"
)

// WS speaks JSON-RPC over a WebSocket connection, one message per text frame.
// It serves remote tool servers that expose a WebSocket endpoint instead of a
// spawnable command.
type WS struct {
	name string
	conn *websocket.Conn

	pending *pendingTable
	notes   chan protocol.Request
	timeout time.Duration
	logger  *slog.Logger

	readCancel context.CancelFunc
	done       chan struct{}
	downOnce   sync.Once
}

// DialWS connects to the server's WebSocket endpoint and starts the reader.
func DialWS(ctx context.Context, name, url string, logger *slog.Logger, opts Options) (*WS, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"mcp"},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(maxLineBytes)

	readCtx, readCancel := context.WithCancel(context.Background())
	t := &WS{
		name:       name,
		conn:       conn,
		pending:    newPendingTable(),
		notes:      make(chan protocol.Request, notificationBuffer),
		timeout:    opts.timeout(),
		logger:     logger,
		readCancel: readCancel,
		done:       make(chan struct{}),
	}
	go t.readLoop(readCtx)
	return t, nil
}

func (t *WS) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if !req.ID.Valid() {
		return nil, fmt.Errorf("request %q has no id", req.Method)
	}
	ch, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}
	if err := t.writeFrame(ctx, req); err != nil {
		t.pending.remove(req.ID)
		return nil, err
	}

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

func (t *WS) Notify(ctx context.Context, note *protocol.Request) error {
	if note.ID.Valid() {
		return fmt.Errorf("notification %q must not carry an id", note.Method)
	}
	return t.writeFrame(ctx, note)
}

func (t *WS) Notifications() <-chan protocol.Request { return t.notes }

func (t *WS) Done() <-chan struct{} { return t.done }

func (t *WS) Close() error {
	t.teardown(websocket.StatusNormalClosure, "shutting down")
	return nil
}

func (t *WS) teardown(code websocket.StatusCode, reason string) {
	t.downOnce.Do(func() {
		t.pending.closeAll()
		close(t.done)
		t.readCancel()
		t.conn.Close(code, reason)
	})
}

func (t *WS) writeFrame(ctx context.Context, msg *protocol.Request) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", msg.Method, err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (t *WS) readLoop(ctx context.Context) {
	defer func() {
		t.teardown(websocket.StatusGoingAway, "read loop ended")
		close(t.notes)
	}()

	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			t.logger.Debug("websocket read ended",
				slog.String("server", t.name),
				slog.String("error", err.Error()),
			)
			return
		}
		t.dispatch(data)
	}
}

func (t *WS) dispatch(data []byte) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Warn("malformed message from server",
			slog.String("server", t.name),
			slog.String("error", err.Error()),
		)
		return
	}

	if probe.Method != "" {
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
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
	if err := json.Unmarshal(data, &resp); err != nil {
		t.logger.Warn("malformed response from server",
			slog.String("server", t.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !t.pending.deliver(&resp) {
		t.logger.Debug("discarding unmatched response",
			slog.String("server", t.name),
			slog.String("id", resp.ID.String()),
		)
	}
}
