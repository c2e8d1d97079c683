package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/toolgate-io/toolgate/internal/protocol"
)

// echoWSServer accepts one connection and answers every request with its own
// method name; notifications are swallowed.
func echoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"mcp"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if req.IsNotification() {
				continue
			}
			resp, err := protocol.NewResponse(req.ID, map[string]string{"method": req.Method})
			if err != nil {
				return
			}
			out, _ := json.Marshal(resp)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSCallRoundTrip(t *testing.T) {
	srv := echoWSServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := DialWS(ctx, "search", wsURL(srv), nil, Options{})
	if err != nil {
		t.Fatalf("DialWS() = %v", err)
	}
	defer tr.Close()

	req, err := protocol.NewRequest("tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := tr.Call(ctx, req)
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}
	if resp.ID != req.ID {
		t.Fatalf("response id = %s, want %s", resp.ID, req.ID)
	}
	if !strings.Contains(string(resp.Result), "tools/list") {
		t.Fatalf("result = %s", resp.Result)
	}
}

func TestWSServerGoneResolvesWaiters(t *testing.T) {
	var accepted = make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		// Hold the connection open until the test closes it.
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := DialWS(ctx, "search", wsURL(srv), nil, Options{})
	if err != nil {
		t.Fatalf("DialWS() = %v", err)
	}
	defer tr.Close()

	done := make(chan error, 1)
	go func() {
		req, err := protocol.NewRequest("tools/call", nil)
		if err != nil {
			done <- err
			return
		}
		_, err = tr.Call(context.Background(), req)
		done <- err
	}()

	conn := <-accepted
	time.Sleep(20 * time.Millisecond)
	conn.Close(websocket.StatusGoingAway, "server restarting")

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() across server close = %v, want ErrClosed", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not fire after server close")
	}
}

func TestWSDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DialWS(ctx, "search", "ws://127.0.0.1:1/mcp", nil, Options{})
	if err == nil {
		t.Fatal("DialWS() to a dead endpoint succeeded")
	}
}
