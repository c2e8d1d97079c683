package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolgate-io/toolgate/internal/protocol"
)

// fakeServer is the peer side of a stdio transport: it reads requests from
// the transport's write pipe and answers on the transport's read pipe.
type fakeServer struct {
	in  *bufio.Scanner // what the transport wrote
	out io.WriteCloser // feeds the transport's reader
}

func newStdioPair(t *testing.T, opts Options) (*Stdio, *fakeServer) {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	tr := NewStdio("fs", toServerW, toClientR, nil, opts)
	t.Cleanup(func() { tr.Close() })

	sc := bufio.NewScanner(toServerR)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return tr, &fakeServer{in: sc, out: toClientW}
}

func (s *fakeServer) readRequest(t *testing.T) *protocol.Request {
	t.Helper()
	if !s.in.Scan() {
		t.Fatalf("reading request: %v", s.in.Err())
	}
	var req protocol.Request
	if err := json.Unmarshal(s.in.Bytes(), &req); err != nil {
		t.Fatalf("parsing request: %v", err)
	}
	return &req
}

func (s *fakeServer) writeRaw(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(s.out, line+"\n"); err != nil {
		t.Fatalf("writing to transport: %v", err)
	}
}

func (s *fakeServer) respond(t *testing.T, id protocol.RequestID, result any) {
	t.Helper()
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	s.writeRaw(t, string(data))
}

func TestStdioCallRoundTrip(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	go func() {
		req := srv.readRequest(t)
		srv.respond(t, req.ID, map[string]string{"status": "ok"})
	}()

	req, err := protocol.NewRequest("tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := tr.Call(context.Background(), req)
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}
	if resp.ID != req.ID {
		t.Fatalf("response id = %s, want %s", resp.ID, req.ID)
	}
	if !strings.Contains(string(resp.Result), `"ok"`) {
		t.Fatalf("result = %s", resp.Result)
	}
}

func TestStdioConcurrentCorrelation(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	const n = 100

	// Echo server: answers each request with its own method name, so a
	// misrouted response is detectable by the caller.
	go func() {
		for i := 0; i < n; i++ {
			req := srv.readRequest(t)
			srv.respond(t, req.ID, map[string]string{"method": req.Method})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			method := fmt.Sprintf("tools/call/%d", i)
			req, err := protocol.NewRequest(method, nil)
			if err != nil {
				errs <- err
				return
			}
			resp, err := tr.Call(context.Background(), req)
			if err != nil {
				errs <- fmt.Errorf("%s: %w", method, err)
				return
			}
			var got struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				errs <- err
				return
			}
			if got.Method != method {
				errs <- fmt.Errorf("response for %s carried %s", method, got.Method)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStdioTimeoutThenLateResponse(t *testing.T) {
	tr, srv := newStdioPair(t, Options{Timeout: 50 * time.Millisecond})

	release := make(chan protocol.RequestID, 1)
	go func() {
		req := srv.readRequest(t)
		release <- req.ID
	}()

	req, err := protocol.NewRequest("tools/call", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Call(context.Background(), req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() = %v, want ErrTimeout", err)
	}
	if got := tr.pending.size(); got != 0 {
		t.Fatalf("pending size after timeout = %d, want 0", got)
	}

	// The late response is discarded, and the transport keeps working.
	srv.respond(t, <-release, "late")

	go func() {
		req := srv.readRequest(t)
		srv.respond(t, req.ID, "fresh")
	}()
	req2, err := protocol.NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Call(context.Background(), req2); err != nil {
		t.Fatalf("Call() after late response = %v", err)
	}
}

func TestStdioContextCancel(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	go func() { srv.readRequest(t) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	req, err := protocol.NewRequest("tools/call", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Call(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() = %v, want context.Canceled", err)
	}
	if got := tr.pending.size(); got != 0 {
		t.Fatalf("pending size after cancel = %d, want 0", got)
	}
}

func TestStdioMalformedLineSkipped(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	go func() {
		srv.writeRaw(t, "this is not json")
		srv.writeRaw(t, `{"jsonrpc":"2.0"`)
		req := srv.readRequest(t)
		srv.respond(t, req.ID, "ok")
	}()

	req, err := protocol.NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Call(context.Background(), req); err != nil {
		t.Fatalf("Call() = %v, want garbage tolerated", err)
	}
}

func TestStdioCloseResolvesWaiters(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	go func() { srv.readRequest(t) }()

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

	time.Sleep(20 * time.Millisecond)
	tr.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() after Close = %v, want ErrClosed", err)
	}

	// Done fires and further calls fail fast.
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not fire after Close")
	}
	req, err := protocol.NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Call(context.Background(), req); !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() on closed transport = %v, want ErrClosed", err)
	}
}

func TestStdioPeerEOF(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

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

	srv.readRequest(t)
	srv.out.Close() // server exits, its stdout hits EOF

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() across peer EOF = %v, want ErrClosed", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not fire after peer EOF")
	}
	// Notifications channel drains to closed.
	if _, open := <-tr.Notifications(); open {
		t.Fatal("Notifications() still open after peer EOF")
	}
}

func TestStdioNotificationDelivery(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	srv.writeRaw(t, `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	select {
	case note := <-tr.Notifications():
		if note.Method != "notifications/tools/list_changed" {
			t.Fatalf("method = %s", note.Method)
		}
		if !note.IsNotification() {
			t.Fatal("server notification should carry no id")
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestStdioNotifyOmitsID(t *testing.T) {
	tr, srv := newStdioPair(t, Options{})

	note, err := protocol.NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatal(err)
	}

	wrote := make(chan string, 1)
	go func() {
		srv.in.Scan()
		wrote <- srv.in.Text()
	}()

	if err := tr.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify() = %v", err)
	}
	line := <-wrote
	if strings.Contains(line, `"id"`) {
		t.Fatalf("notification frame carries an id: %s", line)
	}

	req, err := protocol.NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Notify(context.Background(), req); err == nil {
		t.Fatal("Notify() accepted a request with an id")
	}
}
