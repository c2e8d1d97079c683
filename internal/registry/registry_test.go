package registry

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
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/protocol"
	"github.com/toolgate-io/toolgate/internal/server"
)

// fakeMCPServer speaks just enough MCP to pass the handshake and answer
// requests with its own declared name.
func fakeMCPServer(t *testing.T, implName string) *httptest.Server {
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
			if err := json.Unmarshal(data, &req); err != nil || req.IsNotification() {
				continue
			}

			var resp *protocol.Response
			if req.Method == "initialize" {
				resp, _ = protocol.NewResponse(req.ID, mcp.InitializeResult{
					ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
					ServerInfo:      mcp.Implementation{Name: implName, Version: "1.0.0"},
				})
			} else {
				resp, _ = protocol.NewResponse(req.ID, map[string]string{"answered_by": implName})
			}
			out, _ := json.Marshal(resp)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
}

func wsDef(name string, srv *httptest.Server, tags ...string) config.ServerDefinition {
	return config.ServerDefinition{
		Name:      name,
		Transport: config.TransportWebSocket,
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Tags:      tags,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAddGetRemove(t *testing.T) {
	srv := fakeMCPServer(t, "fake-fs")
	defer srv.Close()

	bus := events.NewBus(nil)
	sub, cancel := bus.Subscribe()
	defer cancel()

	reg := New(nil, bus, nil, server.Options{})
	t.Cleanup(reg.StopAll)

	if err := reg.Add(testContext(t), wsDef("fs", srv, "files")); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if ev := <-sub; ev.Type != events.TypeServerAdded || ev.Server != "fs" {
		t.Fatalf("event = %+v, want server.added fs", ev)
	}

	m, ok := reg.Get("fs")
	if !ok {
		t.Fatal("Get() did not find added server")
	}
	if m.State() != server.StateRunning {
		t.Fatalf("State() = %s, want running", m.State())
	}

	if err := reg.Remove("fs"); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	if ev := <-sub; ev.Type != events.TypeServerRemoved || ev.Server != "fs" {
		t.Fatalf("event = %+v, want server.removed fs", ev)
	}
	if _, ok := reg.Get("fs"); ok {
		t.Fatal("server still present after Remove")
	}
	if err := reg.Remove("fs"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove() = %v, want ErrNotFound", err)
	}
}

func TestAddDuplicateName(t *testing.T) {
	srv := fakeMCPServer(t, "fake-fs")
	defer srv.Close()

	reg := New(nil, events.NewBus(nil), nil, server.Options{})
	t.Cleanup(reg.StopAll)

	ctx := testContext(t)
	if err := reg.Add(ctx, wsDef("fs", srv)); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if err := reg.Add(ctx, wsDef("fs", srv)); err == nil {
		t.Fatal("Add() accepted a duplicate name")
	}
}

func TestAddFailedServerNotRegistered(t *testing.T) {
	reg := New(nil, events.NewBus(nil), nil, server.Options{})

	def := config.ServerDefinition{
		Name:      "dead",
		Transport: config.TransportWebSocket,
		URL:       "ws://127.0.0.1:1/mcp",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Add(ctx, def); err == nil {
		t.Fatal("Add() succeeded against a dead endpoint")
	}
	if _, ok := reg.Get("dead"); ok {
		t.Fatal("failed server was registered")
	}
}

func TestRouteByName(t *testing.T) {
	srv := fakeMCPServer(t, "fake-fs")
	defer srv.Close()

	reg := New(nil, events.NewBus(nil), nil, server.Options{})
	t.Cleanup(reg.StopAll)

	ctx := testContext(t)
	if err := reg.Add(ctx, wsDef("fs", srv)); err != nil {
		t.Fatal(err)
	}

	req := &protocol.Request{JSONRPC: protocol.Version, ID: protocol.NumberID(1), Method: "tools/list"}
	resp, err := reg.Route(ctx, "fs", req)
	if err != nil {
		t.Fatalf("Route() = %v", err)
	}
	if !strings.Contains(string(resp.Result), "fake-fs") {
		t.Fatalf("result = %s", resp.Result)
	}

	if _, err := reg.Route(ctx, "ghost", req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Route(ghost) = %v, want ErrNotFound", err)
	}
}

func TestRouteByTag(t *testing.T) {
	fsSrv := fakeMCPServer(t, "fake-fs")
	defer fsSrv.Close()
	searchSrv := fakeMCPServer(t, "fake-search")
	defer searchSrv.Close()

	reg := New(nil, events.NewBus(nil), nil, server.Options{})
	t.Cleanup(reg.StopAll)

	ctx := testContext(t)
	if err := reg.Add(ctx, wsDef("fs", fsSrv, "files", "local")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(ctx, wsDef("search", searchSrv, "web")); err != nil {
		t.Fatal(err)
	}

	req := &protocol.Request{JSONRPC: protocol.Version, ID: protocol.NumberID(1), Method: "tools/list"}

	resp, err := reg.RouteByTag(ctx, "web", req)
	if err != nil {
		t.Fatalf("RouteByTag(web) = %v", err)
	}
	if !strings.Contains(string(resp.Result), "fake-search") {
		t.Fatalf("tag web routed to %s", resp.Result)
	}

	if _, err := reg.RouteByTag(ctx, "gpu", req); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("RouteByTag(gpu) = %v, want ErrNoMatch", err)
	}

	if got := len(reg.ListByTag("local")); got != 1 {
		t.Fatalf("ListByTag(local) = %d servers, want 1", got)
	}
}

func TestStatusesAndStopAll(t *testing.T) {
	srv := fakeMCPServer(t, "fake-fs")
	defer srv.Close()

	reg := New(nil, events.NewBus(nil), nil, server.Options{})

	ctx := testContext(t)
	if err := reg.Add(ctx, wsDef("b", srv)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(ctx, wsDef("a", srv)); err != nil {
		t.Fatal(err)
	}

	sts := reg.Statuses()
	if len(sts) != 2 || sts[0].Name != "a" || sts[1].Name != "b" {
		t.Fatalf("Statuses() = %+v, want a then b", sts)
	}

	reg.StopAll()
	if len(reg.Names()) != 0 {
		t.Fatal("registry not empty after StopAll")
	}
}
