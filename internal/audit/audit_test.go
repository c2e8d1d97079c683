package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgate-io/toolgate/internal/events"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("malformed audit line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestWriteAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.Request("fs", "tools/call", "client-1", "42", "ok")
	l.Request("fs", "tools/call", "client-1", "43", "error")

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Kind != "request" || entries[0].Server != "fs" || entries[0].Outcome != "ok" {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("audit file mode = %o, want 0600", perm)
	}
}

func TestConsumeMirrorsBusEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	bus := events.NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Consume(ctx, bus)
		close(done)
	}()

	bus.Publish(events.Event{Type: events.TypeSpawnDenied, Server: "fs", Detail: "no driver"})
	bus.Publish(events.Event{
		Type:    events.TypeReloadApplied,
		Applied: []string{"fs"},
		Failed:  map[string]string{"web": "dial failed"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries := readEntries(t, path)
		if len(entries) >= 2 {
			if entries[0].Kind != string(events.TypeSpawnDenied) || entries[0].Detail != "no driver" {
				t.Fatalf("first entry = %+v", entries[0])
			}
			if entries[1].Failed["web"] != "dial failed" {
				t.Fatalf("second entry = %+v", entries[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entries = %d, want 2", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not stop on context cancel")
	}
}
