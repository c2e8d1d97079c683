package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want RequestID
	}{
		{"number", `7`, NumberID(7)},
		{"string", `"abc-123"`, StringID("abc-123")},
		{"null", `null`, RequestID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id RequestID
			if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if id != tt.want {
				t.Fatalf("got %v, want %v", id, tt.want)
			}
			out, err := json.Marshal(id)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(out) != tt.in {
				t.Errorf("round trip = %s, want %s", out, tt.in)
			}
		})
	}
}

func TestRequestIDRejectsFloatsAndObjects(t *testing.T) {
	for _, in := range []string{`1.5`, `{}`, `[1]`, `true`} {
		var id RequestID
		if err := json.Unmarshal([]byte(in), &id); err == nil {
			t.Errorf("unmarshal %s: expected error", in)
		}
	}
}

func TestNotificationHasNoID(t *testing.T) {
	req, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !req.IsNotification() {
		t.Fatal("expected notification")
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification must not carry an id: %s", data)
	}
}

func TestNewRequestAssignsUniqueIDs(t *testing.T) {
	a, err := NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !a.ID.Valid() || !b.ID.Valid() {
		t.Fatal("request ids must be valid")
	}
	if a.ID == b.ID {
		t.Errorf("ids must be unique, both were %v", a.ID)
	}
}

func TestResponseParsing(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != NumberID(1) {
		t.Errorf("id = %v, want 1", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}

	line = `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"method not found"}}`
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v, want method-not-found", resp.Error)
	}
}
