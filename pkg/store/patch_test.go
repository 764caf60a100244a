package store

import (
	"encoding/json"
	"testing"
	"time"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return m
}

func TestApplyPatch(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	offline := Patch{
		Remove:  map[string][]string{"connections": {"c1"}},
		Set:     map[string]any{"lastSeen": ServerTimestamp},
		Guard:   "connections",
		IfEmpty: map[string]any{"online": false, "status": "offline"},
	}

	tests := []struct {
		name       string
		doc        string
		patch      Patch
		wantOnline any
		wantConns  int
	}{
		{
			name:       "union into empty document",
			doc:        "",
			patch:      Patch{Set: map[string]any{"online": true}, Union: map[string][]string{"connections": {"c1"}}},
			wantOnline: true,
			wantConns:  1,
		},
		{
			name:       "removing last connection flips offline",
			doc:        `{"online":true,"status":"busy","connections":{"c1":true}}`,
			patch:      offline,
			wantOnline: false,
			wantConns:  0,
		},
		{
			name:       "other connection keeps user online",
			doc:        `{"online":true,"status":"busy","connections":{"c1":true,"c2":true}}`,
			patch:      offline,
			wantOnline: true,
			wantConns:  1,
		},
		{
			name:       "removal is idempotent",
			doc:        `{"online":false,"status":"offline","connections":{}}`,
			patch:      offline,
			wantOnline: false,
			wantConns:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ApplyPatch([]byte(tt.doc), tt.patch, now)
			if err != nil {
				t.Fatalf("ApplyPatch: %v", err)
			}
			m := decode(t, out)
			if m["online"] != tt.wantOnline {
				t.Errorf("online = %v, want %v", m["online"], tt.wantOnline)
			}
			conns, _ := m["connections"].(map[string]any)
			if len(conns) != tt.wantConns {
				t.Errorf("connections = %v, want %d entries", conns, tt.wantConns)
			}
		})
	}
}

func TestApplyPatchResolvesServerTimestamp(t *testing.T) {
	now := time.UnixMilli(1_700_000_123_456)

	// Round-trip through JSON the way a stored compensating mutation does.
	raw, err := json.Marshal(Patch{Set: map[string]any{"lastSeen": ServerTimestamp}})
	if err != nil {
		t.Fatal(err)
	}
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatal(err)
	}

	out, err := ApplyPatch(nil, p, now)
	if err != nil {
		t.Fatal(err)
	}
	m := decode(t, out)
	if got := int64(m["lastSeen"].(float64)); got != now.UnixMilli() {
		t.Errorf("lastSeen = %d, want %d", got, now.UnixMilli())
	}
}

func TestPaths(t *testing.T) {
	if got := Join("presence", "", "/u1/"); got != "presence/u1" {
		t.Errorf("Join = %q", got)
	}
	if got := Parent("typing/c1/u1"); got != "typing/c1" {
		t.Errorf("Parent = %q", got)
	}
	if got := Base("typing/c1/u1"); got != "u1" {
		t.Errorf("Base = %q", got)
	}
	if got := Base("presence"); got != "presence" {
		t.Errorf("Base of single segment = %q", got)
	}
	if got := len(Split("/a/b/c/")); got != 3 {
		t.Errorf("Split len = %d", got)
	}
}
