package presence

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/store"
	"github.com/example/nats-chat-sync/pkg/store/memstore"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func readRecord(t *testing.T, mem *memstore.Memory, userID string) *Record {
	t.Helper()
	rec, err := decodeRecord(mem.Snapshot(Path(userID)))
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

type recordingStore struct {
	store.Store
	ops     []string
	hookErr error
	// failHook limits hookErr to hooks whose path has this prefix.
	failHook string
	putErr   error
}

func (r *recordingStore) OnDisconnect(ctx context.Context, m store.Mutation) error {
	r.ops = append(r.ops, "hook "+m.Path)
	if r.hookErr != nil && strings.HasPrefix(m.Path, r.failHook) {
		return r.hookErr
	}
	return r.Store.OnDisconnect(ctx, m)
}

func (r *recordingStore) Put(ctx context.Context, path string, value []byte) error {
	r.ops = append(r.ops, "put "+path)
	if r.putErr != nil {
		return r.putErr
	}
	return r.Store.Put(ctx, path, value)
}

func (r *recordingStore) Update(ctx context.Context, path string, p store.Patch) error {
	r.ops = append(r.ops, "update "+path)
	return r.Store.Update(ctx, path, p)
}

func TestRegisterInstallsHooksBeforeAnnouncing(t *testing.T) {
	mem := memstore.New(clock.Fake(t0))
	rs := &recordingStore{Store: mem.Connect()}
	reg := NewRegistry(rs)

	connID, err := reg.Register(context.Background(), "u1", nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"hook presence/u1",
		"hook connections/u1/" + connID,
		"put connections/u1/" + connID,
		"update presence/u1",
	}
	if strings.Join(rs.ops, "|") != strings.Join(want, "|") {
		t.Fatalf("ops = %v, want %v", rs.ops, want)
	}
}

func TestRegisterWithoutHooksNeverAnnounces(t *testing.T) {
	mem := memstore.New(clock.Fake(t0))
	rs := &recordingStore{Store: mem.Connect(), hookErr: errors.New("permission denied")}

	if _, err := NewRegistry(rs).Register(context.Background(), "u1", nil); err == nil {
		t.Fatal("Register succeeded without disconnect hooks")
	}
	if rec := readRecord(t, mem, "u1"); rec != nil {
		t.Errorf("presence written: %+v", rec)
	}
	if conns := mem.Children(ConnectionsPath("u1")); len(conns) != 0 {
		t.Errorf("connection entries left behind: %v", conns)
	}
}

func TestRegisterFailureLeavesNothingBehind(t *testing.T) {
	tests := []struct {
		name string
		rs   func(*memstore.Client) *recordingStore
	}{
		{"second hook rejected", func(c *memstore.Client) *recordingStore {
			return &recordingStore{Store: c, hookErr: errors.New("permission denied"), failHook: "connections/"}
		}},
		{"entry write rejected", func(c *memstore.Client) *recordingStore {
			return &recordingStore{Store: c, putErr: errors.New("permission denied")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memstore.New(clock.Fake(t0))
			c := mem.Connect()

			if _, err := NewRegistry(tt.rs(c)).Register(context.Background(), "u1", nil); err == nil {
				t.Fatal("Register succeeded")
			}
			if hooks := c.Hooks(); len(hooks) != 0 {
				t.Errorf("hooks left installed: %+v", hooks)
			}
			if conns := mem.Children(ConnectionsPath("u1")); len(conns) != 0 {
				t.Errorf("connection entries left behind: %v", conns)
			}
			if rec := readRecord(t, mem, "u1"); rec != nil {
				t.Errorf("presence written: %+v", rec)
			}
		})
	}
}

func TestReannounceWithdrawsOldHooks(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))
	c := mem.Connect()
	tr := NewTracker(c, Profile{})
	if _, err := tr.Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	var connID string
	for i := 0; i < 5; i++ {
		id, err := tr.Reannounce(ctx)
		if err != nil {
			t.Fatal(err)
		}
		connID = id
	}

	hooks := c.Hooks()
	if len(hooks) != 2 {
		t.Fatalf("%d hooks installed after reannouncing, want 2: %+v", len(hooks), hooks)
	}
	for _, h := range hooks {
		if h.Tag != connID {
			t.Errorf("hook on %s belongs to %s, want %s", h.Path, h.Tag, connID)
		}
	}

	if err := tr.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if hooks := c.Hooks(); len(hooks) != 0 {
		t.Errorf("hooks left after Stop: %+v", hooks)
	}
}

type tab struct {
	client  *memstore.Client
	tracker *Tracker
}

func TestOnlineMatchesConnections(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	mem := memstore.New(clk)
	rng := rand.New(rand.NewSource(7))

	tabs := make([]*tab, 4)
	for step := 0; step < 200; step++ {
		i := rng.Intn(len(tabs))
		switch {
		case tabs[i] == nil:
			c := mem.Connect()
			tr := NewTracker(c, Profile{Nickname: "Ana"})
			if _, err := tr.Start(ctx, "u1"); err != nil {
				t.Fatal(err)
			}
			tabs[i] = &tab{client: c, tracker: tr}
		case rng.Intn(4) == 0:
			statuses := []Status{StatusOnline, StatusAway, StatusBusy, StatusOffline}
			tabs[i].tracker.SetStatus(ctx, statuses[rng.Intn(len(statuses))])
		case rng.Intn(2) == 0:
			if err := tabs[i].tracker.Stop(ctx); err != nil {
				t.Fatal(err)
			}
			tabs[i].client.Close()
			tabs[i] = nil
		default:
			tabs[i].client.Kill()
			tabs[i] = nil
		}
		clk.Advance(time.Second)

		rec := readRecord(t, mem, "u1")
		if rec == nil {
			t.Fatalf("step %d: record missing", step)
		}
		if rec.Online != (len(rec.Connections) > 0) {
			t.Fatalf("step %d: online=%v with connections %v\n%s", step, rec.Online, rec.Connections, mem.Dump())
		}
		live := 0
		for _, tb := range tabs {
			if tb != nil {
				live++
			}
		}
		if len(rec.Connections) != live {
			t.Fatalf("step %d: %d connections recorded, %d live", step, len(rec.Connections), live)
		}
	}
}

func TestKilledConnectionGoesOffline(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	mem := memstore.New(clk)
	c := mem.Connect()

	tr := NewTracker(c, Profile{})
	connID, err := tr.Start(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec := readRecord(t, mem, "u1"); !rec.Online || rec.EffectiveStatus() != StatusOnline {
		t.Fatalf("after register: %+v", rec)
	}

	clk.Advance(time.Minute)
	c.Kill()

	rec := readRecord(t, mem, "u1")
	if rec.Online || rec.Status != StatusOffline || len(rec.Connections) != 0 {
		t.Fatalf("after kill: %+v", rec)
	}
	if rec.LastSeen != clk.Now().UnixMilli() {
		t.Errorf("lastSeen = %d, want %d", rec.LastSeen, clk.Now().UnixMilli())
	}
	if mem.Snapshot(store.Join(ConnectionsPath("u1"), connID)) != nil {
		t.Error("connection entry survived the disconnect")
	}
}

func TestSecondTabKeepsUserOnline(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))
	a, b := mem.Connect(), mem.Connect()

	if _, err := NewTracker(a, Profile{}).Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTracker(b, Profile{}).Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	a.Kill()
	if rec := readRecord(t, mem, "u1"); !rec.Online || len(rec.Connections) != 1 {
		t.Fatalf("one tab left: %+v", rec)
	}
	b.Kill()
	if rec := readRecord(t, mem, "u1"); rec.Online {
		t.Fatalf("no tab left: %+v", rec)
	}
}

func TestSetStatusKeepsConnections(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))
	tr := NewTracker(mem.Connect(), Profile{})
	if _, err := tr.Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		status    Status
		effective Status
	}{
		{StatusBusy, StatusBusy},
		{StatusAway, StatusAway},
		{StatusOffline, StatusOffline},
		{StatusOnline, StatusOnline},
	}
	for _, tt := range tests {
		if err := tr.SetStatus(ctx, tt.status); err != nil {
			t.Fatal(err)
		}
		rec := readRecord(t, mem, "u1")
		if !rec.Online || len(rec.Connections) != 1 {
			t.Errorf("%s: connections dropped: %+v", tt.status, rec)
		}
		if got := rec.EffectiveStatus(); got != tt.effective {
			t.Errorf("%s: EffectiveStatus = %s, want %s", tt.status, got, tt.effective)
		}
	}
}

func TestStatusSurvivesReannounce(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))
	tr := NewTracker(mem.Connect(), Profile{Nickname: "Ana"})
	first, err := tr.Start(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	tr.SetStatus(ctx, StatusBusy)

	second, err := tr.Reannounce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("Reannounce reused the connection id")
	}

	rec := readRecord(t, mem, "u1")
	if len(rec.Connections) != 1 || !rec.Connections[second] {
		t.Errorf("connections = %v, want only %s", rec.Connections, second)
	}
	if rec.Status != StatusBusy || rec.Nickname != "Ana" {
		t.Errorf("record = %+v", rec)
	}
}

func TestWatchAllStreamsChanges(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))
	watcher := NewTracker(mem.Connect(), Profile{})

	if _, err := NewTracker(mem.Connect(), Profile{}).Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	got := map[string]*Record{}
	sub, err := watcher.WatchAll(ctx, func(userID string, rec *Record) {
		got[userID] = rec
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if got["u1"] == nil || !got["u1"].Online {
		t.Fatalf("existing record not replayed: %+v", got)
	}

	u2 := mem.Connect()
	if _, err := NewTracker(u2, Profile{}).Start(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if got["u2"] == nil || !got["u2"].Online {
		t.Fatalf("u2 online not streamed: %+v", got["u2"])
	}

	u2.Kill()
	if got["u2"] == nil || got["u2"].Online {
		t.Fatalf("u2 offline not streamed: %+v", got["u2"])
	}

	admin := mem.Connect()
	admin.Delete(ctx, Path("u2"))
	if rec, ok := got["u2"]; !ok || rec != nil {
		t.Errorf("removal should deliver nil, got %+v", rec)
	}
}

func TestWatchOne(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))

	var seen []*Record
	sub, err := NewTracker(mem.Connect(), Profile{}).WatchOne(ctx, "u1", func(rec *Record) {
		seen = append(seen, rec)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if len(seen) != 1 || seen[0] != nil {
		t.Fatalf("initial delivery = %v, want [nil]", seen)
	}
	if _, err := NewTracker(mem.Connect(), Profile{}).Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if last := seen[len(seen)-1]; last == nil || !last.Online {
		t.Fatalf("online not observed: %v", last)
	}
}

func TestRecordJSON(t *testing.T) {
	raw := `{"online":true,"status":"away","lastSeen":1709283600000,"connections":{"c1":true}}`
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.EffectiveStatus() != StatusAway || !rec.LastSeenTime().Equal(t0) {
		t.Errorf("decoded %+v", rec)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q): %v", s, err)
		}
	}
	if _, err := ParseStatus("invisible"); err == nil {
		t.Error("ParseStatus accepted an unknown status")
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New(clock.Fake(t0))
	c := mem.Connect()

	rec, err := Lookup(ctx, c, "nobody")
	if err != nil || rec != nil {
		t.Fatalf("unknown user: %+v, %v", rec, err)
	}
	if _, err := NewTracker(c, Profile{Nickname: "Ana"}).Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	rec, err = Lookup(ctx, c, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.Online || rec.Nickname != "Ana" {
		t.Errorf("record = %+v", rec)
	}
}
