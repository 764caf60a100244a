package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/message"
	"github.com/example/nats-chat-sync/pkg/notify"
	"github.com/example/nats-chat-sync/pkg/presence"
	"github.com/example/nats-chat-sync/pkg/session"
	"github.com/example/nats-chat-sync/pkg/store/memstore"
	"github.com/example/nats-chat-sync/pkg/typing"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		name    string
		args    []string
		text    string
		wantErr bool
	}{
		{line: "hello there", name: "say", text: "hello there"},
		{line: "  /OPEN c1 ", name: "open", args: []string{"c1"}},
		{line: "/react m1 👍", name: "react", args: []string{"m1", "👍"}},
		{line: "/rename Weekend plans", name: "rename", args: []string{"Weekend", "plans"}, text: "Weekend plans"},
		{line: "/new team bob carol", name: "new", args: []string{"team", "bob", "carol"}},
		{line: "/quit", name: "quit", args: []string{}},
		{line: "/react m1", wantErr: true},
		{line: "/dance", wantErr: true},
		{line: "/", wantErr: true},
		{line: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := parseLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseLine(%q) = %+v, want error", tt.line, cmd)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cmd.name != tt.name || cmd.text != tt.text || strings.Join(cmd.args, " ") != strings.Join(tt.args, " ") {
				t.Errorf("parseLine(%q) = %+v", tt.line, cmd)
			}
		})
	}
}

func TestFormatMessage(t *testing.T) {
	sent := chat.Message{ID: "m1", TempID: "temp-1", SenderID: "u1", SenderNickname: "Ana", Content: "hi", CreatedAt: t0,
		Reactions: []chat.Reaction{{Emoji: "👍", UserID: "u2"}, {Emoji: "🎉", UserID: "u2"}, {Emoji: "👍", UserID: "u3"}}}
	pending := chat.Message{TempID: "temp-2", SenderID: "u1", Content: "yo", CreatedAt: t0}

	tests := []struct {
		msg    chat.Message
		failed error
		want   string
	}{
		{sent, nil, "  [09:00] m1 Ana: hi  👍2 🎉1"},
		{pending, nil, "  [09:00] temp-2 (sending) u1: yo"},
		{pending, errors.New("timeout"), "  [09:00] temp-2 (not sent) u1: yo"},
	}
	for _, tt := range tests {
		if got := formatMessage(tt.msg, tt.failed); got != tt.want {
			t.Errorf("formatMessage = %q, want %q", got, tt.want)
		}
	}
}

type fakeBackend struct {
	mu    sync.Mutex
	next  int
	convs map[string]chat.Conversation
}

func (b *fakeBackend) PersistMessage(_ context.Context, msg chat.Message) (message.ServerFields, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return message.ServerFields{ID: fmt.Sprintf("m%d", b.next), CreatedAt: t0, UpdatedAt: t0}, nil
}

func (b *fakeBackend) FindConversationParticipants(_ context.Context, id string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.convs[id].ParticipantIDs(), nil
}

func (b *fakeBackend) Conversation(_ context.Context, id string) (chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[id]
	if !ok {
		return c, fmt.Errorf("conversation %s not found", id)
	}
	return c, nil
}

func (b *fakeBackend) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv.ID = fmt.Sprintf("c%d", len(b.convs)+1)
	b.convs[conv.ID] = conv
	return conv, nil
}

func TestClientCommands(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	mem := memstore.New(clk)
	be := &fakeBackend{convs: map[string]chat.Conversation{
		"c1": {ID: "c1", Participants: []chat.Participant{{ID: "alice"}, {ID: "bob"}}},
	}}
	var out bytes.Buffer
	s, err := session.Init(ctx, session.Options{
		UserID:        "alice",
		Store:         mem.Connect(),
		Clock:         clk,
		Persister:     be,
		Conversations: be,
		Alerter:       printAlerter{out: &out},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Destroy(ctx)
	c := &client{s: s, convs: be, out: &out, locale: typing.English}

	exec := func(line string) error {
		t.Helper()
		cmd, err := parseLine(line)
		if err != nil {
			t.Fatal(err)
		}
		return c.run(ctx, cmd)
	}

	if err := exec("hello"); err == nil {
		t.Fatal("sent without an open conversation")
	}
	if err := exec("/open c1"); err != nil {
		t.Fatal(err)
	}
	if err := exec("hello bob"); err != nil {
		t.Fatal(err)
	}
	s.Messages.Wait()
	if got := len(mem.Children(notify.InboxPath("bob"))); got != 1 {
		t.Errorf("bob's inbox has %d entries, want 1", got)
	}

	out.Reset()
	if err := exec("/history"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "m1 alice: hello bob") {
		t.Errorf("history = %q", out.String())
	}

	if err := exec("/react m1 👍"); err != nil {
		t.Fatal(err)
	}
	if m, _ := s.State.Message("c1", "m1"); len(m.Reactions) != 1 {
		t.Errorf("reactions = %+v", m.Reactions)
	}

	if err := exec("/new team bob carol"); err != nil {
		t.Fatal(err)
	}
	if s.State.Current() != "c2" {
		t.Errorf("current = %q, want the new conversation", s.State.Current())
	}
	if got := len(mem.Children(notify.InboxPath("carol"))); got != 1 {
		t.Errorf("carol's inbox has %d entries, want 1", got)
	}

	if err := exec("/status busy"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := presence.Lookup(ctx, mem.Connect(), "alice"); rec == nil || rec.Status != presence.StatusBusy {
		t.Errorf("presence = %+v", rec)
	}
	if err := exec("/status invisible"); err == nil {
		t.Error("unknown status accepted")
	}

	if err := exec("/quit"); !errors.Is(err, errQuit) {
		t.Errorf("quit = %v", err)
	}
}
