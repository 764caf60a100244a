package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/chatstate"
	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/notify"
	"github.com/example/nats-chat-sync/pkg/store/memstore"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakePersister struct {
	mu           sync.Mutex
	gate         chan struct{}
	err          error
	next         int
	participants map[string][]string
	saved        []chat.Message
	reactions    []chat.Reaction
}

func (p *fakePersister) PersistMessage(ctx context.Context, msg chat.Message) (ServerFields, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return ServerFields{}, p.err
	}
	p.next++
	p.saved = append(p.saved, msg)
	created := t0.Add(time.Duration(p.next) * time.Second)
	return ServerFields{ID: fmt.Sprintf("m%d", p.next), CreatedAt: created, UpdatedAt: created}, nil
}

func (p *fakePersister) FindConversationParticipants(_ context.Context, conversationID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids, ok := p.participants[conversationID]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	return ids, nil
}

func (p *fakePersister) ToggleReaction(_ context.Context, _ string, r chat.Reaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reactions = append(p.reactions, r)
	return nil
}

type env struct {
	mem       *memstore.Memory
	state     *chatstate.State
	persister *fakePersister
	rec       *Reconciler
}

func newEnv(t *testing.T, self string) *env {
	t.Helper()
	clk := clock.Fake(t0)
	mem := memstore.New(clk)
	relay, err := notify.New(mem.Connect(), clk, notify.Options{})
	if err != nil {
		t.Fatal(err)
	}
	state := chatstate.New()
	state.SetConversations([]chat.Conversation{{ID: "c1"}})
	p := &fakePersister{participants: map[string][]string{"c1": {"alice", "bob"}}}
	return &env{
		mem:       mem,
		state:     state,
		persister: p,
		rec:       New(state, p, relay, clk, chat.Participant{ID: self, Nickname: "Alice"}),
	}
}

func TestSendMessageReconcilesInPlace(t *testing.T) {
	e := newEnv(t, "alice")
	e.persister.gate = make(chan struct{})

	msg := e.rec.SendMessage(context.Background(), "c1", "hello", chat.TypeText, nil)
	if !msg.Pending() || msg.TempID == "" {
		t.Fatalf("optimistic message = %+v", msg)
	}
	msgs := e.state.Messages("c1")
	if len(msgs) != 1 || msgs[0].TempID != msg.TempID || !msgs[0].Pending() {
		t.Fatalf("before persistence: %+v", msgs)
	}

	close(e.persister.gate)
	e.rec.Wait()

	msgs = e.state.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].Key() != "m1" || msgs[0].Pending() {
		t.Errorf("after persistence: %+v", msgs[0])
	}
	if !msgs[0].CreatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("server timestamp not applied: %v", msgs[0].CreatedAt)
	}
	if got := e.rec.Resolve(msg.TempID); got != "m1" {
		t.Errorf("Resolve(temp) = %q", got)
	}

	if n := len(e.mem.Children(notify.InboxPath("bob"))); n != 1 {
		t.Errorf("bob inbox = %d entries, want 1", n)
	}
	if n := len(e.mem.Children(notify.InboxPath("alice"))); n != 0 {
		t.Errorf("sender inbox = %d entries, want 0", n)
	}
}

func TestPersistFailureLeavesMessageUnconfirmed(t *testing.T) {
	e := newEnv(t, "alice")
	e.persister.err = errors.New("database unavailable")

	msg := e.rec.SendMessage(context.Background(), "c1", "hello", chat.TypeText, nil)
	e.rec.Wait()

	msgs := e.state.Messages("c1")
	if len(msgs) != 1 || !msgs[0].Pending() {
		t.Fatalf("messages = %+v", msgs)
	}
	if e.rec.Failed(msg.TempID) == nil {
		t.Error("failure not recorded")
	}
	if n := len(e.mem.Children(notify.InboxPath("bob"))); n != 0 {
		t.Errorf("unpersisted message fanned out to %d", n)
	}
}

func TestReconcileUnknown(t *testing.T) {
	e := newEnv(t, "alice")
	if _, err := e.rec.Reconcile("temp-missing", ServerFields{ID: "m1"}); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("err = %v", err)
	}
}

func TestToggleReactionTwiceRestores(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	e.state.AddMessage(chat.Message{ID: "m9", ConversationID: "c1", Reactions: []chat.Reaction{
		chat.NewReaction("m9", "bob", "👍", t0),
	}})

	if _, err := e.rec.ToggleReaction(ctx, "c1", "m9", "🎉"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.rec.ToggleReaction(ctx, "c1", "m9", "🎉"); err != nil {
		t.Fatal(err)
	}
	msg, _ := e.state.Message("c1", "m9")
	if len(msg.Reactions) != 1 || msg.Reactions[0].UserID != "bob" {
		t.Errorf("reactions = %+v", msg.Reactions)
	}
	if n := len(e.mem.Children(notify.InboxPath("bob"))); n != 2 {
		t.Errorf("bob inbox = %d, want 2 reaction events", n)
	}
	if len(e.persister.reactions) != 2 {
		t.Errorf("persisted %d toggles, want 2", len(e.persister.reactions))
	}
}

func TestToggleReactionByTempID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	msg := e.rec.SendMessage(ctx, "c1", "hello", chat.TypeText, nil)
	e.rec.Wait()

	r, err := e.rec.ToggleReaction(ctx, "c1", msg.TempID, "❤️")
	if err != nil {
		t.Fatal(err)
	}
	if r.MessageID != "m1" {
		t.Errorf("reaction addresses %q, want durable id", r.MessageID)
	}
}

func TestToggleReactionOnPendingMessage(t *testing.T) {
	e := newEnv(t, "alice")
	e.persister.gate = make(chan struct{})
	defer func() { close(e.persister.gate); e.rec.Wait() }()

	msg := e.rec.SendMessage(context.Background(), "c1", "hello", chat.TypeText, nil)
	if _, err := e.rec.ToggleReaction(context.Background(), "c1", msg.TempID, "👍"); !errors.Is(err, ErrPending) {
		t.Errorf("err = %v, want ErrPending", err)
	}
}

type reactionApplier struct {
	rec *Reconciler
}

func (a reactionApplier) ApplyNewMessage(context.Context, *notify.Event, notify.NewMessage) error {
	return nil
}
func (a reactionApplier) ApplyNewConversation(context.Context, *notify.Event, notify.NewConversation) error {
	return nil
}
func (a reactionApplier) ApplyMemberAdded(context.Context, *notify.Event, notify.MemberAdded) error {
	return nil
}
func (a reactionApplier) ApplyMemberRemoved(context.Context, *notify.Event, notify.MemberRemoved) error {
	return nil
}
func (a reactionApplier) ApplyGroupUpdate(context.Context, *notify.Event, notify.GroupUpdate) error {
	return nil
}
func (a reactionApplier) ApplyReactionToggled(_ context.Context, ev *notify.Event, p notify.ReactionToggled) error {
	a.rec.ApplyReaction(ev.ConversationID, p.Reaction)
	return nil
}

func TestRemoteToggleConverges(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	mem := memstore.New(clk)
	participants := map[string][]string{"c1": {"alice", "bob"}}

	newSide := func(self string) (*Reconciler, *chatstate.State, *notify.Relay) {
		relay, err := notify.New(mem.Connect(), clk, notify.Options{})
		if err != nil {
			t.Fatal(err)
		}
		state := chatstate.New()
		state.AddMessage(chat.Message{ID: "m1", ConversationID: "c1"})
		return New(state, &fakePersister{participants: participants}, relay, clk, chat.Participant{ID: self}), state, relay
	}
	alice, aliceState, _ := newSide("alice")
	bob, bobState, bobRelay := newSide("bob")

	if _, err := bobRelay.Subscribe(ctx, "bob", reactionApplier{rec: bob}); err != nil {
		t.Fatal(err)
	}
	for _, emoji := range []string{"👍", "🎉", "👍"} {
		if _, err := alice.ToggleReaction(ctx, "c1", "m1", emoji); err != nil {
			t.Fatal(err)
		}
	}

	a, _ := aliceState.Message("c1", "m1")
	b, _ := bobState.Message("c1", "m1")
	if len(a.Reactions) != 1 || len(b.Reactions) != 1 || a.Reactions[0].ID != b.Reactions[0].ID {
		t.Errorf("alice %+v, bob %+v", a.Reactions, b.Reactions)
	}
}
