package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/message"
)

type memRepo struct {
	convs     map[string]chat.Conversation
	byTemp    map[string]message.ServerFields
	messages  int
	reactions map[string]chat.Reaction
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs: map[string]chat.Conversation{
			"c1": {ID: "c1", Participants: []chat.Participant{{ID: "alice"}, {ID: "bob"}}},
		},
		byTemp:    make(map[string]message.ServerFields),
		reactions: make(map[string]chat.Reaction),
	}
}

func (r *memRepo) InsertMessage(_ context.Context, msg chat.Message) (message.ServerFields, error) {
	if f, ok := r.byTemp[msg.SenderID+"/"+msg.TempID]; ok && msg.TempID != "" {
		return f, nil
	}
	r.messages++
	now := time.Date(2024, 3, 1, 9, 0, r.messages, 0, time.UTC)
	f := message.ServerFields{ID: fmt.Sprintf("m%d", r.messages), CreatedAt: now, UpdatedAt: now}
	r.byTemp[msg.SenderID+"/"+msg.TempID] = f
	return f, nil
}

func (r *memRepo) Participants(_ context.Context, id string) ([]string, error) {
	c, ok := r.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return c.ParticipantIDs(), nil
}

func (r *memRepo) Conversation(_ context.Context, id string) (chat.Conversation, error) {
	c, ok := r.convs[id]
	if !ok {
		return c, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	return c, nil
}

func (r *memRepo) ToggleReaction(_ context.Context, _ string, rc chat.Reaction) error {
	key := rc.MessageID + "/" + rc.UserID + "/" + rc.Emoji
	if _, ok := r.reactions[key]; ok {
		delete(r.reactions, key)
	} else {
		r.reactions[key] = rc
	}
	return nil
}

func (r *memRepo) CreateConversation(_ context.Context, c chat.Conversation) error {
	r.convs[c.ID] = c
	return nil
}

func request(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCreateMessage(t *testing.T) {
	ctx := context.Background()
	srv := NewServer(newMemRepo())

	tests := []struct {
		name    string
		msg     chat.Message
		wantID  string
		wantErr bool
	}{
		{"stored", chat.Message{TempID: "temp-1", ConversationID: "c1", SenderID: "alice", Content: "hi"}, "m1", false},
		{"retry returns first identity", chat.Message{TempID: "temp-1", ConversationID: "c1", SenderID: "alice", Content: "hi"}, "m1", false},
		{"media only", chat.Message{TempID: "temp-2", ConversationID: "c1", SenderID: "bob", Type: chat.TypeGIF, GifURL: "https://g/1.gif"}, "m2", false},
		{"not a participant", chat.Message{ConversationID: "c1", SenderID: "mallory", Content: "hi"}, "", true},
		{"unknown conversation", chat.Message{ConversationID: "nope", SenderID: "alice", Content: "hi"}, "", true},
		{"empty", chat.Message{ConversationID: "c1", SenderID: "alice"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := srv.Handle(ctx, SubjectCreateMessage, request(t, tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var f message.ServerFields
			derr := decodeReply(out, &f)
			if (derr != nil) != tt.wantErr {
				t.Fatalf("decoded err = %v", derr)
			}
			if f.ID != tt.wantID {
				t.Errorf("id = %q, want %q", f.ID, tt.wantID)
			}
		})
	}
}

func TestParticipantsNotFoundTravelsAsSentinel(t *testing.T) {
	srv := NewServer(newMemRepo())
	out, err := srv.Handle(context.Background(), SubjectParticipants, request(t, conversationRequest{ConversationID: "missing"}))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("server err = %v", err)
	}
	var resp participantsResponse
	if err := decodeReply(out, &resp); !errors.Is(err, ErrNotFound) {
		t.Errorf("client err = %v, want ErrNotFound", err)
	}

	out, err = srv.Handle(context.Background(), SubjectParticipants, request(t, conversationRequest{ConversationID: "c1"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := decodeReply(out, &resp); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(resp.UserIDs) != "[alice bob]" {
		t.Errorf("participants = %v", resp.UserIDs)
	}
}

func TestToggleReactionRequest(t *testing.T) {
	repo := newMemRepo()
	srv := NewServer(repo)
	ctx := context.Background()
	r := chat.Reaction{ID: "r1", MessageID: "m1", UserID: "alice", Emoji: "👍"}

	for i := 0; i < 2; i++ {
		if _, err := srv.Handle(ctx, SubjectToggleReaction, request(t, reactionRequest{ConversationID: "c1", Reaction: r})); err != nil {
			t.Fatal(err)
		}
	}
	if len(repo.reactions) != 0 {
		t.Errorf("reactions after double toggle = %v", repo.reactions)
	}
	if _, err := srv.Handle(ctx, SubjectToggleReaction, request(t, reactionRequest{Reaction: chat.Reaction{MessageID: "m1"}})); err == nil {
		t.Error("incomplete reaction accepted")
	}
}

func TestCreateConversationRequest(t *testing.T) {
	srv := NewServer(newMemRepo())
	conv := chat.Conversation{ID: "c2", IsGroup: true, Name: "team", Participants: []chat.Participant{{ID: "alice"}, {ID: "carol"}}}
	out, err := srv.Handle(context.Background(), SubjectCreateConv, request(t, conv))
	if err != nil {
		t.Fatal(err)
	}
	var got chat.Conversation
	if err := decodeReply(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "c2" || got.Name != "team" || len(got.Participants) != 2 {
		t.Errorf("conversation = %+v", got)
	}
	if _, err := srv.Handle(context.Background(), SubjectCreateConv, request(t, chat.Conversation{ID: "c3"})); err == nil {
		t.Error("conversation without participants accepted")
	}
}

func TestUnknownSubject(t *testing.T) {
	srv := NewServer(newMemRepo())
	out, err := srv.Handle(context.Background(), "persist.nope", []byte("{}"))
	if err == nil {
		t.Fatal("expected error")
	}
	if derr := decodeReply(out, nil); derr == nil || derr.Error() != err.Error() {
		t.Errorf("decoded = %v, want %v", derr, err)
	}
}
