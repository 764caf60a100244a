package chatstate

import (
	"strings"
	"testing"

	"github.com/example/nats-chat-sync/pkg/chat"
)

func ids(convs []chat.Conversation) string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return strings.Join(out, ",")
}

func TestConversationOrdering(t *testing.T) {
	s := New()
	s.SetConversations([]chat.Conversation{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	s.MoveToTop("c")
	if got := ids(s.Conversations()); got != "c,a,b" {
		t.Fatalf("after MoveToTop(c): %s", got)
	}
	s.AddConversation(chat.Conversation{ID: "d"})
	if got := ids(s.Conversations()); got != "d,c,a,b" {
		t.Fatalf("after AddConversation(d): %s", got)
	}
	s.AddConversation(chat.Conversation{ID: "a", Name: "renamed"})
	if got := ids(s.Conversations()); got != "d,c,a,b" {
		t.Fatalf("re-adding moved the conversation: %s", got)
	}
	if c, _ := s.Conversation("a"); c.Name != "renamed" {
		t.Errorf("re-adding did not replace: %+v", c)
	}
	s.MoveToTop("missing")
	s.RemoveConversation("c")
	if got := ids(s.Conversations()); got != "d,a,b" {
		t.Errorf("after RemoveConversation(c): %s", got)
	}
}

func TestUnreadAndOpen(t *testing.T) {
	s := New()
	s.SetConversations([]chat.Conversation{{ID: "a"}, {ID: "b"}})
	s.IncrementUnread("a")
	s.IncrementUnread("a")
	if s.Unread("a") != 2 {
		t.Fatalf("unread = %d", s.Unread("a"))
	}
	s.Open("a")
	if s.Unread("a") != 0 || s.Current() != "a" {
		t.Errorf("Open: unread=%d current=%q", s.Unread("a"), s.Current())
	}
	s.RemoveConversation("a")
	if s.Current() != "" {
		t.Error("removing the open conversation should close it")
	}
}

func TestGroupUpdateAndRemovalCommute(t *testing.T) {
	name := "New name"
	update := chat.ConversationUpdate{Name: &name}

	first := New()
	first.SetConversations([]chat.Conversation{{ID: "g"}})
	first.UpdateConversation("g", update)
	first.RemoveConversation("g")

	second := New()
	second.SetConversations([]chat.Conversation{{ID: "g"}})
	second.RemoveConversation("g")
	second.UpdateConversation("g", update)

	if len(first.Conversations()) != 0 || len(second.Conversations()) != 0 {
		t.Errorf("orders diverged: %v / %v", first.Conversations(), second.Conversations())
	}
}

func TestReplaceNeverDuplicates(t *testing.T) {
	s := New()
	s.SetConversations([]chat.Conversation{{ID: "c1"}})
	s.AddMessage(chat.Message{TempID: "tmp", ConversationID: "c1", Content: "hi"})

	durable := chat.Message{ID: "m1", TempID: "tmp", ConversationID: "c1", Content: "hi"}
	if !s.ReplaceMessage("c1", "tmp", durable) {
		t.Fatal("ReplaceMessage found nothing")
	}
	if s.AddMessage(durable) {
		t.Error("durable message added twice")
	}
	msgs := s.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v", msgs)
	}
	if c, _ := s.Conversation("c1"); c.LastMessage == nil || c.LastMessage.ID != "m1" {
		t.Errorf("last message = %+v", c.LastMessage)
	}
	if _, ok := s.Message("c1", "tmp"); !ok {
		t.Error("lookup by temp id should still resolve")
	}
}

func TestReplaceWhenDurableArrivedFirst(t *testing.T) {
	s := New()
	s.AddMessage(chat.Message{TempID: "tmp", ConversationID: "c1"})
	s.AddMessage(chat.Message{ID: "m1", ConversationID: "c1"})

	s.ReplaceMessage("c1", "tmp", chat.Message{ID: "m1", TempID: "tmp", ConversationID: "c1"})
	msgs := s.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v", msgs)
	}
}
