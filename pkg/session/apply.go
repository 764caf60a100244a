package session

import (
	"context"
	"log/slog"
	"slices"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/connstate"
	"github.com/example/nats-chat-sync/pkg/notify"
)

// inboxApplier applies inbox events to the session's local state.
type inboxApplier struct {
	s *Session
}

var _ notify.Applier = inboxApplier{}

// ensureConversation makes sure conversationID is in the list, loading it
// when a source is configured.
func (a inboxApplier) ensureConversation(ctx context.Context, conversationID string) error {
	if _, ok := a.s.State.Conversation(conversationID); ok {
		return nil
	}
	return a.loadConversation(ctx, conversationID)
}

func (a inboxApplier) loadConversation(ctx context.Context, conversationID string) error {
	if a.s.opts.Conversations == nil {
		if _, ok := a.s.State.Conversation(conversationID); !ok {
			a.s.State.AddConversation(chat.Conversation{ID: conversationID})
		}
		return nil
	}
	conv, err := a.s.opts.Conversations.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	a.s.State.AddConversation(conv)
	return nil
}

func (a inboxApplier) ApplyNewMessage(ctx context.Context, ev *notify.Event, p notify.NewMessage) error {
	msg := p.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if err := a.ensureConversation(ctx, msg.ConversationID); err != nil {
		return err
	}
	if !a.s.State.AddMessage(msg) {
		return nil
	}
	a.s.State.MoveToTop(msg.ConversationID)

	current := a.s.State.Current()
	if current != msg.ConversationID {
		a.s.State.IncrementUnread(msg.ConversationID)
	}
	if a.s.opts.Alerter == nil || !connstate.ShouldNotify(a.s.Presence.Status(), current, msg.ConversationID, a.s.opts.Host) {
		return nil
	}
	name := msg.SenderNickname
	if name == "" {
		name = msg.SenderID
	}
	if err := a.s.opts.Alerter.Alert(ctx, connstate.FormatAlert(name, msg)); err != nil {
		slog.Warn("Alert failed", "conversation", msg.ConversationID, "error", err)
	}
	return nil
}

func (a inboxApplier) ApplyNewConversation(ctx context.Context, ev *notify.Event, p notify.NewConversation) error {
	conv := p.Conversation
	if conv.ID == "" {
		conv.ID = ev.ConversationID
	}
	a.s.State.AddConversation(conv)
	return nil
}

func (a inboxApplier) ApplyMemberAdded(ctx context.Context, ev *notify.Event, p notify.MemberAdded) error {
	_, known := a.s.State.Conversation(ev.ConversationID)
	other := p.MemberID != "" && p.MemberID != a.s.opts.UserID
	if other && !known {
		return nil
	}
	// Reload to pick up the new member list.
	return a.loadConversation(ctx, ev.ConversationID)
}

func (a inboxApplier) ApplyMemberRemoved(ctx context.Context, ev *notify.Event, p notify.MemberRemoved) error {
	if p.MemberID != "" && p.MemberID != a.s.opts.UserID {
		conv, ok := a.s.State.Conversation(ev.ConversationID)
		if !ok {
			return nil
		}
		members := slices.DeleteFunc(slices.Clone(conv.Participants), func(pt chat.Participant) bool {
			return pt.ID == p.MemberID
		})
		a.s.State.UpdateConversation(ev.ConversationID, chat.ConversationUpdate{Participants: members})
		return nil
	}
	a.s.State.RemoveConversation(ev.ConversationID)
	a.s.mu.Lock()
	delete(a.s.joined, ev.ConversationID)
	a.s.mu.Unlock()
	return a.s.Typing.Leave(ctx, ev.ConversationID)
}

func (a inboxApplier) ApplyGroupUpdate(ctx context.Context, ev *notify.Event, p notify.GroupUpdate) error {
	a.s.State.UpdateConversation(ev.ConversationID, p.Update)
	return nil
}

func (a inboxApplier) ApplyReactionToggled(ctx context.Context, ev *notify.Event, p notify.ReactionToggled) error {
	r := p.Reaction
	if r.MessageID == "" {
		r.MessageID = p.MessageID
	}
	a.s.Messages.ApplyReaction(ev.ConversationID, r)
	return nil
}
