package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/store"
)

func (r *Relay) setMember(ctx context.Context, conversationID, userID string, member bool) error {
	path := store.Join(MembersPath(conversationID), userID)
	if member {
		return r.st.Put(ctx, path, []byte("true"))
	}
	return r.st.Delete(ctx, path)
}

// NotifyNewConversation announces conv to every participant but from and
// marks all participants as members.
func (r *Relay) NotifyNewConversation(ctx context.Context, from string, conv chat.Conversation) error {
	ids := conv.ParticipantIDs()
	err := r.Fanout(ctx, ids, Event{
		ConversationID: conv.ID,
		SenderID:       from,
		Payload:        NewConversation{Conversation: conv},
	})
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range ids {
		if err := r.setMember(ctx, conv.ID, id, true); err != nil {
			errs = append(errs, fmt.Errorf("mark %s member of %s: %w", id, conv.ID, err))
		}
	}
	return errors.Join(errs...)
}

// NotifyGroupUpdate sends a partial update to every participant but from.
func (r *Relay) NotifyGroupUpdate(ctx context.Context, from, conversationID string, update chat.ConversationUpdate, participants []string) error {
	return r.Fanout(ctx, participants, Event{
		ConversationID: conversationID,
		SenderID:       from,
		Payload:        GroupUpdate{Update: update},
	})
}

// NotifyMemberAdded tells memberID it joined conversationID.
func (r *Relay) NotifyMemberAdded(ctx context.Context, from, conversationID, memberID string) error {
	if _, err := r.Send(ctx, memberID, Event{
		ConversationID: conversationID,
		SenderID:       from,
		Payload:        MemberAdded{MemberID: memberID},
	}); err != nil {
		return err
	}
	return r.setMember(ctx, conversationID, memberID, true)
}

// NotifyMemberRemoved tells memberID it left conversationID.
func (r *Relay) NotifyMemberRemoved(ctx context.Context, from, conversationID, memberID string) error {
	if _, err := r.Send(ctx, memberID, Event{
		ConversationID: conversationID,
		SenderID:       from,
		Payload:        MemberRemoved{MemberID: memberID},
	}); err != nil {
		return err
	}
	return r.setMember(ctx, conversationID, memberID, false)
}
