// Package notify delivers discrete chat events through per-user inboxes at
// notifications/{user}. Delivery is at least once; subscribers drop
// repeats using a bounded set of processed event and message ids.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/nats-chat-sync/pkg/chat"
)

type EventType string

const (
	TypeNewMessage      EventType = "new_message"
	TypeNewConversation EventType = "new_conversation"
	TypeMemberAdded     EventType = "member_added"
	TypeMemberRemoved   EventType = "member_removed"
	TypeGroupUpdate     EventType = "group_update"
	TypeReactionToggled EventType = "reaction_toggled"
)

var ErrUnknownType = errors.New("notify: unknown event type")

// Payload is implemented only by the payload types of this package.
type Payload interface {
	Type() EventType
	dispatch(ctx context.Context, a Applier, ev *Event) error
}

// Applier applies delivered events to local state. Every method must be
// idempotent; events for different conversations, and different kinds of
// event for the same conversation, may arrive in any order.
type Applier interface {
	ApplyNewMessage(ctx context.Context, ev *Event, p NewMessage) error
	ApplyNewConversation(ctx context.Context, ev *Event, p NewConversation) error
	ApplyMemberAdded(ctx context.Context, ev *Event, p MemberAdded) error
	ApplyMemberRemoved(ctx context.Context, ev *Event, p MemberRemoved) error
	ApplyGroupUpdate(ctx context.Context, ev *Event, p GroupUpdate) error
	ApplyReactionToggled(ctx context.Context, ev *Event, p ReactionToggled) error
}

type NewMessage struct {
	Message chat.Message `json:"message"`
}

type NewConversation struct {
	Conversation chat.Conversation `json:"conversation"`
}

// MemberAdded tells the recipient it joined a conversation. The recipient
// fetches the conversation itself.
type MemberAdded struct {
	MemberID string `json:"memberId,omitempty"`
}

// MemberRemoved tells the recipient it lost access to a conversation.
type MemberRemoved struct {
	MemberID string `json:"memberId,omitempty"`
}

type GroupUpdate struct {
	Update chat.ConversationUpdate `json:"update"`
}

// ReactionToggled carries the complete reaction so every participant runs
// the same toggle.
type ReactionToggled struct {
	MessageID string        `json:"messageId"`
	Reaction  chat.Reaction `json:"reaction"`
}

func (NewMessage) Type() EventType      { return TypeNewMessage }
func (NewConversation) Type() EventType { return TypeNewConversation }
func (MemberAdded) Type() EventType     { return TypeMemberAdded }
func (MemberRemoved) Type() EventType   { return TypeMemberRemoved }
func (GroupUpdate) Type() EventType     { return TypeGroupUpdate }
func (ReactionToggled) Type() EventType { return TypeReactionToggled }

func (p NewMessage) dispatch(ctx context.Context, a Applier, ev *Event) error {
	return a.ApplyNewMessage(ctx, ev, p)
}

func (p NewConversation) dispatch(ctx context.Context, a Applier, ev *Event) error {
	return a.ApplyNewConversation(ctx, ev, p)
}

func (p MemberAdded) dispatch(ctx context.Context, a Applier, ev *Event) error {
	return a.ApplyMemberAdded(ctx, ev, p)
}

func (p MemberRemoved) dispatch(ctx context.Context, a Applier, ev *Event) error {
	return a.ApplyMemberRemoved(ctx, ev, p)
}

func (p GroupUpdate) dispatch(ctx context.Context, a Applier, ev *Event) error {
	return a.ApplyGroupUpdate(ctx, ev, p)
}

func (p ReactionToggled) dispatch(ctx context.Context, a Applier, ev *Event) error {
	return a.ApplyReactionToggled(ctx, ev, p)
}

// Event is one inbox entry. ID is the inbox key and is not stored in the
// value.
type Event struct {
	ID             string
	ConversationID string
	SenderID       string
	Timestamp      int64
	Read           bool
	Payload        Payload
}

// Type returns the payload's event type.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

type wireEvent struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Timestamp      int64           `json:"timestamp"`
	Read           bool            `json:"read"`
	Data           json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("notify: event without payload")
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		Type:           e.Payload.Type(),
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Timestamp:      e.Timestamp,
		Read:           e.Read,
		Data:           data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var (
		p   Payload
		err error
	)
	switch w.Type {
	case TypeNewMessage:
		p, err = decodePayload[NewMessage](w.Data)
	case TypeNewConversation:
		p, err = decodePayload[NewConversation](w.Data)
	case TypeMemberAdded:
		p, err = decodePayload[MemberAdded](w.Data)
	case TypeMemberRemoved:
		p, err = decodePayload[MemberRemoved](w.Data)
	case TypeGroupUpdate:
		p, err = decodePayload[GroupUpdate](w.Data)
	case TypeReactionToggled:
		p, err = decodePayload[ReactionToggled](w.Data)
	default:
		return fmt.Errorf("%w %q", ErrUnknownType, w.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	e.ConversationID = w.ConversationID
	e.SenderID = w.SenderID
	e.Timestamp = w.Timestamp
	e.Read = w.Read
	e.Payload = p
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var p T
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
