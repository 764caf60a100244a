// Package message turns optimistic local messages into durable ones and
// keeps reaction toggles consistent across participants.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/chatstate"
	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/notify"
)

var (
	ErrUnknownMessage = errors.New("message: unknown message")
	ErrPending        = errors.New("message: not yet persisted")
)

// ServerFields are the authoritative values assigned on persistence.
type ServerFields struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Persister is the persistence service.
type Persister interface {
	PersistMessage(ctx context.Context, msg chat.Message) (ServerFields, error)
	FindConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// ReactionPersister is implemented by persisters that also store reactions.
type ReactionPersister interface {
	ToggleReaction(ctx context.Context, conversationID string, r chat.Reaction) error
}

type pending struct {
	conversationID string
}

// Reconciler sends messages for one user.
type Reconciler struct {
	state     *chatstate.State
	persister Persister
	relay     *notify.Relay
	clk       clock.Clock
	self      chat.Participant

	sends     metric.Int64Counter
	reactions metric.Int64Counter

	mu      sync.Mutex
	pending map[string]pending
	aliases map[string]string
	failed  map[string]error
	wg      sync.WaitGroup
}

func New(state *chatstate.State, p Persister, relay *notify.Relay, clk clock.Clock, self chat.Participant) *Reconciler {
	meter := otel.Meter("chatsync/message")
	sends, _ := meter.Int64Counter("message_sends_total",
		metric.WithDescription("Message sends by outcome"))
	reactions, _ := meter.Int64Counter("message_reaction_toggles_total",
		metric.WithDescription("Reaction toggles applied locally"))
	return &Reconciler{
		state:     state,
		persister: p,
		relay:     relay,
		clk:       clk,
		self:      self,
		sends:     sends,
		reactions: reactions,
		pending:   make(map[string]pending),
		aliases:   make(map[string]string),
		failed:    make(map[string]error),
	}
}

// SendMessage inserts an optimistic message and returns it at once.
// Persistence and fan-out continue in the background; ctx values are kept
// but its cancellation is not.
func (r *Reconciler) SendMessage(ctx context.Context, conversationID, content string, typ chat.MessageType, replyTo *chat.Reply) chat.Message {
	now := r.clk.Now()
	msg := chat.Message{
		TempID:         "temp-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       r.self.ID,
		SenderNickname: r.self.Nickname,
		SenderAvatar:   r.self.Avatar,
		Content:        content,
		Type:           typ,
		Reactions:      []chat.Reaction{},
		ReplyTo:        replyTo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.state.AddMessage(msg)
	r.state.MoveToTop(conversationID)

	r.mu.Lock()
	r.pending[msg.TempID] = pending{conversationID: conversationID}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(context.WithoutCancel(ctx), msg)
	}()
	return msg
}

func (r *Reconciler) deliver(ctx context.Context, msg chat.Message) {
	fields, err := r.persister.PersistMessage(ctx, msg)
	if err != nil {
		r.mu.Lock()
		r.failed[msg.TempID] = err
		r.mu.Unlock()
		r.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		slog.Warn("Message not persisted, left unconfirmed", "conversation", msg.ConversationID, "temp_id", msg.TempID, "error", err)
		return
	}

	durable, err := r.Reconcile(msg.TempID, fields)
	if err != nil {
		slog.Warn("Reconcile failed", "temp_id", msg.TempID, "error", err)
		return
	}
	r.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "persisted")))

	participants, err := r.persister.FindConversationParticipants(ctx, msg.ConversationID)
	if err != nil {
		slog.Warn("Participants lookup failed, message not fanned out", "conversation", msg.ConversationID, "id", durable.ID, "error", err)
		return
	}
	err = r.relay.Fanout(ctx, participants, notify.Event{
		ConversationID: msg.ConversationID,
		SenderID:       r.self.ID,
		Payload:        notify.NewMessage{Message: durable},
	})
	if err != nil {
		slog.Warn("Message fan-out incomplete", "conversation", msg.ConversationID, "id", durable.ID, "error", err)
	}
}

// Reconcile swaps the optimistic message tempID for its durable version.
// Later references to tempID resolve to the durable id.
func (r *Reconciler) Reconcile(tempID string, fields ServerFields) (chat.Message, error) {
	r.mu.Lock()
	p, ok := r.pending[tempID]
	if ok {
		delete(r.pending, tempID)
		delete(r.failed, tempID)
		r.aliases[tempID] = fields.ID
	}
	r.mu.Unlock()
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}

	msg, found := r.state.Message(p.conversationID, tempID)
	if !found {
		return chat.Message{}, fmt.Errorf("%w: %s no longer in conversation %s", ErrUnknownMessage, tempID, p.conversationID)
	}
	msg.ID = fields.ID
	if !fields.CreatedAt.IsZero() {
		msg.CreatedAt = fields.CreatedAt
	}
	if !fields.UpdatedAt.IsZero() {
		msg.UpdatedAt = fields.UpdatedAt
	}
	r.state.ReplaceMessage(p.conversationID, tempID, msg)
	slog.Debug("Message reconciled", "temp_id", tempID, "id", fields.ID)
	return msg, nil
}

// Resolve maps a temporary id to its durable id once known.
func (r *Reconciler) Resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if durable, ok := r.aliases[id]; ok {
		return durable
	}
	return id
}

// Failed returns the persistence error of an unconfirmed message.
func (r *Reconciler) Failed(tempID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[tempID]
}

// ToggleReaction toggles the user's emoji on a message locally and sends
// the same toggle to every other participant.
func (r *Reconciler) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (chat.Reaction, error) {
	id := r.Resolve(messageID)
	msg, ok := r.state.Message(conversationID, id)
	if !ok {
		return chat.Reaction{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if msg.Pending() {
		return chat.Reaction{}, fmt.Errorf("%w: %s", ErrPending, messageID)
	}

	reaction := chat.NewReaction(msg.ID, r.self.ID, emoji, r.clk.Now())
	r.ApplyReaction(conversationID, reaction)

	if rp, ok := r.persister.(ReactionPersister); ok {
		if err := rp.ToggleReaction(ctx, conversationID, reaction); err != nil {
			slog.Warn("Reaction not persisted", "message", msg.ID, "emoji", emoji, "error", err)
		}
	}
	participants, err := r.persister.FindConversationParticipants(ctx, conversationID)
	if err != nil {
		return reaction, fmt.Errorf("find participants of %s: %w", conversationID, err)
	}
	err = r.relay.Fanout(ctx, participants, notify.Event{
		ConversationID: conversationID,
		SenderID:       r.self.ID,
		Payload:        notify.ReactionToggled{MessageID: msg.ID, Reaction: reaction},
	})
	return reaction, err
}

// ApplyReaction runs the reaction toggle on the local collection. Remote
// toggles arrive with the originating reaction and go through here too.
func (r *Reconciler) ApplyReaction(conversationID string, reaction chat.Reaction) bool {
	ok := r.state.ToggleReaction(conversationID, r.Resolve(reaction.MessageID), reaction)
	if ok {
		r.reactions.Add(context.Background(), 1)
	}
	return ok
}

// Wait blocks until every background send has finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}
