// Package session wires the sync components for one signed-in user:
// presence, the notification inbox, typing channels, message
// reconciliation and connection state, with reconnect recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/chatstate"
	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/connstate"
	"github.com/example/nats-chat-sync/pkg/message"
	"github.com/example/nats-chat-sync/pkg/notify"
	"github.com/example/nats-chat-sync/pkg/presence"
	"github.com/example/nats-chat-sync/pkg/store"
	"github.com/example/nats-chat-sync/pkg/typing"
)

// ConversationSource loads conversations the user was just added to.
type ConversationSource interface {
	Conversation(ctx context.Context, conversationID string) (chat.Conversation, error)
}

// Options describe the user and the session's collaborators. Store, Clock
// and Persister are required.
type Options struct {
	UserID        string
	DisplayName   string
	Avatar        string
	TypingTimeout time.Duration
	Notify        notify.Options

	Store         store.Store
	Clock         clock.Clock
	Persister     message.Persister
	Conversations ConversationSource
	Host          connstate.Host
	Alerter       connstate.Alerter

	// OnTyping is called when another participant of a joined
	// conversation starts or stops typing.
	OnTyping func(conversationID, userID string, isTyping bool)
}

// Session is the live state of one user on one client.
type Session struct {
	opts Options
	ctx  context.Context
	stop context.CancelFunc

	State    *chatstate.State
	Presence *presence.Tracker
	Relay    *notify.Relay
	Typing   *typing.Channel
	Messages *message.Reconciler
	Conn     *connstate.Observer

	recoveries metric.Int64Counter

	mu      sync.Mutex
	inbox   store.Subscription
	connSub store.Subscription
	joined  map[string]store.Subscription
	lost    bool
	closed  bool
}

// Init starts a session for opts.UserID: the connection is registered for
// presence, the inbox is replayed and subscribed, and connectivity is
// observed for recovery.
func Init(ctx context.Context, opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, errors.New("session: user id required")
	}
	if opts.Store == nil || opts.Clock == nil || opts.Persister == nil {
		return nil, errors.New("session: store, clock and persister required")
	}
	if opts.Host == nil {
		opts.Host = connstate.StaticHost{IsFocused: true, IsVisible: true}
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.UserID
	}

	relay, err := notify.New(opts.Store, opts.Clock, opts.Notify)
	if err != nil {
		return nil, err
	}
	state := chatstate.New()
	sctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		opts:     opts,
		ctx:      sctx,
		stop:     stop,
		State:    state,
		Presence: presence.NewTracker(opts.Store, presence.Profile{Nickname: opts.DisplayName, Avatar: opts.Avatar}),
		Relay:    relay,
		Typing:   typing.New(opts.Store, opts.Clock, opts.UserID, opts.DisplayName, opts.TypingTimeout),
		Messages: message.New(state, opts.Persister, relay, opts.Clock,
			chat.Participant{ID: opts.UserID, Nickname: opts.DisplayName, Avatar: opts.Avatar}),
		joined: make(map[string]store.Subscription),
	}
	s.recoveries, _ = otel.Meter("chatsync/session").Int64Counter("session_recoveries_total",
		metric.WithDescription("Recoveries after the store connection came back, by result"))

	if _, err := s.Presence.Start(ctx, opts.UserID); err != nil {
		stop()
		return nil, fmt.Errorf("session: %w", err)
	}
	inbox, err := relay.Subscribe(sctx, opts.UserID, inboxApplier{s})
	if err != nil {
		s.Presence.Stop(ctx)
		stop()
		return nil, fmt.Errorf("session: %w", err)
	}
	s.inbox = inbox

	s.Conn = connstate.Watch(opts.Store)
	s.connSub = s.Conn.Subscribe(s.onConnState)

	slog.Info("Session started", "user", opts.UserID)
	return s, nil
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.opts.UserID }

func (s *Session) onConnState(st connstate.State) {
	s.mu.Lock()
	if st == connstate.Reconnecting {
		s.lost = true
	}
	resume := st == connstate.Connected && s.lost
	if resume {
		s.lost = false
	}
	s.mu.Unlock()
	if !resume {
		return
	}
	if err := s.Recover(s.ctx); err != nil {
		slog.Warn("Session recovery incomplete", "user", s.opts.UserID, "error", err)
	}
}

// Recover restores server-side state after the store connection came back:
// presence is re-announced, the inbox replayed and every joined typing
// channel re-subscribed. Replayed inbox entries already applied are
// absorbed by the relay's dedup set.
func (s *Session) Recover(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	old := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	var errs []error
	if _, err := s.Presence.Reannounce(ctx); err != nil {
		errs = append(errs, err)
	}
	if old != nil {
		old.Unsubscribe()
	}
	inbox, err := s.Relay.Subscribe(s.ctx, s.opts.UserID, inboxApplier{s})
	if err != nil {
		errs = append(errs, err)
	} else {
		s.mu.Lock()
		s.inbox = inbox
		s.mu.Unlock()
	}
	if err := s.Typing.Resubscribe(ctx); err != nil {
		errs = append(errs, err)
	}
	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	s.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	slog.Info("Session recovered", "user", s.opts.UserID, "errors", len(errs))
	return errors.Join(errs...)
}

// SendMessage stops the user's typing indicator and sends content
// optimistically.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string, typ chat.MessageType, replyTo *chat.Reply) chat.Message {
	if err := s.Typing.StopTyping(ctx, conversationID); err != nil {
		slog.Warn("Failed to clear typing indicator", "conversation", conversationID, "error", err)
	}
	return s.Messages.SendMessage(ctx, conversationID, content, typ, replyTo)
}

// OpenConversation makes conversationID the current one and joins its
// typing channel.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	s.State.Open(conversationID)
	s.mu.Lock()
	_, joined := s.joined[conversationID]
	s.mu.Unlock()
	if joined {
		return nil
	}
	sub, err := s.Typing.Subscribe(ctx, conversationID, func(userID string, isTyping bool) {
		if s.opts.OnTyping != nil {
			s.opts.OnTyping(conversationID, userID, isTyping)
		}
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.joined[conversationID] = sub
	s.mu.Unlock()
	return nil
}

// LeaveConversation closes conversationID if it is open and leaves its
// typing channel.
func (s *Session) LeaveConversation(ctx context.Context, conversationID string) error {
	if s.State.Current() == conversationID {
		s.State.Open("")
	}
	s.mu.Lock()
	delete(s.joined, conversationID)
	s.mu.Unlock()
	return s.Typing.Leave(ctx, conversationID)
}

// SetStatus publishes a new presence status.
func (s *Session) SetStatus(ctx context.Context, status presence.Status) error {
	return s.Presence.SetStatus(ctx, status)
}

// Destroy tears the session down. In-flight sends finish first so their
// fan-out is not lost.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inbox, connSub := s.inbox, s.connSub
	s.inbox, s.connSub = nil, nil
	s.mu.Unlock()

	if connSub != nil {
		connSub.Unsubscribe()
	}
	s.Conn.Close()
	if inbox != nil {
		inbox.Unsubscribe()
	}
	s.Messages.Wait()

	var errs []error
	if err := s.Typing.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.Presence.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.stop()
	slog.Info("Session destroyed", "user", s.opts.UserID)
	return errors.Join(errs...)
}
