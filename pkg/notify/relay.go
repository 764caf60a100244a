package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/store"
)

const DefaultDedupSize = 1000

// InboxPath returns the inbox of userID.
func InboxPath(userID string) string { return store.Join("notifications", userID) }

// MembersPath returns the membership marker set of a conversation.
func MembersPath(conversationID string) string {
	return store.Join("conversationMembers", conversationID)
}

type Options struct {
	// DedupSize bounds the processed id set. Oldest ids are evicted first.
	DedupSize int
	// DeleteOnRead removes consumed entries instead of flagging them read.
	DeleteOnRead bool
}

// Relay sends events to inboxes and consumes the local user's inbox.
type Relay struct {
	st   store.Store
	clk  clock.Clock
	opts Options
	seen *lru.Cache[string, struct{}]

	sent       metric.Int64Counter
	delivered  metric.Int64Counter
	duplicates metric.Int64Counter
}

func New(st store.Store, clk clock.Clock, opts Options) (*Relay, error) {
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}

	meter := otel.Meter("chatsync/notify")
	sent, _ := meter.Int64Counter("notify_sent_total",
		metric.WithDescription("Inbox entries written"))
	delivered, _ := meter.Int64Counter("notify_delivered_total",
		metric.WithDescription("Inbox entries applied to local state"))
	duplicates, _ := meter.Int64Counter("notify_duplicates_total",
		metric.WithDescription("Inbox entries dropped as already processed"))

	return &Relay{
		st:         st,
		clk:        clk,
		opts:       opts,
		seen:       seen,
		sent:       sent,
		delivered:  delivered,
		duplicates: duplicates,
	}, nil
}

// Send appends ev to recipientID's inbox and returns the entry id.
func (r *Relay) Send(ctx context.Context, recipientID string, ev Event) (string, error) {
	ev.Read = false
	if ev.Timestamp == 0 {
		ev.Timestamp = r.clk.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	id, err := r.st.Push(ctx, InboxPath(recipientID), data)
	if err != nil {
		return "", fmt.Errorf("send %s to %s: %w", ev.Type(), recipientID, err)
	}
	r.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type()))))
	slog.Debug("Notification sent", "type", ev.Type(), "to", recipientID, "id", id)
	return id, nil
}

// Fanout sends ev to every participant except its sender. It tries every
// recipient and returns the joined errors.
func (r *Relay) Fanout(ctx context.Context, participants []string, ev Event) error {
	var errs []error
	for _, p := range participants {
		if p == ev.SenderID {
			continue
		}
		if _, err := r.Send(ctx, p, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe applies every unread entry of selfID's inbox, existing entries
// first. Entries that fail to apply stay unread and are retried the next
// time the inbox is replayed.
func (r *Relay) Subscribe(ctx context.Context, selfID string, a Applier) (store.Subscription, error) {
	sub, err := r.st.Watch(ctx, InboxPath(selfID), func(e store.Event) {
		if e.Kind != store.ChildAdded {
			return
		}
		var ev Event
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			slog.Warn("Skipping undecodable notification", "user", selfID, "id", e.Key, "error", err)
			return
		}
		if ev.Read {
			return
		}
		ev.ID = e.Key
		if _, err := r.Deliver(ctx, selfID, &ev, a); err != nil {
			slog.Warn("Notification not applied", "user", selfID, "id", ev.ID, "type", ev.Type(), "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to inbox of %s: %w", selfID, err)
	}
	slog.Info("Inbox subscribed", "user", selfID)
	return sub, nil
}

func messageKey(ev *Event) string {
	if p, ok := ev.Payload.(NewMessage); ok && p.Message.ID != "" {
		return "msg:" + p.Message.ID
	}
	return ""
}

// Deliver applies one inbox entry unless it was processed before, then
// consumes it. It reports whether a was called.
func (r *Relay) Deliver(ctx context.Context, selfID string, ev *Event, a Applier) (bool, error) {
	msgKey := messageKey(ev)
	if r.seen.Contains(ev.ID) || (msgKey != "" && r.seen.Contains(msgKey)) {
		r.duplicates.Add(ctx, 1)
		slog.Debug("Dropping duplicate notification", "user", selfID, "id", ev.ID)
		r.consume(ctx, selfID, ev.ID)
		return false, nil
	}

	applied := false
	if ev.Type() == TypeNewMessage && ev.SenderID == selfID {
		slog.Debug("Skipping own message notification", "user", selfID, "id", ev.ID)
	} else {
		if err := ev.Payload.dispatch(ctx, a, ev); err != nil {
			return false, fmt.Errorf("apply %s: %w", ev.Type(), err)
		}
		applied = true
		r.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type()))))
	}

	r.seen.Add(ev.ID, struct{}{})
	if msgKey != "" {
		r.seen.Add(msgKey, struct{}{})
	}
	r.consume(ctx, selfID, ev.ID)
	return applied, nil
}

func (r *Relay) consume(ctx context.Context, selfID, id string) {
	if id == "" {
		return
	}
	path := store.Join(InboxPath(selfID), id)
	var err error
	if r.opts.DeleteOnRead {
		err = r.st.Delete(ctx, path)
	} else {
		err = r.st.Update(ctx, path, store.Patch{Set: map[string]any{"read": true}})
	}
	if err != nil {
		slog.Warn("Failed to consume notification", "user", selfID, "id", id, "error", err)
	}
}
