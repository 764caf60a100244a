// Package typing publishes and observes per-conversation typing flags.
//
// Each keystroke rewrites typing/{conversation}/{user} and restarts a stop
// timer; when the timer fires the record is rewritten with isTyping false,
// so a burst of keystrokes costs one trailing stop write.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/store"
)

const DefaultTimeout = 5 * time.Second

var meter = otel.Meter("chatsync/typing")

// Record is the value at typing/{conversation}/{user}.
type Record struct {
	IsTyping    bool   `json:"isTyping"`
	Timestamp   int64  `json:"timestamp"`
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
}

// Path returns the typing record path of user in conversation.
func Path(conversationID, userID string) string {
	return store.Join("typing", conversationID, userID)
}

// Handler observes another user's typing flag.
type Handler func(userID string, isTyping bool)

type pendingStop struct {
	timer *clock.Timer
}

type subscription struct {
	fn  Handler
	sub store.Subscription
}

// Channel is one user's typing side channel.
type Channel struct {
	st          store.Store
	clk         clock.Clock
	userID      string
	displayName string
	timeout     time.Duration
	writes      metric.Int64Counter

	// writeMu orders writes of the user's own record with the pending
	// stop timer, so a stop can never land after a newer start.
	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]*pendingStop
	subs    map[string][]*subscription
	typers  map[string]map[string]Record
}

func New(st store.Store, clk clock.Clock, userID, displayName string, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	writes, _ := meter.Int64Counter("typing_writes_total",
		metric.WithDescription("Writes of the user's own typing record, by kind"))
	return &Channel{
		st:          st,
		clk:         clk,
		userID:      userID,
		displayName: displayName,
		timeout:     timeout,
		writes:      writes,
		pending:     make(map[string]*pendingStop),
		subs:        make(map[string][]*subscription),
		typers:      make(map[string]map[string]Record),
	}
}

func (c *Channel) write(ctx context.Context, conversationID string, typing bool) error {
	data, err := json.Marshal(Record{
		IsTyping:    typing,
		Timestamp:   c.clk.Now().UnixMilli(),
		DisplayName: c.displayName,
		UserID:      c.userID,
	})
	if err != nil {
		return err
	}
	return c.st.Put(ctx, Path(conversationID, c.userID), data)
}

func (c *Channel) count(ctx context.Context, kind string) {
	c.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// StartTyping marks the user as typing and restarts the stop timer.
func (c *Channel) StartTyping(ctx context.Context, conversationID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.write(ctx, conversationID, true); err != nil {
		return fmt.Errorf("start typing in %s: %w", conversationID, err)
	}
	c.count(ctx, "start")

	p := &pendingStop{}
	c.mu.Lock()
	if prev := c.pending[conversationID]; prev != nil {
		prev.timer.Stop()
	}
	c.pending[conversationID] = p
	p.timer = c.clk.AfterFunc(c.timeout, func() { c.expire(conversationID, p) })
	c.mu.Unlock()
	return nil
}

func (c *Channel) expire(conversationID string, p *pendingStop) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.pending[conversationID] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, conversationID)
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.write(ctx, conversationID, false); err != nil {
		slog.Warn("Typing stop write failed", "conversation", conversationID, "error", err)
		return
	}
	c.count(ctx, "stop")
}

func (c *Channel) cancelPending(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.pending[conversationID]; p != nil {
		p.timer.Stop()
		delete(c.pending, conversationID)
	}
}

// StopTyping cancels the stop timer and removes the record at once.
func (c *Channel) StopTyping(ctx context.Context, conversationID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.cancelPending(conversationID)
	if err := c.st.Delete(ctx, Path(conversationID, c.userID)); err != nil {
		return fmt.Errorf("stop typing in %s: %w", conversationID, err)
	}
	c.count(ctx, "clear")
	return nil
}

// Subscribe calls fn whenever another participant of conversationID starts
// or stops typing. The user's own record is ignored.
func (c *Channel) Subscribe(ctx context.Context, conversationID string, fn Handler) (store.Subscription, error) {
	s := &subscription{fn: fn}
	if err := c.watch(ctx, conversationID, s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs[conversationID] = append(c.subs[conversationID], s)
	c.mu.Unlock()

	return store.SubscriptionFunc(func() {
		c.mu.Lock()
		list := c.subs[conversationID]
		for i, x := range list {
			if x == s {
				c.subs[conversationID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[conversationID]) == 0 {
			delete(c.subs, conversationID)
		}
		sub := s.sub
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
	}), nil
}

func (c *Channel) watch(ctx context.Context, conversationID string, s *subscription) error {
	sub, err := c.st.Watch(ctx, store.Join("typing", conversationID), func(ev store.Event) {
		if ev.Key == c.userID {
			return
		}
		var rec Record
		typing := false
		if ev.Kind != store.ChildRemoved {
			if err := json.Unmarshal(ev.Value, &rec); err != nil {
				slog.Warn("Skipping typing record", "conversation", conversationID, "user", ev.Key, "error", err)
				return
			}
			typing = rec.IsTyping
		}
		c.track(conversationID, ev.Key, rec, typing)
		s.fn(ev.Key, typing)
	})
	if err != nil {
		return fmt.Errorf("watch typing in %s: %w", conversationID, err)
	}
	c.mu.Lock()
	s.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Channel) track(conversationID, userID string, rec Record, typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !typing {
		delete(c.typers[conversationID], userID)
		return
	}
	if c.typers[conversationID] == nil {
		c.typers[conversationID] = make(map[string]Record)
	}
	c.typers[conversationID][userID] = rec
}

// Typing returns the other users currently typing in conversationID,
// oldest first.
func (c *Channel) Typing(conversationID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.typers[conversationID]))
	for _, rec := range c.typers[conversationID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Joined returns the conversations with live subscriptions.
func (c *Channel) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resubscribe re-establishes every subscription, keeping the handlers.
func (c *Channel) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	var all []*subscription
	convs := make([]string, 0, len(c.subs))
	for id, list := range c.subs {
		for _, s := range list {
			all = append(all, s)
			convs = append(convs, id)
		}
	}
	c.typers = make(map[string]map[string]Record)
	c.mu.Unlock()

	var firstErr error
	for i, s := range all {
		c.mu.Lock()
		old := s.sub
		s.sub = nil
		c.mu.Unlock()
		if old != nil {
			old.Unsubscribe()
		}
		if err := c.watch(ctx, convs[i], s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Leave drops every subscription on conversationID and removes the user's
// own record.
func (c *Channel) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	list := c.subs[conversationID]
	delete(c.subs, conversationID)
	delete(c.typers, conversationID)
	c.mu.Unlock()

	for _, s := range list {
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
	}
	return c.StopTyping(ctx, conversationID)
}

// Close leaves every joined conversation and cancels pending stop timers.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	convs := make(map[string]bool)
	for id := range c.subs {
		convs[id] = true
	}
	for id := range c.pending {
		convs[id] = true
	}
	c.mu.Unlock()

	var firstErr error
	for id := range convs {
		if err := c.Leave(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
