// Package connstate tracks the client's link to the shared store and decides
// whether an incoming message deserves a user-visible alert.
package connstate

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/store"
)

// State is the connection lifecycle as seen by the client.
type State int

const (
	// Connecting means no connection has been established yet.
	Connecting State = iota
	Connected
	// Reconnecting means a previously established connection was lost.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "connecting"
	}
}

// Observer follows a store's connectivity signal.
type Observer struct {
	sub         store.Subscription
	transitions metric.Int64Counter

	mu    sync.Mutex
	state State
	subs  map[int]func(State)
	next  int
}

// Watch starts observing s. The initial state is delivered by the store
// before Watch returns.
func Watch(s store.Store) *Observer {
	transitions, _ := otel.Meter("chatsync/connstate").Int64Counter("connstate_transitions_total",
		metric.WithDescription("Connection state transitions, by new state"))
	o := &Observer{subs: make(map[int]func(State)), transitions: transitions}
	o.sub = s.WatchConnection(o.onSignal)
	return o
}

func (o *Observer) onSignal(connected bool) {
	o.mu.Lock()
	prev := o.state
	switch {
	case connected:
		o.state = Connected
	case prev == Connected:
		o.state = Reconnecting
	}
	cur := o.state
	fns := make([]func(State), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	if cur == prev {
		return
	}
	slog.Info("Connection state changed", "from", prev, "to", cur)
	o.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", cur.String())))
	for _, fn := range fns {
		fn(cur)
	}
}

func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Observer) IsConnected() bool { return o.State() == Connected }

// IsReconnecting reports whether an established connection was lost and has
// not come back yet.
func (o *Observer) IsReconnecting() bool { return o.State() == Reconnecting }

// Subscribe calls fn on every state transition.
func (o *Observer) Subscribe(fn func(State)) store.Subscription {
	o.mu.Lock()
	o.next++
	id := o.next
	o.subs[id] = fn
	o.mu.Unlock()
	return store.SubscriptionFunc(func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	})
}

// Close stops observing the store.
func (o *Observer) Close() {
	if o.sub != nil {
		o.sub.Unsubscribe()
	}
}
