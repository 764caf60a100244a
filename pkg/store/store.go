// Package store defines the real-time key/value store the sync layer is
// built on: path-scoped reads and writes, child add/change/remove
// subscriptions, atomic map union/removal, and compensating mutations that
// the store runs when a client's connection is lost.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// EventKind classifies a child event.
type EventKind int

const (
	ChildAdded EventKind = iota + 1
	ChildChanged
	ChildRemoved
)

func (k EventKind) String() string {
	switch k {
	case ChildAdded:
		return "added"
	case ChildChanged:
		return "changed"
	case ChildRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is delivered to Watch handlers for a direct child of the watched
// path. Value is nil for ChildRemoved.
type Event struct {
	Kind  EventKind
	Key   string
	Path  string
	Value []byte
}

// Subscription cancels a watch.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Mutation is a write registered with OnDisconnect. Exactly one of Delete
// or Patch applies. Tag groups hooks so they can be withdrawn together.
type Mutation struct {
	Path   string `json:"path"`
	Delete bool   `json:"delete,omitempty"`
	Patch  *Patch `json:"patch,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

// Store is the contract the presence, typing and notification components
// consume. Events for one path are delivered in write order; there is no
// ordering across paths.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, value []byte) error
	// Push writes value under a new store-generated child key of parent.
	// Keys generated later sort after keys generated earlier.
	Push(ctx context.Context, parent string, value []byte) (string, error)
	// Update atomically applies p to the JSON object at path, creating it
	// when absent.
	Update(ctx context.Context, path string, p Patch) error
	Delete(ctx context.Context, path string) error

	// Watch streams events for the direct children of parent. Existing
	// children are replayed as ChildAdded first.
	Watch(ctx context.Context, parent string, fn func(Event)) (Subscription, error)
	// WatchValue streams the value at path, nil when absent. The current
	// value is delivered first.
	WatchValue(ctx context.Context, path string, fn func([]byte)) (Subscription, error)

	// OnDisconnect registers m to run when this client's connection is lost
	// or closed. It returns only after the store has accepted the mutation.
	OnDisconnect(ctx context.Context, m Mutation) error
	// CancelDisconnect withdraws every registered hook carrying tag. It is
	// not an error if none does.
	CancelDisconnect(ctx context.Context, tag string) error
	// WatchConnection reports connectivity changes, starting with the
	// current state.
	WatchConnection(fn func(connected bool)) Subscription
}

// Apply runs m against s. Used by stores executing compensating mutations
// and by clients performing the same teardown explicitly.
func Apply(ctx context.Context, s Store, m Mutation) error {
	if m.Delete {
		return s.Delete(ctx, m.Path)
	}
	if m.Patch == nil {
		return nil
	}
	return s.Update(ctx, m.Path, *m.Patch)
}
