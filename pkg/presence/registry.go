package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/store"
)

var meter = otel.Meter("chatsync/presence")

// Path returns the presence record path of user.
func Path(userID string) string { return store.Join("presence", userID) }

// ConnectionsPath returns the parent of user's connection entries.
func ConnectionsPath(userID string) string { return store.Join("connections", userID) }

// Registry registers the physical connections of one client.
type Registry struct {
	st         store.Store
	registered metric.Int64Counter

	mu     sync.Mutex
	userID string
	connID string
}

func NewRegistry(st store.Store) *Registry {
	registered, _ := meter.Int64Counter("presence_connections_registered_total",
		metric.WithDescription("Connections registered with presence"))
	return &Registry{st: st, registered: registered}
}

// offlinePatch removes connID from the record and flips it offline when no
// connection remains.
func offlinePatch(connID string) *store.Patch {
	return &store.Patch{
		Remove:  map[string][]string{"connections": {connID}},
		Set:     map[string]any{"lastSeen": store.ServerTimestamp},
		Guard:   "connections",
		IfEmpty: map[string]any{"online": false, "status": string(StatusOffline)},
	}
}

// Register creates a connection entry for userID and announces it. The
// connection id is generated locally so the compensating mutations can be
// installed before anything is written: a client that dies at any point
// leaves neither an online record nor an orphaned entry behind. fields are
// written together with the online flag.
func (r *Registry) Register(ctx context.Context, userID string, fields map[string]any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("connection id: %w", err)
	}
	connID := id.String()
	connPath := store.Join(ConnectionsPath(userID), connID)

	hooks := []store.Mutation{
		{Path: Path(userID), Patch: offlinePatch(connID), Tag: connID},
		{Path: connPath, Delete: true, Tag: connID},
	}
	for _, h := range hooks {
		if err := r.st.OnDisconnect(ctx, h); err != nil {
			r.withdrawHooks(ctx, userID, connID)
			return "", fmt.Errorf("install disconnect hook on %s: %w", h.Path, err)
		}
	}

	if err := r.st.Put(ctx, connPath, []byte("true")); err != nil {
		r.withdrawHooks(ctx, userID, connID)
		return "", fmt.Errorf("create connection entry: %w", err)
	}

	set := map[string]any{"online": true, "lastSeen": store.ServerTimestamp}
	for k, v := range fields {
		set[k] = v
	}
	err = r.st.Update(ctx, Path(userID), store.Patch{
		Set:   set,
		Union: map[string][]string{"connections": {connID}},
	})
	if err != nil {
		return "", fmt.Errorf("announce connection: %w", err)
	}

	r.mu.Lock()
	r.userID, r.connID = userID, connID
	r.mu.Unlock()

	r.registered.Add(ctx, 1)
	slog.Info("Connection registered", "user", userID, "conn", connID)
	return connID, nil
}

// Unregister removes the current connection explicitly, doing what the
// disconnect hooks would do.
func (r *Registry) Unregister(ctx context.Context) error {
	r.mu.Lock()
	userID, connID := r.userID, r.connID
	r.userID, r.connID = "", ""
	r.mu.Unlock()
	if connID == "" {
		return nil
	}
	return r.release(ctx, userID, connID)
}

func (r *Registry) release(ctx context.Context, userID, connID string) error {
	if err := r.st.Update(ctx, Path(userID), *offlinePatch(connID)); err != nil {
		return fmt.Errorf("withdraw connection %s: %w", connID, err)
	}
	if err := r.st.Delete(ctx, store.Join(ConnectionsPath(userID), connID)); err != nil {
		return fmt.Errorf("delete connection %s: %w", connID, err)
	}
	if err := r.st.CancelDisconnect(ctx, connID); err != nil {
		return fmt.Errorf("withdraw hooks of %s: %w", connID, err)
	}
	slog.Info("Connection unregistered", "user", userID, "conn", connID)
	return nil
}

// withdrawHooks undoes a partial Register.
func (r *Registry) withdrawHooks(ctx context.Context, userID, connID string) {
	if err := r.st.CancelDisconnect(ctx, connID); err != nil {
		slog.Warn("Failed to withdraw disconnect hooks", "user", userID, "conn", connID, "error", err)
	}
}

// ConnectionID returns the current connection id, empty when unregistered.
func (r *Registry) ConnectionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connID
}

// UserID returns the registered user, empty when unregistered.
func (r *Registry) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}
