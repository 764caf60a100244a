package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/store"
)

// Profile is display data published with the presence record.
type Profile struct {
	Nickname string
	Avatar   string
}

// Tracker publishes the local user's presence and streams everyone's.
type Tracker struct {
	st      store.Store
	reg     *Registry
	profile Profile
	updates metric.Int64Counter

	mu     sync.Mutex
	status Status
}

func NewTracker(st store.Store, profile Profile) *Tracker {
	updates, _ := meter.Int64Counter("presence_status_updates_total",
		metric.WithDescription("Presence status changes written by this client"))
	return &Tracker{
		st:      st,
		reg:     NewRegistry(st),
		profile: profile,
		updates: updates,
		status:  StatusOnline,
	}
}

// Registry exposes the underlying connection registry.
func (t *Tracker) Registry() *Registry { return t.reg }

func (t *Tracker) announceFields() map[string]any {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	fields := map[string]any{"status": string(status)}
	if t.profile.Nickname != "" {
		fields["nickname"] = t.profile.Nickname
	}
	if t.profile.Avatar != "" {
		fields["avatar"] = t.profile.Avatar
	}
	return fields
}

// Start registers this client's connection for userID.
func (t *Tracker) Start(ctx context.Context, userID string) (string, error) {
	return t.reg.Register(ctx, userID, t.announceFields())
}

// Stop withdraws this client's connection.
func (t *Tracker) Stop(ctx context.Context) error {
	return t.reg.Unregister(ctx)
}

// Reannounce registers a fresh connection after the store connection came
// back, then withdraws the previous one. The old connection may already
// have been reaped while the client was away.
func (t *Tracker) Reannounce(ctx context.Context) (string, error) {
	userID, oldConn := t.reg.UserID(), t.reg.ConnectionID()
	if userID == "" {
		return "", fmt.Errorf("reannounce: not registered")
	}
	connID, err := t.reg.Register(ctx, userID, t.announceFields())
	if err != nil {
		return "", err
	}
	if oldConn != "" && oldConn != connID {
		if err := t.reg.release(ctx, userID, oldConn); err != nil {
			slog.Warn("Failed to withdraw stale connection", "user", userID, "conn", oldConn, "error", err)
		}
	}
	slog.Info("Presence reannounced", "user", userID, "conn", connID, "previous", oldConn)
	return connID, nil
}

// Status returns the locally chosen status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus records the user's chosen status. The online flag is left to
// the connection map. Failures are logged and returned; callers may ignore
// them since presence is advisory.
func (t *Tracker) SetStatus(ctx context.Context, status Status) error {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()

	userID := t.reg.UserID()
	if userID == "" {
		return nil
	}
	err := t.st.Update(ctx, Path(userID), store.Patch{
		Set: map[string]any{"status": string(status), "lastSeen": store.ServerTimestamp},
	})
	if err != nil {
		slog.Warn("Presence status update failed", "user", userID, "status", status, "error", err)
		return fmt.Errorf("set status: %w", err)
	}
	t.updates.Add(ctx, 1)
	slog.Debug("Presence status updated", "user", userID, "status", status)
	return nil
}

// WatchAll streams every user's record. fn receives nil when a record is
// removed.
func (t *Tracker) WatchAll(ctx context.Context, fn func(userID string, rec *Record)) (store.Subscription, error) {
	return t.st.Watch(ctx, "presence", func(ev store.Event) {
		if ev.Kind == store.ChildRemoved {
			fn(ev.Key, nil)
			return
		}
		rec, err := decodeRecord(ev.Value)
		if err != nil {
			slog.Warn("Skipping presence record", "user", ev.Key, "error", err)
			return
		}
		fn(ev.Key, rec)
	})
}

// WatchOne streams userID's record, nil while absent.
func (t *Tracker) WatchOne(ctx context.Context, userID string, fn func(*Record)) (store.Subscription, error) {
	return t.st.WatchValue(ctx, Path(userID), func(data []byte) {
		rec, err := decodeRecord(data)
		if err != nil {
			slog.Warn("Skipping presence record", "user", userID, "error", err)
			return
		}
		fn(rec)
	})
}

// Lookup reads the presence record of userID. It returns nil when the user
// has never connected.
func Lookup(ctx context.Context, st store.Store, userID string) (*Record, error) {
	data, err := st.Get(ctx, Path(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence of %s: %w", userID, err)
	}
	return decodeRecord(data)
}
