package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/store"
)

// Reaper applies the disconnect hooks of sessions whose lease is gone.
// Released leases are reaped as soon as their delete is observed; expired
// ones are found by the periodic sweep. Applying a hook twice is harmless,
// so several reapers may run, but only the elected leader sweeps.
type Reaper struct {
	store  *Store
	leases jetstream.KeyValue
	hooks  jetstream.KeyValue
	sweep  time.Duration
	leader interface{ IsLeader() bool }

	reaped metric.Int64Counter
	failed metric.Int64Counter
}

// NewReaper returns a Reaper that writes through s. leader may be nil, in
// which case this instance always sweeps.
func NewReaper(s *Store, sweep time.Duration, leader interface{ IsLeader() bool }) (*Reaper, error) {
	meter := otel.Meter("presence-service")
	reaped, err := meter.Int64Counter("session_hooks_reaped_total",
		metric.WithDescription("Sessions whose disconnect hooks were applied by the reaper"))
	if err != nil {
		return nil, fmt.Errorf("reaped counter: %w", err)
	}
	failed, err := meter.Int64Counter("session_hook_failures_total",
		metric.WithDescription("Disconnect hooks that failed to apply"))
	if err != nil {
		return nil, fmt.Errorf("failure counter: %w", err)
	}
	return &Reaper{
		store:  s,
		leases: s.buckets[BucketLeases],
		hooks:  s.buckets[BucketHooks],
		sweep:  sweep,
		leader: leader,
		reaped: reaped,
		failed: failed,
	}, nil
}

// Run blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	w, err := r.leases.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("watch leases: %w", err)
	}
	defer w.Stop()

	ticker := r.store.opts.Clock.NewTicker(r.sweep)
	defer ticker.Stop()

	slog.Info("Reaper started", "sweep", r.sweep)
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				return errors.New("lease watcher closed")
			}
			if entry == nil {
				continue
			}
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				r.Reap(ctx, entry.Key())
			}
		case <-ticker.C:
			if r.leader != nil && !r.leader.IsLeader() {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				slog.Warn("Hook sweep failed", "error", err)
			}
		}
	}
}

// Sweep reaps every hooks record without a live lease.
func (r *Reaper) Sweep(ctx context.Context) error {
	lister, err := r.hooks.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list hooks: %w", err)
	}
	var orphans []string
	for session := range lister.Keys() {
		_, err := r.leases.Get(ctx, session)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			orphans = append(orphans, session)
		}
	}
	for _, session := range orphans {
		r.Reap(ctx, session)
	}
	return nil
}

// Reap applies the hooks recorded for session and removes the record. The
// record is only removed if nobody rewrote it in the meantime.
func (r *Reaper) Reap(ctx context.Context, session string) {
	entry, err := r.hooks.Get(ctx, session)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return
	}
	if err != nil {
		slog.Warn("Failed to read hooks", "session", session, "error", err)
		return
	}

	var muts []store.Mutation
	if err := json.Unmarshal(entry.Value(), &muts); err != nil {
		slog.Error("Dropping corrupt hooks record", "session", session, "error", err)
		r.hooks.Delete(ctx, session, jetstream.LastRevision(entry.Revision()))
		return
	}

	for _, m := range muts {
		if err := store.Apply(ctx, r.store, m); err != nil {
			r.failed.Add(ctx, 1)
			slog.Warn("Disconnect hook failed, will retry on next sweep", "session", session, "path", m.Path, "error", err)
			return
		}
	}
	if err := r.hooks.Delete(ctx, session, jetstream.LastRevision(entry.Revision())); err != nil {
		slog.Debug("Hooks record changed while reaping", "session", session, "error", err)
	}
	r.reaped.Add(ctx, 1)
	slog.Info("Reaped session", "session", session, "hooks", len(muts))
}
