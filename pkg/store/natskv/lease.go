package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/nats-chat-sync/pkg/store"
)

// leaseRecord is the value kept under the session id in SESSION_LEASES.
type leaseRecord struct {
	Session   string `json:"session"`
	RenewedAt int64  `json:"renewedAt"`
}

// renewLease refreshes the lease key. If the lease had already expired the
// reaper may have run the hooks, so the local list is dropped and callers
// are expected to register again.
func (s *Store) renewLease(ctx context.Context) error {
	leases := s.buckets[BucketLeases]
	_, err := leases.Get(ctx, s.opts.SessionID)
	lost := errors.Is(err, jetstream.ErrKeyNotFound)
	if err != nil && !lost {
		return fmt.Errorf("read lease: %w", err)
	}

	data, _ := json.Marshal(leaseRecord{Session: s.opts.SessionID, RenewedAt: s.opts.Clock.Now().UnixMilli()})
	if _, err := leases.Put(ctx, s.opts.SessionID, data); err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}

	if lost {
		s.mu.Lock()
		dropped := len(s.hooks)
		s.hooks = nil
		s.mu.Unlock()
		if dropped > 0 {
			slog.Warn("Session lease expired, disconnect hooks were reaped", "session", s.opts.SessionID, "hooks", dropped)
		}
	}
	return nil
}

func (s *Store) runHeartbeat() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.heartbeat.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.renewLease(ctx); err != nil {
				slog.Warn("Lease heartbeat failed", "session", s.opts.SessionID, "error", err)
			}
			cancel()
		}
	}
}

// OnDisconnect appends m to the session's hooks record. The record is
// rewritten as a whole, so it returns only once the server holds every hook
// registered so far.
func (s *Store) OnDisconnect(ctx context.Context, m store.Mutation) error {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	prev := s.hooks
	next := append(append([]store.Mutation(nil), prev...), m)
	s.hooks = next
	s.mu.Unlock()

	if err := s.writeHooks(ctx, next); err != nil {
		s.mu.Lock()
		s.hooks = prev
		s.mu.Unlock()
		return fmt.Errorf("register disconnect hook %s: %w", m.Path, err)
	}
	return nil
}

// CancelDisconnect drops the hooks tagged tag and rewrites the record.
func (s *Store) CancelDisconnect(ctx context.Context, tag string) error {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	prev := s.hooks
	next := make([]store.Mutation, 0, len(prev))
	for _, h := range prev {
		if h.Tag != tag {
			next = append(next, h)
		}
	}
	if len(next) == len(prev) {
		s.mu.Unlock()
		return nil
	}
	s.hooks = next
	s.mu.Unlock()

	if err := s.writeHooks(ctx, next); err != nil {
		s.mu.Lock()
		s.hooks = prev
		s.mu.Unlock()
		return fmt.Errorf("withdraw disconnect hooks %s: %w", tag, err)
	}
	return nil
}

// writeHooks replaces the session's record. An empty list removes it.
func (s *Store) writeHooks(ctx context.Context, hooks []store.Mutation) error {
	kv := s.buckets[BucketHooks]
	if len(hooks) == 0 {
		if err := kv.Delete(ctx, s.opts.SessionID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(hooks)
	if err != nil {
		return fmt.Errorf("encode hooks: %w", err)
	}
	_, err = kv.Put(ctx, s.opts.SessionID, data)
	return err
}

// Hooks returns the mutations registered by this session.
func (s *Store) Hooks() []store.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Mutation(nil), s.hooks...)
}
