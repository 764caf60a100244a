// Package natskv implements store.Store on NATS JetStream key/value buckets.
//
// Paths map to one bucket per top-level segment and dot-separated keys
// within it. Disconnect hooks are kept in SESSION_HOOKS and guarded by a
// heartbeat key in the TTL bucket SESSION_LEASES; a Reaper applies the hooks
// of sessions whose lease expired.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/store"
)

const maxCASAttempts = 16

// Settings size the buckets. Zero values fall back to the defaults below.
type Settings struct {
	LeaseTTL              time.Duration
	TypingTTL             time.Duration
	NotificationRetention time.Duration
	Replicas              int
}

func (s Settings) withDefaults() Settings {
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 45 * time.Second
	}
	if s.TypingTTL <= 0 {
		s.TypingTTL = 30 * time.Second
	}
	if s.Replicas <= 0 {
		s.Replicas = 1
	}
	return s
}

// BucketConfigs returns the key/value buckets the store needs.
func BucketConfigs(s Settings) []jetstream.KeyValueConfig {
	s = s.withDefaults()
	return []jetstream.KeyValueConfig{
		{Bucket: BucketPresence, History: 1, Storage: jetstream.MemoryStorage, Replicas: s.Replicas},
		{Bucket: BucketConnections, History: 1, Storage: jetstream.MemoryStorage, Replicas: s.Replicas},
		{Bucket: BucketNotifications, History: 1, TTL: s.NotificationRetention, Storage: jetstream.FileStorage, Replicas: s.Replicas},
		{Bucket: BucketTyping, History: 1, TTL: s.TypingTTL, Storage: jetstream.MemoryStorage, Replicas: s.Replicas},
		{Bucket: BucketDefault, History: 1, Storage: jetstream.FileStorage, Replicas: s.Replicas},
		{Bucket: BucketLeases, History: 1, TTL: s.LeaseTTL, Storage: jetstream.MemoryStorage, Replicas: s.Replicas},
		{Bucket: BucketHooks, History: 1, Storage: jetstream.FileStorage, Replicas: s.Replicas},
	}
}

// EnsureBuckets creates or updates every bucket. Services call it at
// startup; clients only bind.
func EnsureBuckets(ctx context.Context, js jetstream.JetStream, s Settings) error {
	for _, cfg := range BucketConfigs(s) {
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
	}
	return nil
}

// Options configure a Store.
type Options struct {
	// SessionID names this client's lease. Generated when empty.
	SessionID string
	// Heartbeat is how often the lease is renewed. It must be well below
	// the SESSION_LEASES TTL.
	Heartbeat time.Duration
	Clock     clock.Clock
}

// Store is a store.Store backed by JetStream key/value buckets.
type Store struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	opts    Options
	buckets map[string]jetstream.KeyValue

	hookMu    sync.Mutex // serializes rewrites of the hooks record
	mu        sync.Mutex
	hooks     []store.Mutation
	connFns   map[int]func(bool)
	nextConn  int
	watchers  map[int]context.CancelFunc
	nextWatch int
	closed    bool

	dispatch  chan func()
	done      chan struct{}
	heartbeat *clock.Ticker
	wg        sync.WaitGroup
}

// Open binds the buckets, starts the session lease and takes over the
// connection's disconnect and reconnect handlers.
func Open(ctx context.Context, nc *nats.Conn, opts Options) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	s := &Store{
		nc:       nc,
		js:       js,
		opts:     opts,
		buckets:  make(map[string]jetstream.KeyValue),
		connFns:  make(map[int]func(bool)),
		watchers: make(map[int]context.CancelFunc),
		dispatch: make(chan func(), 256),
		done:     make(chan struct{}),
	}
	for _, cfg := range BucketConfigs(Settings{}) {
		kv, err := js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("bind bucket %s: %w", cfg.Bucket, err)
		}
		s.buckets[cfg.Bucket] = kv
	}

	if err := s.renewLease(ctx); err != nil {
		return nil, err
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		slog.Warn("Store connection lost", "session", s.opts.SessionID, "error", err)
		s.notifyConn(false)
	})
	nc.SetReconnectHandler(func(_ *nats.Conn) {
		slog.Info("Store connection restored", "session", s.opts.SessionID)
		s.notifyConn(true)
	})
	nc.SetClosedHandler(func(_ *nats.Conn) {
		s.notifyConn(false)
	})

	s.heartbeat = opts.Clock.NewTicker(opts.Heartbeat)
	s.wg.Add(2)
	go s.runDispatch()
	go s.runHeartbeat()

	slog.Info("Store opened", "session", opts.SessionID)
	return s, nil
}

// SessionID returns the lease name of this client.
func (s *Store) SessionID() string { return s.opts.SessionID }

func (s *Store) bucket(path string) (jetstream.KeyValue, string) {
	b, key := location(path)
	return s.buckets[b], key
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	kv, key := s.bucket(path)
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return entry.Value(), nil
}

func (s *Store) Put(ctx context.Context, path string, value []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	kv, key := s.bucket(path)
	if _, err := kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *Store) Push(ctx context.Context, parent string, value []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("push key: %w", err)
	}
	key := id.String()
	if err := s.Put(ctx, store.Join(parent, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Update is a compare-and-set loop on the key's revision.
func (s *Store) Update(ctx context.Context, path string, p store.Patch) error {
	if err := s.check(); err != nil {
		return err
	}
	kv, key := s.bucket(path)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			cur []byte
			rev uint64
		)
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			cur, rev = entry.Value(), entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return fmt.Errorf("update %s: %w", path, err)
		}

		next, err := store.ApplyPatch(cur, p, s.opts.Clock.Now())
		if err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		if rev == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, rev)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("update %s: %w", path, err)
		}
		slog.Debug("CAS conflict, retrying", "path", path, "attempt", attempt+1)
	}
	return fmt.Errorf("update %s: too many concurrent writers", path)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.check(); err != nil {
		return err
	}
	kv, key := s.bucket(path)
	if err := kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Watch streams direct children of parent. Entries present when the watch
// starts are replayed as ChildAdded before live updates.
func (s *Store) Watch(ctx context.Context, parent string, fn func(store.Event)) (store.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	kv, key := s.bucket(parent)
	bucket, _ := location(parent)
	return s.startWatch(ctx, kv, childPattern(key), func(entry jetstream.KeyValueEntry, seen map[string]bool) {
		path, err := pathOf(bucket, entry.Key())
		if err != nil {
			slog.Warn("Skipping undecodable key", "bucket", bucket, "key", entry.Key(), "error", err)
			return
		}
		ev := store.Event{Key: store.Base(path), Path: path}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			ev.Value = entry.Value()
			ev.Kind = store.ChildChanged
			if !seen[entry.Key()] {
				ev.Kind = store.ChildAdded
				seen[entry.Key()] = true
			}
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			if !seen[entry.Key()] {
				return
			}
			delete(seen, entry.Key())
			ev.Kind = store.ChildRemoved
		default:
			return
		}
		s.deliver(func() { fn(ev) })
	}, nil)
}

// WatchValue streams the value at path.
func (s *Store) WatchValue(ctx context.Context, path string, fn func([]byte)) (store.Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	kv, key := s.bucket(path)
	var present bool
	return s.startWatch(ctx, kv, key, func(entry jetstream.KeyValueEntry, _ map[string]bool) {
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			present = true
			v := entry.Value()
			s.deliver(func() { fn(v) })
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			present = false
			s.deliver(func() { fn(nil) })
		}
	}, func() {
		if !present {
			s.deliver(func() { fn(nil) })
		}
	})
}

// startWatch runs a KV watcher in its own goroutine. onEntry is called for
// every entry; onReplayed once the initial values have been delivered.
func (s *Store) startWatch(ctx context.Context, kv jetstream.KeyValue, pattern string, onEntry func(jetstream.KeyValueEntry, map[string]bool), onReplayed func()) (store.Subscription, error) {
	wctx, cancel := context.WithCancel(context.Background())
	w, err := kv.Watch(wctx, pattern)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", pattern, err)
	}

	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Stop()
		seen := make(map[string]bool)
		for {
			select {
			case <-wctx.Done():
				return
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					if onReplayed != nil {
						onReplayed()
					}
					continue
				}
				onEntry(entry, seen)
			}
		}
	}()

	return store.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		cancel()
	}), nil
}

// deliver hands fn to the dispatch goroutine so handlers of one client never
// run concurrently.
func (s *Store) deliver(fn func()) {
	select {
	case s.dispatch <- fn:
	case <-s.done:
	}
}

func (s *Store) runDispatch() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.dispatch:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Store) WatchConnection(fn func(bool)) store.Subscription {
	s.mu.Lock()
	id := s.nextConn
	s.nextConn++
	s.connFns[id] = fn
	s.mu.Unlock()

	connected := s.nc.IsConnected()
	s.deliver(func() { fn(connected) })

	return store.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.connFns, id)
		s.mu.Unlock()
	})
}

func (s *Store) notifyConn(connected bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.connFns))
	for _, fn := range s.connFns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		s.deliver(func() { fn(connected) })
	}
}

// Close applies this session's disconnect hooks, releases the lease and
// stops every watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	hooks := append([]store.Mutation(nil), s.hooks...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var failed bool
	for _, m := range hooks {
		if err := store.Apply(ctx, s, m); err != nil {
			slog.Warn("Disconnect hook failed, leaving it to the reaper", "path", m.Path, "error", err)
			failed = true
		}
	}
	if !failed {
		if err := s.buckets[BucketHooks].Delete(ctx, s.opts.SessionID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			slog.Warn("Failed to delete hooks record", "session", s.opts.SessionID, "error", err)
		}
	}
	if err := s.buckets[BucketLeases].Delete(ctx, s.opts.SessionID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		slog.Warn("Failed to release lease", "session", s.opts.SessionID, "error", err)
	}

	s.mu.Lock()
	s.closed = true
	for id, cancel := range s.watchers {
		cancel()
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	s.heartbeat.Stop()
	close(s.done)
	s.wg.Wait()
	slog.Info("Store closed", "session", s.opts.SessionID)
	return nil
}
