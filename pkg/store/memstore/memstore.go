// Package memstore is an in-process store.Store. One Memory value plays the
// server; every Connect call returns a client with its own connection lease,
// so multi-tab and multi-device scenarios can be simulated in one test.
//
// Events are queued in commit order and drained by whichever goroutine
// committed the write. A handler that writes schedules further events behind
// the current one instead of recursing, so handlers on one Memory never run
// concurrently with each other.
package memstore

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/store"
)

// Memory is the shared backend.
type Memory struct {
	clock clock.Clock

	mu       sync.Mutex
	data     map[string][]byte
	watchers map[int]*watcher
	nextID   int
	queue    []delivery
	draining bool
}

type watcher struct {
	id     int
	parent string // child watch
	path   string // value watch
	child  func(store.Event)
	value  func([]byte)
}

type delivery struct {
	w     *watcher
	event store.Event
	value []byte
}

// New returns an empty backend whose ServerTimestamp resolves against c.
func New(c clock.Clock) *Memory {
	return &Memory{
		clock:    c,
		data:     make(map[string][]byte),
		watchers: make(map[int]*watcher),
	}
}

// Connect opens a client connection.
func (m *Memory) Connect() *Client {
	return &Client{mem: m, connected: true}
}

// Snapshot returns a copy of the value at path, or nil.
func (m *Memory) Snapshot(path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[store.Join(path)]
	if !ok {
		return nil
	}
	return append([]byte(nil), v...)
}

// Children returns the sorted child keys of parent.
func (m *Memory) Children(parent string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childrenLocked(store.Join(parent))
}

func (m *Memory) childrenLocked(parent string) []string {
	var keys []string
	for p := range m.data {
		if store.Parent(p) == parent {
			keys = append(keys, store.Base(p))
		}
	}
	sort.Strings(keys)
	return keys
}

// write commits value (nil deletes) and queues events. Must hold m.mu.
func (m *Memory) writeLocked(path string, value []byte) {
	old, existed := m.data[path]
	var kind store.EventKind
	switch {
	case value == nil && !existed:
		return
	case value == nil:
		delete(m.data, path)
		kind = store.ChildRemoved
	case existed:
		if string(old) == string(value) {
			return
		}
		m.data[path] = value
		kind = store.ChildChanged
	default:
		m.data[path] = value
		kind = store.ChildAdded
	}

	parent := store.Parent(path)
	ids := m.sortedWatcherIDs()
	for _, id := range ids {
		w := m.watchers[id]
		switch {
		case w.child != nil && w.parent == parent:
			m.queue = append(m.queue, delivery{w: w, event: store.Event{
				Kind:  kind,
				Key:   store.Base(path),
				Path:  path,
				Value: value,
			}})
		case w.value != nil && w.path == path:
			m.queue = append(m.queue, delivery{w: w, value: value})
		}
	}
}

func (m *Memory) sortedWatcherIDs() []int {
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// drain delivers queued events unless another goroutine is already doing
// so. Must be called without m.mu held.
func (m *Memory) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		d := m.queue[0]
		m.queue = m.queue[1:]
		live := m.watchers[d.w.id] == d.w
		m.mu.Unlock()
		if live {
			if d.w.child != nil {
				d.w.child(d.event)
			} else {
				d.w.value(d.value)
			}
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

// Client is one connection to a Memory. It implements store.Store.
type Client struct {
	mem *Memory

	mu        sync.Mutex
	closed    bool
	connected bool
	hooks     []store.Mutation
	connFns   map[int]func(bool)
	nextConn  int
	watchIDs  []int
}

var _ store.Store = (*Client)(nil)

func (c *Client) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	return nil
}

func (c *Client) Get(_ context.Context, path string) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	v := c.mem.Snapshot(path)
	if v == nil {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (c *Client) Put(_ context.Context, path string, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mem.mu.Lock()
	c.mem.writeLocked(store.Join(path), append([]byte(nil), value...))
	c.mem.mu.Unlock()
	c.mem.drain()
	return nil
}

func (c *Client) Push(ctx context.Context, parent string, value []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	if err := c.Put(ctx, store.Join(parent, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Client) Update(_ context.Context, path string, p store.Patch) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.mem.update(store.Join(path), p)
}

func (m *Memory) update(path string, p store.Patch) error {
	m.mu.Lock()
	next, err := store.ApplyPatch(m.data[path], p, m.clock.Now())
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.writeLocked(path, next)
	m.mu.Unlock()
	m.drain()
	return nil
}

func (c *Client) Delete(_ context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mem.mu.Lock()
	c.mem.writeLocked(store.Join(path), nil)
	c.mem.mu.Unlock()
	c.mem.drain()
	return nil
}

func (c *Client) Watch(_ context.Context, parent string, fn func(store.Event)) (store.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	parent = store.Join(parent)
	w := &watcher{parent: parent, child: fn}

	m := c.mem
	m.mu.Lock()
	id := m.register(w)
	for _, key := range m.childrenLocked(parent) {
		p := store.Join(parent, key)
		m.queue = append(m.queue, delivery{w: w, event: store.Event{
			Kind:  store.ChildAdded,
			Key:   key,
			Path:  p,
			Value: m.data[p],
		}})
	}
	m.mu.Unlock()
	c.track(id)
	m.drain()
	return c.subscription(id), nil
}

func (c *Client) WatchValue(_ context.Context, path string, fn func([]byte)) (store.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	path = store.Join(path)
	w := &watcher{path: path, value: fn}

	m := c.mem
	m.mu.Lock()
	id := m.register(w)
	m.queue = append(m.queue, delivery{w: w, value: m.data[path]})
	m.mu.Unlock()
	c.track(id)
	m.drain()
	return c.subscription(id), nil
}

func (m *Memory) register(w *watcher) int {
	m.nextID++
	w.id = m.nextID
	m.watchers[w.id] = w
	return w.id
}

func (c *Client) track(id int) {
	c.mu.Lock()
	c.watchIDs = append(c.watchIDs, id)
	c.mu.Unlock()
}

func (c *Client) subscription(id int) store.Subscription {
	return store.SubscriptionFunc(func() {
		c.mem.mu.Lock()
		delete(c.mem.watchers, id)
		c.mem.mu.Unlock()
	})
}

func (c *Client) OnDisconnect(_ context.Context, mut store.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	mut.Path = store.Join(mut.Path)
	c.hooks = append(c.hooks, mut)
	return nil
}

func (c *Client) CancelDisconnect(_ context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	c.hooks = withoutTag(c.hooks, tag)
	return nil
}

func withoutTag(hooks []store.Mutation, tag string) []store.Mutation {
	kept := hooks[:0]
	for _, h := range hooks {
		if h.Tag != tag {
			kept = append(kept, h)
		}
	}
	return kept
}

// Hooks returns the compensating mutations registered so far.
func (c *Client) Hooks() []store.Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Mutation(nil), c.hooks...)
}

func (c *Client) WatchConnection(fn func(bool)) store.Subscription {
	c.mu.Lock()
	if c.connFns == nil {
		c.connFns = make(map[int]func(bool))
	}
	c.nextConn++
	id := c.nextConn
	c.connFns[id] = fn
	connected := c.connected
	c.mu.Unlock()

	fn(connected)
	return store.SubscriptionFunc(func() {
		c.mu.Lock()
		delete(c.connFns, id)
		c.mu.Unlock()
	})
}

// SetConnected simulates the connectivity signal. Data operations are not
// affected.
func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	fns := make([]func(bool), 0, len(c.connFns))
	ids := make([]int, 0, len(c.connFns))
	for id := range c.connFns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, c.connFns[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Close tears the connection down. The server runs the registered
// compensating mutations, as it would for any lost connection.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

// Kill simulates the process dying without any teardown of its own.
func (c *Client) Kill() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	ids := c.watchIDs
	c.watchIDs = nil
	c.mu.Unlock()

	m := c.mem
	m.mu.Lock()
	for _, id := range ids {
		delete(m.watchers, id)
	}
	m.mu.Unlock()

	for _, h := range hooks {
		var err error
		if h.Delete {
			m.mu.Lock()
			m.writeLocked(h.Path, nil)
			m.mu.Unlock()
			m.drain()
		} else if h.Patch != nil {
			err = m.update(h.Path, *h.Patch)
		}
		if err != nil {
			slog.Warn("Compensating mutation failed", "path", h.Path, "error", err)
		}
	}
}

// Dump renders the backend for test failure messages.
func (m *Memory) Dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(" = ")
		b.Write(m.data[k])
		b.WriteString("\n")
	}
	return b.String()
}
