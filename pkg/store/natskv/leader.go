package natskv

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/nats-chat-sync/pkg/clock"
)

// Leader elects one holder of a key in a TTL bucket. The holder renews the
// key with a revision check on every heartbeat; when it stops, the key
// expires and another instance takes over.
type Leader struct {
	kv         jetstream.KeyValue
	instanceID string
	key        string
	heartbeat  time.Duration
	clk        clock.Clock
	isLeader   atomic.Bool
	stopCh     chan struct{}
}

// NewLeader binds or creates bucket. The renewal ticker runs on clk, the
// real clock when nil.
func NewLeader(ctx context.Context, js jetstream.JetStream, bucket, key string, ttl, heartbeat time.Duration, clk clock.Clock) (*Leader, error) {
	if clk == nil {
		clk = clock.Real()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("leader bucket %s: %w", bucket, err)
	}
	return &Leader{
		kv:         kv,
		instanceID: uuid.NewString()[:8],
		key:        key,
		heartbeat:  heartbeat,
		clk:        clk,
		stopCh:     make(chan struct{}),
	}, nil
}

func (l *Leader) InstanceID() string { return l.instanceID }

func (l *Leader) IsLeader() bool { return l.isLeader.Load() }

// Start campaigns until ctx is done or Stop is called.
func (l *Leader) Start(ctx context.Context) {
	ticker := l.clk.NewTicker(l.heartbeat)
	defer ticker.Stop()

	l.campaign(ctx)
	for {
		select {
		case <-ctx.Done():
			l.stepDown()
			return
		case <-l.stopCh:
			l.stepDown()
			return
		case <-ticker.C:
			if l.isLeader.Load() {
				l.renew(ctx)
			} else {
				l.campaign(ctx)
			}
		}
	}
}

func (l *Leader) Stop() { close(l.stopCh) }

func (l *Leader) campaign(ctx context.Context) {
	if _, err := l.kv.Create(ctx, l.key, []byte(l.instanceID)); err == nil {
		l.isLeader.Store(true)
		slog.Info("Became leader", "instance_id", l.instanceID, "key", l.key)
		return
	}
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		slog.Debug("No current leader, will retry", "error", err)
		return
	}
	l.isLeader.Store(string(entry.Value()) == l.instanceID)
}

func (l *Leader) renew(ctx context.Context) {
	entry, err := l.kv.Get(ctx, l.key)
	if err != nil {
		slog.Warn("Lost leadership, key not found", "instance_id", l.instanceID)
		l.isLeader.Store(false)
		return
	}
	if holder := string(entry.Value()); holder != l.instanceID {
		slog.Warn("Lost leadership to another instance", "instance_id", l.instanceID, "current_leader", holder)
		l.isLeader.Store(false)
		return
	}
	if _, err := l.kv.Update(ctx, l.key, []byte(l.instanceID), entry.Revision()); err != nil {
		slog.Warn("Failed to renew leadership", "instance_id", l.instanceID, "error", err)
		l.isLeader.Store(false)
	}
}

func (l *Leader) stepDown() {
	if !l.isLeader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := l.kv.Get(ctx, l.key)
	if err == nil && string(entry.Value()) == l.instanceID {
		l.kv.Delete(ctx, l.key)
		slog.Info("Stepped down as leader", "instance_id", l.instanceID)
	}
	l.isLeader.Store(false)
}
