package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/config"
	"github.com/example/nats-chat-sync/pkg/otelhelper"
	"github.com/example/nats-chat-sync/pkg/presence"
	"github.com/example/nats-chat-sync/pkg/store"
	"github.com/example/nats-chat-sync/pkg/store/natskv"
)

// QueryRequest is the payload of presence.query.
type QueryRequest struct {
	UserIDs []string `json:"userIds"`
}

// QueryResponse maps each requested user to its record. Users that never
// connected are reported offline.
type QueryResponse struct {
	Users map[string]presence.Record `json:"users"`
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "presence-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.NatsUser == "" {
		cfg.NatsUser = config.EnvOrDefault("PRESENCE_NATS_USER", "presence-service")
		cfg.NatsPass = config.EnvOrDefault("PRESENCE_NATS_PASS", "presence-service-secret")
	}

	meter := otel.Meter("presence-service")
	queryCounter, _ := meter.Int64Counter("presence_queries_total",
		metric.WithDescription("Total presence queries"))
	queryDuration, _ := meter.Float64Histogram("presence_query_duration_seconds",
		metric.WithDescription("Duration of presence queries"))

	slog.Info("Starting Presence Service",
		"nats_url", cfg.NatsURL,
		"lease_ttl", cfg.PresenceLeaseTTL,
		"heartbeat", cfg.PresenceHeartbeat,
	)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("presence-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	settings := natskv.Settings{
		LeaseTTL:              cfg.PresenceLeaseTTL,
		TypingTTL:             cfg.TypingTTL,
		NotificationRetention: cfg.NotifyRetention,
	}
	if err := natskv.EnsureBuckets(ctx, js, settings); err != nil {
		slog.Error("Failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS KV buckets ready")

	st, err := natskv.Open(ctx, nc, natskv.Options{
		SessionID: "presence-service-" + hostname(),
		Heartbeat: cfg.PresenceHeartbeat,
	})
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leader, err := natskv.NewLeader(ctx, js, "PRESENCE_LEADER", "reaper", 3*cfg.PresenceHeartbeat, cfg.PresenceHeartbeat, clock.Real())
	if err != nil {
		slog.Error("Failed to set up leader election", "error", err)
		os.Exit(1)
	}
	go leader.Start(runCtx)
	slog.Info("Leader election started", "instance_id", leader.InstanceID())

	reaper, err := natskv.NewReaper(st, cfg.PresenceLeaseTTL, leader)
	if err != nil {
		slog.Error("Failed to create reaper", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := reaper.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Reaper stopped", "error", err)
		}
	}()

	sub, err := nc.QueueSubscribe("presence.query", "presence-workers", func(msg *nats.Msg) {
		start := time.Now()
		qctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence query")
		defer span.End()

		var req QueryRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			span.RecordError(err)
			msg.Respond([]byte(`{"users":{}}`))
			return
		}
		resp := lookupAll(qctx, st, req.UserIDs)
		data, _ := json.Marshal(resp)
		msg.Respond(data)

		queryCounter.Add(qctx, 1)
		queryDuration.Record(qctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.Int("users", len(req.UserIDs))))
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.query", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	slog.Info("Presence service ready")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	cancel()
	leader.Stop()
	if err := st.Close(); err != nil {
		slog.Warn("Store close failed", "error", err)
	}
	nc.Drain()
}

func lookupAll(ctx context.Context, st store.Store, userIDs []string) QueryResponse {
	resp := QueryResponse{Users: make(map[string]presence.Record, len(userIDs))}
	for _, id := range userIDs {
		rec, err := presence.Lookup(ctx, st, id)
		if err != nil {
			slog.WarnContext(ctx, "Presence lookup failed", "user", id, "error", err)
			continue
		}
		if rec == nil {
			rec = &presence.Record{Status: presence.StatusOffline}
		}
		resp.Users[id] = *rec
	}
	return resp
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}
