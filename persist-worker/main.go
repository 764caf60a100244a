package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-sync/pkg/config"
	"github.com/example/nats-chat-sync/pkg/otelhelper"
	"github.com/example/nats-chat-sync/pkg/persist"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "persist-worker")
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
		cfg.NatsUser = config.EnvOrDefault("PERSIST_NATS_USER", "persist-worker")
		cfg.NatsPass = config.EnvOrDefault("PERSIST_NATS_PASS", "persist-worker-secret")
	}

	slog.Info("Starting Persist Worker", "nats_url", cfg.NatsURL)

	var db *sql.DB
	for attempt := 1; attempt <= 30; attempt++ {
		db, err = persist.OpenDB(cfg.DatabaseURL)
		if err == nil {
			err = db.PingContext(ctx)
		}
		if err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL")

	repo := persist.NewPostgres(db)
	if err := repo.Migrate(ctx); err != nil {
		slog.Error("Failed to migrate schema", "error", err)
		os.Exit(1)
	}

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("persist-worker"),
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

	subs, err := persist.NewServer(repo).Subscribe(nc)
	if err != nil {
		slog.Error("Failed to subscribe to persist subjects", "error", err)
		os.Exit(1)
	}
	slog.Info("Persist worker ready", "subscriptions", len(subs), "queue", persist.QueueGroup)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down persist worker")
	nc.Drain()
}
