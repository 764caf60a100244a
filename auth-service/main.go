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
	"go.opentelemetry.io/otel"

	"github.com/example/nats-chat-sync/pkg/config"
	"github.com/example/nats-chat-sync/pkg/otelhelper"
	"github.com/example/nats-chat-sync/pkg/persist"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "auth-service")
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
		cfg.NatsUser = config.EnvOrDefault("AUTH_NATS_USER", "auth")
		cfg.NatsPass = config.EnvOrDefault("AUTH_NATS_PASS", "auth-secret-password")
	}
	issuerSeed := config.EnvOrDefault("ISSUER_NKEY_SEED", "SAANDLKMXL6CUS3CP52WIXBEDN6YJ545GDKC65U5JZPPV6WH6ESWUA6YAI")
	xkeySeed := config.EnvOrDefault("XKEY_SEED", "SXAAXMRAEP6JWWHNB6IKFL554IE6LZVT6EY5MBRICPILTLOPHAG73I3YX4")

	slog.Info("Starting NATS Auth Callout Service",
		"nats_url", cfg.NatsURL,
		"keycloak_url", cfg.KeycloakURL,
		"keycloak_realm", cfg.KeycloakRealm,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	validator, err := NewKeycloakValidator(runCtx, cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakIssuerURL, config.EnvOrDefault("KEYCLOAK_AUTHORIZED_PARTY", ""))
	if err != nil {
		slog.Error("Failed to initialize Keycloak validator", "error", err)
		os.Exit(1)
	}
	defer validator.Close()

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

	if err := persist.NewPostgres(db).Migrate(ctx); err != nil {
		slog.Error("Failed to migrate schema", "error", err)
		os.Exit(1)
	}
	accounts, err := NewServiceAccountCache(runCtx, db, 5*time.Minute)
	if err != nil {
		slog.Error("Failed to load service accounts", "error", err)
		os.Exit(1)
	}
	defer accounts.Close()

	handler, err := NewAuthHandler(issuerSeed, xkeySeed, validator, accounts, otel.Meter("auth-service"))
	if err != nil {
		slog.Error("Failed to create auth handler", "error", err)
		os.Exit(1)
	}

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("auth-callout-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
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

	sub, err := nc.Subscribe("$SYS.REQ.USER.AUTH", handler.Handle)
	if err != nil {
		slog.Error("Failed to subscribe to auth callout subject", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	slog.Info("Auth callout ready", "subject", "$SYS.REQ.USER.AUTH")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down auth callout service")
	nc.Drain()
}
