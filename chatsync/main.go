// Command chatsync is a terminal chat client on top of the sync layer.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/example/nats-chat-sync/pkg/auth"
	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/example/nats-chat-sync/pkg/config"
	"github.com/example/nats-chat-sync/pkg/notify"
	"github.com/example/nats-chat-sync/pkg/otelhelper"
	"github.com/example/nats-chat-sync/pkg/persist"
	"github.com/example/nats-chat-sync/pkg/presence"
	"github.com/example/nats-chat-sync/pkg/session"
	"github.com/example/nats-chat-sync/pkg/store/natskv"
	"github.com/example/nats-chat-sync/pkg/typing"
)

func main() {
	user := pflag.StringP("user", "u", "", "Keycloak username, also the chat user id")
	password := pflag.StringP("password", "p", os.Getenv("CHATSYNC_PASSWORD"), "Keycloak password (default $CHATSYNC_PASSWORD)")
	name := pflag.StringP("name", "n", "", "display name (default the user id)")
	avatar := pflag.String("avatar", "", "avatar URL")
	open := pflag.StringSliceP("open", "o", nil, "conversations to load, the first one is opened")
	status := pflag.String("status", string(presence.StatusOnline), "initial presence status")
	locale := pflag.String("locale", string(typing.English), "typing indicator language")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *user == "" {
		fmt.Fprintln(os.Stderr, "chatsync: --user is required")
		pflag.Usage()
		os.Exit(2)
	}
	initial, err := presence.ParseStatus(*status)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *user, *password, *name, *avatar, *open, initial, typing.Locale(*locale)); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, user, password, name, avatar string, open []string, status presence.Status, locale typing.Locale) error {
	otelShutdown, err := otelhelper.Init(ctx, "chatsync")
	if err != nil {
		return err
	}
	defer otelShutdown(context.Background())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	clk := clock.Real()

	natsOpts := []nats.Option{
		nats.Name(cfg.NatsName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	var sched *auth.Scheduler
	if password != "" {
		sched = auth.NewScheduler(clk, auth.Options{Lead: cfg.AuthRefreshLead, Interval: cfg.AuthRefreshInterval})
		sched.OnChange(func(st auth.State) { slog.Debug("Auth state changed", "state", st) })
		if err := signIn(ctx, sched, auth.NewOIDCIssuer(cfg.KeycloakURL, cfg.KeycloakRealm, cfg.KeycloakClientID, clk), user, password); err != nil {
			return err
		}
		defer sched.SignOut()
		natsOpts = append(natsOpts, sched.NATSOption())
	} else if cfg.NatsUser != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.NatsUser, cfg.NatsPass))
	}

	nc, err := nats.Connect(cfg.NatsURL, natsOpts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	st, err := natskv.Open(ctx, nc, natskv.Options{
		SessionID: natskv.UserSessionID(user),
		Heartbeat: cfg.PresenceHeartbeat,
		Clock:     clk,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	convs := persist.NewClient(nc)
	out := os.Stdout
	c := &client{convs: convs, out: out, locale: locale}
	s, err := session.Init(ctx, session.Options{
		UserID:        user,
		DisplayName:   name,
		Avatar:        avatar,
		TypingTimeout: cfg.TypingTimeout,
		Notify:        notify.Options{DedupSize: cfg.NotifyDedupSize, DeleteOnRead: cfg.NotifyDeleteOnRead},
		Store:         st,
		Clock:         clk,
		Persister:     convs,
		Conversations: convs,
		Alerter:       printAlerter{out: out},
		OnTyping: func(conversationID, _ string, _ bool) {
			if conversationID == c.s.State.Current() {
				fmt.Fprintln(out, "  "+c.typingLine(conversationID))
			}
		},
	})
	if err != nil {
		return err
	}
	c.s = s
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Destroy(dctx); err != nil {
			slog.Warn("Session teardown incomplete", "error", err)
		}
	}()

	if status != presence.StatusOnline {
		s.SetStatus(ctx, status)
	}
	for i := len(open) - 1; i >= 0; i-- {
		cmd := command{name: "open", args: []string{open[i]}}
		if err := c.run(ctx, cmd); err != nil {
			fmt.Fprintf(out, "! %s: %v\n", open[i], err)
		}
	}
	fmt.Fprintf(out, "Signed in as %s. Type a message or /quit.\n", user)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(out, "!", err)
				continue
			}
			if err := c.run(ctx, cmd); errors.Is(err, errQuit) {
				return nil
			} else if err != nil {
				fmt.Fprintln(out, "!", err)
			}
		}
	}
}

// signIn logs in with the password grant once and hands renewals to the
// refresh token grant.
func signIn(ctx context.Context, sched *auth.Scheduler, oidc *auth.OIDCIssuer, user, password string) error {
	loggedIn := false
	issuer := auth.IssuerFunc(func(ctx context.Context) (auth.Credential, error) {
		if !loggedIn {
			loggedIn = true
			return oidc.Login(ctx, user, password)
		}
		return oidc.Issue(ctx)
	})
	_, err := sched.SignIn(ctx, issuer)
	return err
}
