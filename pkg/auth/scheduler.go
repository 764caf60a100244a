// Package auth keeps a bearer credential fresh for the lifetime of a
// session: it arms a renewal timer ahead of expiry and refreshes lazily when
// a caller asks for a credential that is about to expire.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/example/nats-chat-sync/pkg/clock"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthenticated is returned when a refresh is attempted with nobody
// signed in, or when the user signs out while a refresh is in flight.
var ErrUnauthenticated = errors.New("auth: not signed in")

// State is the scheduler's lifecycle state.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "unauthenticated"
	}
}

// Credential is a bearer token and the instant it stops being accepted.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Issuer obtains a fresh credential from the token authority.
type Issuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context) (Credential, error)

func (f IssuerFunc) Issue(ctx context.Context) (Credential, error) { return f(ctx) }

// Options tunes renewal timing. Zero values use the defaults.
type Options struct {
	// Lead is how long before expiry a credential counts as stale.
	Lead time.Duration
	// Interval caps the delay between renewals.
	Interval time.Duration
}

const (
	DefaultLead     = 5 * time.Minute
	DefaultInterval = 55 * time.Minute
)

// Scheduler owns the current credential of one signed-in user.
type Scheduler struct {
	clk   clock.Clock
	lead  time.Duration
	every time.Duration
	group singleflight.Group

	refreshes metric.Int64Counter

	mu        sync.Mutex
	state     State
	issuer    Issuer
	cred      *Credential
	timer     *clock.Timer
	gen       uint64
	listeners []func(State)
}

// NewScheduler returns a scheduler in the Unauthenticated state.
func NewScheduler(clk clock.Clock, opts Options) *Scheduler {
	if opts.Lead <= 0 {
		opts.Lead = DefaultLead
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	meter := otel.Meter("chatsync/auth")
	refreshes, _ := meter.Int64Counter("auth_refresh_total",
		metric.WithDescription("Credential refresh attempts by result"))
	return &Scheduler{
		clk:       clk,
		lead:      opts.Lead,
		every:     opts.Interval,
		refreshes: refreshes,
	}
}

// SignIn obtains the first credential from issuer and arms renewal.
func (s *Scheduler) SignIn(ctx context.Context, issuer Issuer) (Credential, error) {
	cred, err := issuer.Issue(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("sign in: %w", err)
	}

	s.mu.Lock()
	s.stopTimerLocked()
	s.gen++
	s.issuer = issuer
	s.cred = &cred
	s.state = Authenticated
	s.armLocked(s.gen)
	s.mu.Unlock()

	slog.Info("Signed in", "expires_at", cred.ExpiresAt)
	s.emit(Authenticated)
	return cred, nil
}

// SignOut drops the credential and cancels renewal.
func (s *Scheduler) SignOut() {
	s.mu.Lock()
	if s.state == Unauthenticated {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.gen++
	s.issuer = nil
	s.cred = nil
	s.state = Unauthenticated
	s.mu.Unlock()

	slog.Info("Signed out")
	s.emit(Unauthenticated)
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnChange registers fn to be called after every state transition.
func (s *Scheduler) OnChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// GetValidCredential returns a credential with at least the lead time left,
// refreshing first when force is set or the current one is close to expiry.
// It returns nil when nobody is signed in or the refresh failed; a failed
// refresh keeps the stale credential for the next attempt.
func (s *Scheduler) GetValidCredential(ctx context.Context, force bool) *Credential {
	s.mu.Lock()
	if s.state == Unauthenticated || s.cred == nil {
		s.mu.Unlock()
		return nil
	}
	if !force && s.cred.ExpiresAt.Sub(s.clk.Now()) >= s.lead {
		c := *s.cred
		s.mu.Unlock()
		return &c
	}
	s.mu.Unlock()

	cred, err := s.refresh(ctx)
	if err != nil {
		slog.Warn("Credential refresh failed", "forced", force, "error", err)
		return nil
	}
	return &cred
}

// Token returns the current token for connection handshakes, or "" when no
// valid credential is available.
func (s *Scheduler) Token() string {
	c := s.GetValidCredential(context.Background(), false)
	if c == nil {
		return ""
	}
	return c.Token
}

// NATSOption presents the scheduler's token on every (re)connect.
func (s *Scheduler) NATSOption() nats.Option {
	return nats.TokenHandler(s.Token)
}

func (s *Scheduler) refresh(ctx context.Context) (Credential, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (s *Scheduler) doRefresh(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	if s.state == Unauthenticated {
		s.mu.Unlock()
		return Credential{}, ErrUnauthenticated
	}
	issuer, gen := s.issuer, s.gen
	s.state = Refreshing
	s.mu.Unlock()
	s.emit(Refreshing)

	cred, err := issuer.Issue(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return Credential{}, ErrUnauthenticated
	}
	s.state = Authenticated
	if err != nil {
		s.mu.Unlock()
		s.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		s.emit(Authenticated)
		return Credential{}, fmt.Errorf("refresh credential: %w", err)
	}
	s.cred = &cred
	s.armLocked(gen)
	s.mu.Unlock()

	s.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	slog.Debug("Credential refreshed", "expires_at", cred.ExpiresAt)
	s.emit(Authenticated)
	return cred, nil
}

// armLocked schedules the next renewal at min(expiry-lead, interval). A
// credential that is already inside the lead window is renewed halfway to
// expiry; an expired one is left to the lazy check.
func (s *Scheduler) armLocked(gen uint64) {
	s.stopTimerLocked()
	remaining := s.cred.ExpiresAt.Sub(s.clk.Now())
	d := min(remaining-s.lead, s.every)
	if d <= 0 {
		d = remaining / 2
	}
	if d <= 0 {
		return
	}
	s.timer = s.clk.AfterFunc(d, func() { s.onTimer(gen) })
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	if _, err := s.refresh(context.Background()); err != nil {
		slog.Warn("Scheduled credential refresh failed", "error", err)
	}
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) emit(st State) {
	s.mu.Lock()
	fns := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
