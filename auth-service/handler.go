package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/otelhelper"
)

const (
	maxUserGrant    = time.Hour
	serviceGrant    = 24 * time.Hour
	callerAccountID = "CHAT"
)

var errRejected = errors.New("credentials rejected")

// TokenValidator checks Keycloak access tokens.
type TokenValidator interface {
	ValidateToken(token string) (*KeycloakClaims, error)
}

// Accounts checks service account passwords.
type Accounts interface {
	Authenticate(username, password string) bool
}

type grant struct {
	name    string
	kind    string
	perms   jwt.Permissions
	expires time.Time
}

// AuthHandler answers NATS auth callout requests.
type AuthHandler struct {
	issuerKP  nkeys.KeyPair
	xkeyKP    nkeys.KeyPair
	validator TokenValidator
	accounts  Accounts
	now       func() time.Time

	authCounter  metric.Int64Counter
	authDuration metric.Float64Histogram
}

func NewAuthHandler(issuerSeed, xkeySeed string, validator TokenValidator, accounts Accounts, meter metric.Meter) (*AuthHandler, error) {
	issuerKP, err := nkeys.FromSeed([]byte(issuerSeed))
	if err != nil {
		return nil, fmt.Errorf("parse issuer NKey seed: %w", err)
	}
	issuerPub, err := issuerKP.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("issuer public key: %w", err)
	}
	xkeyKP, err := nkeys.FromSeed([]byte(xkeySeed))
	if err != nil {
		return nil, fmt.Errorf("parse XKey seed: %w", err)
	}

	authCounter, _ := meter.Int64Counter("auth_requests_total",
		metric.WithDescription("Auth callout requests by result"))
	authDuration, _ := meter.Float64Histogram("auth_request_duration_seconds",
		metric.WithDescription("Duration of auth callout requests"))

	slog.Info("Auth handler initialized", "issuer", issuerPub)
	return &AuthHandler{
		issuerKP:     issuerKP,
		xkeyKP:       xkeyKP,
		validator:    validator,
		accounts:     accounts,
		now:          time.Now,
		authCounter:  authCounter,
		authDuration: authDuration,
	}, nil
}

// Handle answers one callout request. Rejected clients get no response and
// the server closes their connection.
func (h *AuthHandler) Handle(msg *nats.Msg) {
	start := time.Now()
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "auth callout")
	defer span.End()
	defer func() { h.authDuration.Record(ctx, time.Since(start).Seconds()) }()

	result := func(r string) {
		span.SetAttributes(attribute.String("auth.result", r))
		h.authCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", r)))
	}

	serverXKey := msg.Header.Get("Nats-Server-Xkey")
	data, err := h.decryptRequest(msg.Data, serverXKey)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decrypt request", "error", err)
		span.RecordError(err)
		result("error")
		return
	}
	req, err := jwt.DecodeAuthorizationRequestClaims(string(data))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode auth request claims", "error", err)
		span.RecordError(err)
		result("error")
		return
	}

	g, err := h.authorize(req.ConnectOptions)
	if err != nil {
		slog.WarnContext(ctx, "Auth rejected", "client", req.ClientInformation.Name, "host", req.ClientInformation.Host, "error", err)
		result("rejected")
		return
	}
	span.SetAttributes(attribute.String("auth.type", g.kind), attribute.String("auth.user", g.name))

	resp, err := h.respond(req, g)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build auth response", "error", err)
		span.RecordError(err)
		result("error")
		return
	}
	if xkey := req.Server.XKey; xkey != "" {
		if resp, err = h.xkeyKP.Seal(resp, xkey); err != nil {
			slog.ErrorContext(ctx, "Failed to encrypt response", "error", err)
			span.RecordError(err)
			result("error")
			return
		}
	}
	if err := msg.Respond(resp); err != nil {
		slog.ErrorContext(ctx, "Failed to send auth response", "error", err)
		span.RecordError(err)
		result("error")
		return
	}
	result("authorized")
	slog.InfoContext(ctx, "Authorized", "user", g.name, "type", g.kind, "expires", g.expires)
}

// authorize picks the grant for a client's connect options. Bearer tokens
// are Keycloak users; username and password are service accounts.
func (h *AuthHandler) authorize(opts jwt.ConnectOptions) (grant, error) {
	now := h.now()
	switch {
	case opts.Token != "":
		claims, err := h.validator.ValidateToken(opts.Token)
		if err != nil {
			return grant{}, fmt.Errorf("%w: %v", errRejected, err)
		}
		name := claims.PreferredUsername
		if name == "" {
			name = claims.UserID
		}
		// The NATS user never outlives the token it was issued for.
		expires := now.Add(maxUserGrant)
		if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expires) {
			expires = claims.ExpiresAt
		}
		return grant{name: name, kind: "user", perms: mapPermissions(name, claims.RealmRoles), expires: expires}, nil
	case opts.Username != "" && opts.Password != "":
		if !h.accounts.Authenticate(opts.Username, opts.Password) {
			return grant{}, fmt.Errorf("%w: service account %s", errRejected, opts.Username)
		}
		return grant{name: opts.Username, kind: "service", perms: servicePermissions(), expires: now.Add(serviceGrant)}, nil
	default:
		return grant{}, fmt.Errorf("%w: no credentials", errRejected)
	}
}

func (h *AuthHandler) respond(req *jwt.AuthorizationRequestClaims, g grant) ([]byte, error) {
	user := jwt.NewUserClaims(req.UserNkey)
	user.Name = g.name
	user.Audience = callerAccountID
	user.BearerToken = true
	user.Permissions = g.perms
	user.Expires = g.expires.Unix()
	userJWT, err := user.Encode(h.issuerKP)
	if err != nil {
		return nil, fmt.Errorf("encode user claims: %w", err)
	}

	resp := jwt.NewAuthorizationResponseClaims(req.UserNkey)
	resp.Audience = req.Server.ID
	resp.Jwt = userJWT
	encoded, err := resp.Encode(h.issuerKP)
	if err != nil {
		return nil, fmt.Errorf("encode auth response: %w", err)
	}
	return []byte(encoded), nil
}

// decryptRequest opens an XKey sealed request. Plain JWTs pass through.
func (h *AuthHandler) decryptRequest(data []byte, serverXKey string) ([]byte, error) {
	if len(data) > 2 && data[0] == 'e' && data[1] == 'y' {
		return data, nil
	}
	out, err := h.xkeyKP.Open(data, serverXKey)
	if err != nil {
		return nil, fmt.Errorf("xkey decryption failed: %w", err)
	}
	return out, nil
}
