package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/oauth2"

	"github.com/example/nats-chat-sync/pkg/clock"
)

// ErrNoRefreshToken is returned by OIDCIssuer.Issue before a login.
var ErrNoRefreshToken = errors.New("auth: no refresh token")

// OIDCIssuer obtains access tokens from a Keycloak realm. Login performs the
// resource-owner password grant; Issue redeems the refresh token, rotating
// it when the server returns a new one.
type OIDCIssuer struct {
	cfg    oauth2.Config
	client *http.Client
	clk    clock.Clock

	mu           sync.Mutex
	refreshToken string
}

// NewOIDCIssuer targets the token endpoint of realm on keycloakURL.
func NewOIDCIssuer(keycloakURL, realm, clientID string, clk clock.Clock) *OIDCIssuer {
	return &OIDCIssuer{
		cfg: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(keycloakURL, "/"), realm),
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid"},
		},
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: propagatingTransport{base: http.DefaultTransport},
		},
		clk: clk,
	}
}

// propagatingTransport carries the caller's trace context to Keycloak.
type propagatingTransport struct {
	base http.RoundTripper
}

func (t propagatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	return t.base.RoundTrip(req)
}

// SetRefreshToken seeds the issuer with a token obtained elsewhere.
func (o *OIDCIssuer) SetRefreshToken(token string) {
	o.mu.Lock()
	o.refreshToken = token
	o.mu.Unlock()
}

func (o *OIDCIssuer) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}

// Login exchanges user credentials for the first access token.
func (o *OIDCIssuer) Login(ctx context.Context, username, password string) (Credential, error) {
	tok, err := o.cfg.PasswordCredentialsToken(o.httpContext(ctx), username, password)
	if err != nil {
		return Credential{}, fmt.Errorf("password grant: %w", err)
	}
	return o.credential(tok)
}

// Issue redeems the current refresh token.
func (o *OIDCIssuer) Issue(ctx context.Context) (Credential, error) {
	o.mu.Lock()
	rt := o.refreshToken
	o.mu.Unlock()
	if rt == "" {
		return Credential{}, ErrNoRefreshToken
	}
	tok, err := o.cfg.TokenSource(o.httpContext(ctx), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return Credential{}, fmt.Errorf("refresh grant: %w", err)
	}
	return o.credential(tok)
}

// credential keeps the rotated refresh token and converts tok. The expiry
// is computed on the injected clock rather than taken from tok.Expiry.
func (o *OIDCIssuer) credential(tok *oauth2.Token) (Credential, error) {
	expiresAt, err := tokenExpiry(tok.AccessToken, expiresIn(tok), o.clk.Now())
	if err != nil {
		return Credential{}, err
	}
	if tok.RefreshToken != "" {
		o.SetRefreshToken(tok.RefreshToken)
	}
	return Credential{Token: tok.AccessToken, ExpiresAt: expiresAt}, nil
}

// expiresIn reads the raw expires_in field, which is a number in JSON
// responses and a string in form-encoded ones.
func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// tokenExpiry prefers expires_in and falls back to the exp claim of the
// access token. The signature is not checked here; the broker validates it.
func tokenExpiry(token string, expiresIn int64, now time.Time) (time.Time, error) {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second), nil
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
