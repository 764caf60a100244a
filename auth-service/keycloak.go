package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// KeycloakClaims are the parts of a Keycloak access token the callout uses.
type KeycloakClaims struct {
	UserID            string
	PreferredUsername string
	RealmRoles        []string
	ExpiresAt         time.Time
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

type keycloakTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	RealmAccess       realmAccess `json:"realm_access"`
	Azp               string      `json:"azp"`
}

// KeycloakValidator checks access tokens against the realm's JWKS.
type KeycloakValidator struct {
	jwks      *keyfunc.JWKS
	issuerURL string
	clientID  string
}

// NewKeycloakValidator fetches the realm keys, retrying while Keycloak starts.
// A non-empty issuerOverride replaces the issuer derived from keycloakURL,
// for deployments where browsers reach Keycloak under another host name.
// A non-empty clientID restricts tokens to that authorized party.
func NewKeycloakValidator(ctx context.Context, keycloakURL, realm, issuerOverride, clientID string) (*KeycloakValidator, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", keycloakURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", keycloakURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}
	slog.Info("Initializing Keycloak JWKS validator", "jwks_url", jwksURL, "issuer", issuerURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 ctx,
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch Keycloak JWKS: %w", err)
	}
	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL)

	return &KeycloakValidator{jwks: jwks, issuerURL: issuerURL, clientID: clientID}, nil
}

// ValidateToken verifies signature, issuer and expiry of an access token.
func (v *KeycloakValidator) ValidateToken(token string) (*KeycloakClaims, error) {
	claims := &keycloakTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	return claimsOf(claims, v.clientID)
}

func claimsOf(c *keycloakTokenClaims, clientID string) (*KeycloakClaims, error) {
	if clientID != "" && c.Azp != clientID {
		return nil, fmt.Errorf("token issued to %q, want %q", c.Azp, clientID)
	}
	if c.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	out := &KeycloakClaims{
		UserID:            c.Subject,
		PreferredUsername: c.PreferredUsername,
		RealmRoles:        c.RealmAccess.Roles,
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// Close stops the JWKS refresh goroutine.
func (v *KeycloakValidator) Close() {
	v.jwks.EndBackground()
}
