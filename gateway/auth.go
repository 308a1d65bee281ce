package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity attached to a connection. It is
// built exactly once, at the handshake, so nothing downstream ever touches
// raw token claims.
type Principal struct {
	UserID      string
	Email       string
	Fingerprint string
}

// AuthError reports a rejected connection credential. The connection is
// closed; there is no retry at this layer.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// TokenVerifier validates a bearer credential into a Principal.
type TokenVerifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// accessTokenClaims extends jwt.RegisteredClaims with the platform's custom
// claims. Subject carries the user id.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	Fingerprint string `json:"fingerprint"`
}

// JWKSVerifier validates access tokens against a remote JWKS endpoint.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches and caches the signing keys, retrying while the
// identity provider is still starting.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	slog.Info("JWKS loaded", "url", jwksURL)

	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSVerifier) Verify(_ context.Context, credential string) (Principal, error) {
	claims := &accessTokenClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, &AuthError{Reason: err.Error()}
	}
	if !token.Valid {
		return Principal{}, &AuthError{Reason: "token is not valid"}
	}
	if claims.Subject == "" {
		return Principal{}, &AuthError{Reason: "token has no subject"}
	}

	return Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Fingerprint: claims.Fingerprint,
	}, nil
}

func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

// bearerFromRequest extracts the handshake credential from the
// Authorization header, falling back to the token query parameter for
// browser websocket clients that cannot set headers.
func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
