package auth

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

// JWTConfig selects exactly one key source: an HMAC secret or a JWKS URL.
type JWTConfig struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration

	// JWKSRefresh is how often the key set is refetched in the background.
	JWKSRefresh time.Duration
}

type accessClaims struct {
	jwt.RegisteredClaims
	UID string `json:"uid,omitempty"`
}

// JWTAuthenticator verifies bearer JWTs. The user id is the "sub" claim, or
// "uid" when sub is absent.
type JWTAuthenticator struct {
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	opts    []jwt.ParserOption
}

// NewJWTAuthenticator builds a verifier. In JWKS mode it fetches the key set
// once up front and keeps it fresh until Close.
func NewJWTAuthenticator(ctx context.Context, log *slog.Logger, cfg JWTConfig) (*JWTAuthenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if (secret == "") == (jwksURL == "") {
		return nil, fmt.Errorf("%w: exactly one of jwt secret or jwks url is required", ErrConfig)
	}

	a := &JWTAuthenticator{
		opts: []jwt.ParserOption{jwt.WithExpirationRequired()},
	}
	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.opts = append(a.opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		a.opts = append(a.opts, jwt.WithLeeway(cfg.Leeway))
	}

	if secret != "" {
		key := []byte(secret)
		a.opts = append(a.opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		a.keyfunc = func(*jwt.Token) (any, error) { return key, nil }
		return a, nil
	}

	refresh := cfg.JWKSRefresh
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   refresh,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Error("auth.jwks.refresh.fail", "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch jwks: %v", ErrConfig, err)
	}
	a.jwks = jwks
	a.keyfunc = jwks.Keyfunc
	return a, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	return a.Verify(raw)
}

// Verify checks a raw token and returns its user id.
func (a *JWTAuthenticator) Verify(raw string) (string, error) {
	claims := &accessClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, a.keyfunc, a.opts...)
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	uid := strings.TrimSpace(claims.Subject)
	if uid == "" {
		uid = strings.TrimSpace(claims.UID)
	}
	if uid == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return uid, nil
}

// Close stops the JWKS refresh goroutine, if any.
func (a *JWTAuthenticator) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}
