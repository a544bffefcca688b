package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "case insensitive scheme", header: "bearer  abc ", want: "abc"},
		{name: "query fallback", query: "?token=q1", want: "q1"},
		{name: "header wins", header: "Bearer h1", query: "?token=q1", want: "h1"},
		{name: "basic ignored", header: "Basic Zm9v", want: ""},
		{name: "none", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			require.Equal(t, tc.want, TokenFromRequest(r))
		})
	}
}

func TestMiddleware_StoresUser(t *testing.T) {
	t.Parallel()

	a := AuthenticatorFunc(func(r *http.Request) (string, error) {
		if TokenFromRequest(r) == "good" {
			return "alice", nil
		}
		return "", ErrUnauthenticated
	})
	var seen string
	h := Middleware(a, func(w http.ResponseWriter, _ *http.Request, err error) {
		require.ErrorIs(t, err, ErrUnauthenticated)
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "alice", seen)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUserFrom_Empty(t *testing.T) {
	t.Parallel()

	_, ok := UserFrom(context.Background())
	require.False(t, ok)
	_, ok = UserFrom(WithUser(context.Background(), ""))
	require.False(t, ok)
}

func signHS(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestJWTAuthenticator_Secret(t *testing.T) {
	t.Parallel()

	a, err := NewJWTAuthenticator(context.Background(), discardLogger(), JWTConfig{
		Secret: "s3cret",
		Issuer: "https://id.example",
	})
	require.NoError(t, err)

	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	valid := signHS(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", Issuer: "https://id.example", ExpiresAt: exp})
	uid, err := a.Verify(valid)
	require.NoError(t, err)
	require.Equal(t, "alice", uid)

	uidOnly := signHS(t, "s3cret", accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "https://id.example", ExpiresAt: exp},
		UID:              "bob",
	})
	uid, err = a.Verify(uidOnly)
	require.NoError(t, err)
	require.Equal(t, "bob", uid)

	for name, raw := range map[string]string{
		"wrong secret":  signHS(t, "other", jwt.RegisteredClaims{Subject: "alice", Issuer: "https://id.example", ExpiresAt: exp}),
		"wrong issuer":  signHS(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", Issuer: "evil", ExpiresAt: exp}),
		"no expiration": signHS(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", Issuer: "https://id.example"}),
		"expired": signHS(t, "s3cret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "https://id.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}),
		"no subject": signHS(t, "s3cret", jwt.RegisteredClaims{Issuer: "https://id.example", ExpiresAt: exp}),
		"garbage":    "not.a.jwt",
	} {
		_, err := a.Verify(raw)
		require.ErrorIs(t, err, ErrUnauthenticated, name)
	}

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+valid, nil)
	uid, err = a.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "alice", uid)

	_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestNewJWTAuthenticator_RequiresOneKeySource(t *testing.T) {
	t.Parallel()

	_, err := NewJWTAuthenticator(context.Background(), discardLogger(), JWTConfig{})
	require.ErrorIs(t, err, ErrConfig)
	_, err = NewJWTAuthenticator(context.Background(), discardLogger(), JWTConfig{Secret: "a", JWKSURL: "http://x"})
	require.ErrorIs(t, err, ErrConfig)
}

func TestJWTAuthenticator_JWKS(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := NewJWTAuthenticator(ctx, discardLogger(), JWTConfig{JWKSURL: srv.URL, Audience: "herald"})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "carol",
		Audience:  jwt.ClaimStrings{"herald"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	require.NoError(t, err)

	uid, err := a.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "carol", uid)

	other := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "carol",
		Audience:  jwt.ClaimStrings{"someone-else"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	other.Header["kid"] = "k1"
	raw, err = other.SignedString(key)
	require.NoError(t, err)
	_, err = a.Verify(raw)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func pasetoToken(t *testing.T, secret paseto.V4AsymmetricSecretKey, issuer string, now time.Time, ttl time.Duration, claims map[string]string) string {
	t.Helper()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(ttl))
	for k, v := range claims {
		require.NoError(t, tok.Set(k, v))
	}
	return tok.V4Sign(secret, nil)
}

func TestPasetoAuthenticator(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	a, err := NewPasetoAuthenticator(PasetoConfig{
		PublicKeyHex: secret.Public().ExportHex(),
		Issuer:       "identity",
		ClockSkew:    30 * time.Second,
	})
	require.NoError(t, err)

	now := time.Now().UTC()

	uid, err := a.Verify(pasetoToken(t, secret, "identity", now, time.Minute, map[string]string{"uid": "alice", "sid": "s1"}), now)
	require.NoError(t, err)
	require.Equal(t, "alice", uid)

	tok := paseto.NewToken()
	tok.SetIssuer("identity")
	tok.SetSubject("bob")
	tok.SetExpiration(now.Add(time.Minute))
	uid, err = a.Verify(tok.V4Sign(secret, nil), now)
	require.NoError(t, err)
	require.Equal(t, "bob", uid)

	_, err = a.Verify(pasetoToken(t, secret, "other", now, time.Minute, map[string]string{"uid": "alice"}), now)
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.Verify(pasetoToken(t, secret, "identity", now.Add(-time.Hour), time.Minute, map[string]string{"uid": "alice"}), now)
	require.ErrorIs(t, err, ErrUnauthenticated)

	stranger := paseto.NewV4AsymmetricSecretKey()
	_, err = a.Verify(pasetoToken(t, stranger, "identity", now, time.Minute, map[string]string{"uid": "alice"}), now)
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.Verify(pasetoToken(t, secret, "identity", now, time.Minute, nil), now)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPasetoAuthenticator_TimeClaims(t *testing.T) {
	t.Parallel()

	secret := paseto.NewV4AsymmetricSecretKey()
	a, err := NewPasetoAuthenticator(PasetoConfig{PublicKeyHex: secret.Public().ExportHex(), ClockSkew: 30 * time.Second})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sign := func(set func(tok *paseto.Token)) string {
		tok := paseto.NewToken()
		tok.SetSubject("carol")
		set(&tok)
		return tok.V4Sign(secret, nil)
	}

	tests := []struct {
		name string
		tok  string
		ok   bool
	}{
		{"exp only", sign(func(tok *paseto.Token) { tok.SetExpiration(now.Add(time.Minute)) }), true},
		{"expired within skew", sign(func(tok *paseto.Token) { tok.SetExpiration(now.Add(-10 * time.Second)) }), true},
		{"expired beyond skew", sign(func(tok *paseto.Token) { tok.SetExpiration(now.Add(-time.Minute)) }), false},
		{"no exp", sign(func(tok *paseto.Token) { tok.SetIssuedAt(now) }), false},
		{"nbf in the future", sign(func(tok *paseto.Token) {
			tok.SetExpiration(now.Add(time.Hour))
			tok.SetNotBefore(now.Add(time.Minute))
		}), false},
		{"nbf within skew", sign(func(tok *paseto.Token) {
			tok.SetExpiration(now.Add(time.Hour))
			tok.SetNotBefore(now.Add(10 * time.Second))
		}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid, err := a.Verify(tt.tok, now)
			if !tt.ok {
				require.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "carol", uid)
		})
	}
}

func TestNewPasetoAuthenticator_BadKey(t *testing.T) {
	t.Parallel()

	_, err := NewPasetoAuthenticator(PasetoConfig{PublicKeyHex: "zz"})
	require.ErrorIs(t, err, ErrConfig)
}
