// Package auth identifies the user behind an HTTP request or websocket handshake.
//
// Herald does not issue credentials. It verifies access tokens minted elsewhere
// (a JWT from an identity provider, or a PASETO v4.public token) and extracts the
// user id. There is no anonymous fallback: a request without a valid token is
// rejected with ErrUnauthenticated.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when a request carries no valid credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrConfig is returned for invalid authenticator configuration.
	ErrConfig = errors.New("auth: invalid config")
)

// Authenticator resolves a request to a user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// TokenFromRequest returns the bearer token from the Authorization header, falling
// back to the "token" query parameter. Browsers cannot set headers on a websocket
// handshake, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type ctxKey struct{}

// WithUser stores an authenticated user id on ctx.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the user id stored by WithUser.
func UserFrom(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKey{}).(string)
	return uid, ok && uid != ""
}

// Middleware authenticates every request and stores the user id on its context.
// onFail writes the rejection; it is called with ErrUnauthenticated or a wrapped cause.
func Middleware(a Authenticator, onFail func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := a.Authenticate(r)
			if err != nil {
				onFail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), uid)))
		})
	}
}
