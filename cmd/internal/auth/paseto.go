package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type PasetoConfig struct {
	PublicKeyHex string
	Issuer       string
	ClockSkew    time.Duration
}

// PasetoAuthenticator verifies PASETO v4.public access tokens.
type PasetoAuthenticator struct {
	public    paseto.V4AsymmetricPublicKey
	issuer    string
	clockSkew time.Duration
	now       func() time.Time
}

func NewPasetoAuthenticator(cfg PasetoConfig) (*PasetoAuthenticator, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: paseto public key: %v", ErrConfig, err)
	}
	if cfg.ClockSkew < 0 {
		return nil, fmt.Errorf("%w: negative clock skew", ErrConfig)
	}
	return &PasetoAuthenticator{
		public:    public,
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (a *PasetoAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}
	return a.Verify(raw, a.now())
}

// Verify checks a raw token at now. The user id is "uid", or "sub" when uid is absent.
func (a *PasetoAuthenticator) Verify(raw string, now time.Time) (string, error) {
	// A fresh parser per call; rules accumulate on a shared one.
	p := paseto.NewParserWithoutExpiryCheck()
	if a.issuer != "" {
		p.AddRule(paseto.IssuedBy(a.issuer))
	}
	p.AddRule(validAt(now, a.clockSkew))

	parsed, err := p.ParseV4Public(a.public, raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		uid, err = parsed.GetSubject()
	}
	uid = strings.TrimSpace(uid)
	if err != nil || uid == "" {
		return "", fmt.Errorf("%w: token has no user id", ErrUnauthenticated)
	}
	return uid, nil
}

// validAt requires exp and checks it at now. nbf is only enforced when present;
// iat is informational. skew is granted in both directions.
func validAt(now time.Time, skew time.Duration) paseto.Rule {
	return func(tok paseto.Token) error {
		exp, err := tok.GetExpiration()
		if err != nil {
			return fmt.Errorf("exp: %w", err)
		}
		if !now.Add(-skew).Before(exp) {
			return errors.New("token expired")
		}
		if nbf, err := tok.GetNotBefore(); err == nil && now.Add(skew).Before(nbf) {
			return errors.New("token not yet valid")
		}
		return nil
	}
}
