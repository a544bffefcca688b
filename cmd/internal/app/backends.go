package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"herald/cmd/internal/auth"
	"herald/cmd/internal/events"
	"herald/cmd/internal/membership"
	"herald/cmd/internal/presence"
	"herald/cmd/internal/typing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// backends are the external collaborators selected by Config. The app owns all
// of them; close releases them in reverse order of opening.
type backends struct {
	pool    *pgxpool.Pool
	store   presence.Store
	typing  typing.Index
	members membership.Resolver
	events  events.Publisher
	authn   auth.Authenticator

	closers []func() error
}

func (b *backends) onClose(fn func() error) { b.closers = append(b.closers, fn) }

func (b *backends) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// openBackends dials everything cfg asks for. On failure anything already
// opened is closed again.
func openBackends(ctx context.Context, cfg Config, log *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.close()
		}
	}()

	if cfg.PresenceBackend == "postgres" || cfg.MembershipBackend == "postgres" {
		if b.pool, err = newDBPool(ctx, cfg); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.onClose(func() error { b.pool.Close(); return nil })
	}

	if b.store, err = openPresenceStore(cfg, b.pool); err != nil {
		return nil, err
	}
	b.onClose(b.store.Close)
	log.Info("backend.presence", "kind", cfg.PresenceBackend)

	if b.typing, err = openTypingIndex(ctx, cfg); err != nil {
		return nil, err
	}
	b.onClose(b.typing.Close)
	log.Info("backend.typing", "kind", cfg.TypingBackend, "ttl", cfg.TypingTTL)

	if b.members, err = openMembership(cfg, b.pool, log); err != nil {
		return nil, err
	}
	log.Info("backend.membership", "kind", cfg.MembershipBackend)

	if b.events, err = openEvents(cfg, log); err != nil {
		return nil, err
	}
	b.onClose(b.events.Close)
	log.Info("backend.events", "kind", cfg.EventsBackend)

	if b.authn, err = openAuthenticator(ctx, cfg, log); err != nil {
		return nil, err
	}
	if j, ok := b.authn.(*auth.JWTAuthenticator); ok {
		b.onClose(func() error { j.Close(); return nil })
	}
	log.Info("backend.auth", "mode", cfg.AuthMode)

	return b, nil
}

// newDBPool builds a pgxpool and validates connectivity.
func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func openPresenceStore(cfg Config, pool *pgxpool.Pool) (presence.Store, error) {
	switch cfg.PresenceBackend {
	case "postgres":
		return presence.NewPostgresStore(pool, presence.WithSchema(cfg.PresenceSchema))
	case "sqlite":
		return presence.OpenSQLiteStore(cfg.SQLitePath)
	case "scylla":
		return presence.OpenScyllaStore(presence.ScyllaConfig{
			Hosts:    cfg.ScyllaHosts,
			Keyspace: cfg.ScyllaKeyspace,
			Timeout:  cfg.ScyllaTimeout,
		})
	case "memory":
		return presence.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.PresenceBackend)
	}
}

func openTypingIndex(ctx context.Context, cfg Config) (typing.Index, error) {
	switch cfg.TypingBackend {
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return typing.OpenRedisIndex(dialCtx, cfg.RedisURL, typing.WithRedisTTL(cfg.TypingTTL))
	case "memory":
		return typing.NewMemoryIndex(typing.WithMemoryTTL(cfg.TypingTTL)), nil
	default:
		return nil, fmt.Errorf("unknown typing backend %q", cfg.TypingBackend)
	}
}

func openMembership(cfg Config, pool *pgxpool.Pool, log *slog.Logger) (membership.Resolver, error) {
	switch cfg.MembershipBackend {
	case "postgres":
		return membership.NewPostgres(pool, membership.WithPostgresSchema(cfg.PresenceSchema))
	case "http":
		return membership.NewHTTP(membership.HTTPConfig{
			BaseURL: cfg.MembershipURL,
			Token:   cfg.MembershipToken,
			Timeout: cfg.MembershipTimeout,
		})
	case "static":
		if cfg.MembershipFile == "" {
			log.Warn("membership.static.empty", "hint", "set HERALD_MEMBERSHIP_FILE; every workspace is empty")
			return membership.NewStatic(membership.StaticConfig{}), nil
		}
		return membership.LoadStatic(cfg.MembershipFile)
	default:
		return nil, fmt.Errorf("unknown membership backend %q", cfg.MembershipBackend)
	}
}

func openEvents(cfg Config, log *slog.Logger) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "kafka":
		return events.NewKafkaPublisher(log, events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	case "nats":
		return events.NewNATSPublisher(log, events.NATSConfig{URL: cfg.NATSURL, SubjectPrefix: cfg.NATSSubject})
	case "none":
		return events.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.EventsBackend)
	}
}

func openAuthenticator(ctx context.Context, cfg Config, log *slog.Logger) (auth.Authenticator, error) {
	switch cfg.AuthMode {
	case "paseto":
		return auth.NewPasetoAuthenticator(auth.PasetoConfig{
			PublicKeyHex: cfg.PasetoPublicKey,
			Issuer:       cfg.PasetoIssuer,
		})
	case "jwt":
		return auth.NewJWTAuthenticator(ctx, log, auth.JWTConfig{
			Secret:   cfg.JWTSecret,
			JWKSURL:  cfg.JWTJWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}
