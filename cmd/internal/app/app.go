// Package app wires the herald server runtime: config, logging, backends,
// HTTP routes, the websocket gateway and the idle sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"herald/cmd/internal/membership"
	"herald/cmd/internal/metrics"
	"herald/cmd/internal/presence"
	"herald/cmd/internal/realtime"
	"herald/cmd/internal/sweeper"

	"golang.org/x/sync/errgroup"
)

// App owns the backends and the presence service built on them.
type App struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	backends *backends
	svc      *realtime.Service
	sweeper  *sweeper.Sweeper
}

// New opens every configured backend and builds the service. Callers must Close the App.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	svc, err := realtime.NewService(log, realtime.Deps{
		Store:   b.store,
		Typing:  b.typing,
		Members: b.members,
		Events:  b.events,
		Metrics: m,
	})
	if err != nil {
		_ = b.close()
		return nil, err
	}

	sw := sweeper.New(log, b.store, svc, sweeper.Config{
		Interval:     cfg.SweepInterval,
		AwayAfter:    cfg.SweepAwayAfter,
		OfflineAfter: cfg.SweepOfflineAfter,
	}, sweeper.WithMetrics(m))

	return &App{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		backends: b,
		svc:      svc,
		sweeper:  sw,
	}, nil
}

// Handler exposes the full HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler { return a.routes() }

// Run serves HTTP and, when enabled, runs the sweeper until ctx is cancelled
// or either fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"presence", a.cfg.PresenceBackend,
		"typing", a.cfg.TypingBackend,
		"sweep", a.cfg.SweepEnabled,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	if a.cfg.SweepEnabled {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Sweep runs a single demotion pass, for cron-style deployments.
func (a *App) Sweep(ctx context.Context) (sweeper.Result, error) {
	return a.sweeper.Sweep(ctx)
}

// Migrate creates the schema of the configured presence store and, for the
// postgres resolver, the membership tables.
func (a *App) Migrate(ctx context.Context) error {
	if m, ok := a.backends.store.(presence.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate presence store: %w", err)
		}
		a.log.Info("migrate.done", "target", "presence", "backend", a.cfg.PresenceBackend)
	} else {
		a.log.Info("migrate.skip", "target", "presence", "backend", a.cfg.PresenceBackend)
	}

	if m, ok := a.backends.members.(*membership.Postgres); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate membership: %w", err)
		}
		a.log.Info("migrate.done", "target", "membership", "backend", a.cfg.MembershipBackend)
	}
	return nil
}

// Close releases every backend.
func (a *App) Close() error {
	if err := a.backends.close(); err != nil {
		a.log.Error("backends.close.fail", "err", err)
		return err
	}
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
