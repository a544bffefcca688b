// Package sweeper demotes users whose presence has gone stale.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"herald/cmd/internal/metrics"
	"herald/cmd/internal/presence"
)

const (
	DefaultInterval     = time.Minute
	DefaultAwayAfter    = 5 * time.Minute
	DefaultOfflineAfter = 30 * time.Minute
)

// Notifier is told about every record the sweeper changed.
type Notifier interface {
	PresenceChanged(ctx context.Context, rec presence.Record, source string)
}

// Config controls cadence and thresholds. Zero values take the defaults.
type Config struct {
	Interval     time.Duration
	AwayAfter    time.Duration
	OfflineAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AwayAfter <= 0 {
		c.AwayAfter = DefaultAwayAfter
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = DefaultOfflineAfter
	}
	return c
}

// Result summarizes one sweep.
type Result struct {
	Away    []presence.Record
	Offline []presence.Record
}

type Sweeper struct {
	log     *slog.Logger
	store   presence.Store
	notify  Notifier
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

type Option func(*Sweeper)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Sweeper. notify may be nil when nobody needs to hear about demotions.
func New(log *slog.Logger, store presence.Store, notify Notifier, cfg Config, opts ...Option) *Sweeper {
	s := &Sweeper{
		log:    log,
		store:  store,
		notify: notify,
		cfg:    cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DemoteIdleToAway moves ONLINE users unseen for longer than threshold to AWAY.
func (s *Sweeper) DemoteIdleToAway(ctx context.Context, threshold time.Duration) ([]presence.Record, error) {
	return s.demote(ctx, []presence.Status{presence.StatusOnline}, presence.StatusAway, threshold)
}

// DemoteIdleToOffline moves ONLINE or AWAY users unseen for longer than threshold to OFFLINE.
func (s *Sweeper) DemoteIdleToOffline(ctx context.Context, threshold time.Duration) ([]presence.Record, error) {
	return s.demote(ctx, []presence.Status{presence.StatusOnline, presence.StatusAway}, presence.StatusOffline, threshold)
}

func (s *Sweeper) demote(ctx context.Context, from []presence.Status, to presence.Status, threshold time.Duration) ([]presence.Record, error) {
	cutoff := s.now().Add(-threshold)

	recs, err := s.store.DemoteIdle(ctx, from, to, cutoff)
	if err != nil {
		s.log.Error("sweep.demote.fail", "to", to, "cutoff", cutoff, "demoted", len(recs), "err", err)
	}
	s.metrics.Sweep(string(to), len(recs))

	// Records already written are announced even when part of the batch failed.
	for _, rec := range recs {
		s.log.Info("sweep.demoted", "user_id", rec.UserID, "to", rec.Status, "last_seen_at", rec.LastSeenAt)
		if s.notify != nil {
			s.notify.PresenceChanged(ctx, rec, "sweep")
		}
	}
	return recs, err
}

// Sweep runs the offline pass before the away pass so a long-idle ONLINE user
// goes straight to OFFLINE with a single notification.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start).Seconds()) }()

	var res Result
	var errs []error

	offline, err := s.DemoteIdleToOffline(ctx, s.cfg.OfflineAfter)
	res.Offline = offline
	if err != nil {
		errs = append(errs, err)
	}

	away, err := s.DemoteIdleToAway(ctx, s.cfg.AwayAfter)
	res.Away = away
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		s.metrics.SweepFailed()
	}
	return res, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled. Sweep errors are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweep.start", "interval", s.cfg.Interval, "away_after", s.cfg.AwayAfter, "offline_after", s.cfg.OfflineAfter)

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep.stop")
			return nil
		case <-t.C:
			res, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("sweep.partial", "err", err)
			}
			if n := len(res.Away) + len(res.Offline); n > 0 {
				s.log.Info("sweep.done", "away", len(res.Away), "offline", len(res.Offline))
			}
		}
	}
}
