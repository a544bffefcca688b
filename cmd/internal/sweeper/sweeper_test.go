package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"herald/cmd/internal/presence"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []presence.Record
}

func (n *recordingNotifier) PresenceChanged(_ context.Context, rec presence.Record, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if source != "sweep" {
		panic("unexpected source " + source)
	}
	n.recs = append(n.recs, rec)
}

func (n *recordingNotifier) statuses() map[string]presence.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]presence.Status, len(n.recs))
	for _, r := range n.recs {
		out[r.UserID] = r.Status
	}
	return out
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T) (*presence.MemoryStore, *testClock, *recordingNotifier, *Sweeper) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := presence.NewMemoryStore(presence.WithClock(clock.Now))
	require.NoError(t, err)
	n := &recordingNotifier{}
	s := New(discardLogger(), store, n, Config{}, WithClock(clock.Now))
	return store, clock, n, s
}

func TestDemoteIdleToAway_OnlyStaleOnline(t *testing.T) {
	t.Parallel()

	store, clock, n, s := setup(t)
	ctx := context.Background()

	for id, st := range map[string]presence.Status{
		"online": presence.StatusOnline,
		"busy":   presence.StatusBusy,
		"dnd":    presence.StatusDoNotDisturb,
		"away":   presence.StatusAway,
	} {
		_, err := store.SetStatus(ctx, id, st, nil)
		require.NoError(t, err)
	}
	clock.Advance(6 * time.Minute)
	_, err := store.SetStatus(ctx, "fresh", presence.StatusOnline, nil)
	require.NoError(t, err)

	demoted, err := s.DemoteIdleToAway(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	require.Equal(t, "online", demoted[0].UserID)
	require.Equal(t, map[string]presence.Status{"online": presence.StatusAway}, n.statuses())

	busy, err := store.GetStatus(ctx, "busy")
	require.NoError(t, err)
	require.Equal(t, presence.StatusBusy, busy.Status)
}

func TestSweep_LongIdleGoesStraightToOffline(t *testing.T) {
	t.Parallel()

	store, clock, n, s := setup(t)
	ctx := context.Background()

	_, err := store.SetStatus(ctx, "gone", presence.StatusOnline, nil)
	require.NoError(t, err)
	clock.Advance(25 * time.Minute)
	_, err = store.SetStatus(ctx, "idle", presence.StatusOnline, nil)
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Offline, 1)
	require.Equal(t, "gone", res.Offline[0].UserID)
	require.Len(t, res.Away, 1)
	require.Equal(t, "idle", res.Away[0].UserID)

	require.Equal(t, map[string]presence.Status{
		"gone": presence.StatusOffline,
		"idle": presence.StatusAway,
	}, n.statuses())

	// The AWAY user keeps its original last-seen and is demoted once the offline threshold passes.
	clock.Advance(25 * time.Minute)
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Offline, 1)
	require.Equal(t, "idle", res.Offline[0].UserID)
}

func TestSweep_HeartbeatKeepsUserOnline(t *testing.T) {
	t.Parallel()

	store, clock, _, s := setup(t)
	ctx := context.Background()

	_, err := store.SetStatus(ctx, "u", presence.StatusOnline, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		clock.Advance(30 * time.Second)
		_, err := store.Heartbeat(ctx, "u")
		require.NoError(t, err)
		_, err = s.Sweep(ctx)
		require.NoError(t, err)
	}

	rec, err := store.GetStatus(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, rec.Status)
}

type partialStore struct {
	*presence.MemoryStore
}

func (p partialStore) DemoteIdle(ctx context.Context, from []presence.Status, to presence.Status, cutoff time.Time) ([]presence.Record, error) {
	recs, _ := p.MemoryStore.DemoteIdle(ctx, from, to, cutoff)
	return recs, errors.New("one row failed")
}

func TestSweep_PartialFailureStillNotifies(t *testing.T) {
	t.Parallel()

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem, err := presence.NewMemoryStore(presence.WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = mem.SetStatus(ctx, "u", presence.StatusOnline, nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	n := &recordingNotifier{}
	s := New(discardLogger(), partialStore{mem}, n, Config{}, WithClock(clock.Now))

	res, err := s.Sweep(ctx)
	require.Error(t, err)
	require.Len(t, res.Offline, 1)
	require.Equal(t, map[string]presence.Status{"u": presence.StatusOffline}, n.statuses())
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	store, err := presence.NewMemoryStore()
	require.NoError(t, err)
	s := New(discardLogger(), store, nil, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
