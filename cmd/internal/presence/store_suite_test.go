package presence

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock Clock) Store

var userSeq atomic.Int64

// uid keeps ids unique across subtests so shared databases need no cleanup.
func uid(name string) string {
	return name + "-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(userSeq.Add(1), 10)
}

func strPtr(s string) *string { return &s }

func containsUser(recs []Record, userID string) (Record, bool) {
	for _, r := range recs {
		if r.UserID == userID {
			return r, true
		}
	}
	return Record{}, false
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Helper()

	setup := func(t *testing.T) (Store, *fakeClock, context.Context) {
		clock := newFakeClock()
		st := newStore(t, clock.Now)
		return st, clock, context.Background()
	}

	t.Run("GetStatusMaterializesDefault", func(t *testing.T) {
		st, clock, ctx := setup(t)
		u := uid("u")

		rec, err := st.GetStatus(ctx, u)
		require.NoError(t, err)
		require.Equal(t, u, rec.UserID)
		require.Equal(t, StatusOffline, rec.Status)
		require.Nil(t, rec.CustomStatus)
		require.True(t, rec.LastSeenAt.Equal(clock.Now()))

		// The default was persisted: heartbeat no longer reports NotFound.
		_, err = st.Heartbeat(ctx, u)
		require.NoError(t, err)
	})

	t.Run("SetStatusUpsertsAndRefreshesLastSeen", func(t *testing.T) {
		st, clock, ctx := setup(t)
		u := uid("u")

		rec, err := st.SetStatus(ctx, u, StatusOnline, nil)
		require.NoError(t, err)
		require.Equal(t, StatusOnline, rec.Status)

		clock.Advance(time.Minute)
		rec, err = st.SetStatus(ctx, u, StatusBusy, nil)
		require.NoError(t, err)
		require.Equal(t, StatusBusy, rec.Status)
		require.True(t, rec.LastSeenAt.Equal(clock.Now()))
		require.True(t, rec.UpdatedAt.Equal(clock.Now()))

		got, err := st.GetStatus(ctx, u)
		require.NoError(t, err)
		require.Equal(t, StatusBusy, got.Status)
	})

	t.Run("SetStatusWithoutCustomKeepsCustom", func(t *testing.T) {
		st, _, ctx := setup(t)
		u := uid("u")

		_, err := st.SetStatus(ctx, u, StatusOnline, strPtr("at lunch"))
		require.NoError(t, err)

		rec, err := st.SetStatus(ctx, u, StatusAway, nil)
		require.NoError(t, err)
		require.NotNil(t, rec.CustomStatus)
		require.Equal(t, "at lunch", *rec.CustomStatus)
		require.Equal(t, StatusAway, rec.Status)
	})

	t.Run("SetCustomStatusKeepsStatus", func(t *testing.T) {
		st, _, ctx := setup(t)
		fresh := uid("fresh")
		live := uid("live")

		rec, err := st.SetCustomStatus(ctx, fresh, "commuting")
		require.NoError(t, err)
		require.Equal(t, StatusOffline, rec.Status)
		require.Equal(t, "commuting", *rec.CustomStatus)

		_, err = st.SetStatus(ctx, live, StatusOnline, nil)
		require.NoError(t, err)
		rec, err = st.SetCustomStatus(ctx, live, "heads down")
		require.NoError(t, err)
		require.Equal(t, StatusOnline, rec.Status)
		require.Equal(t, "heads down", *rec.CustomStatus)
	})

	t.Run("ClearCustomStatus", func(t *testing.T) {
		st, _, ctx := setup(t)
		u := uid("u")

		_, err := st.ClearCustomStatus(ctx, u)
		require.True(t, IsNotFound(err), "got %v", err)

		_, err = st.SetStatus(ctx, u, StatusDoNotDisturb, strPtr("focus"))
		require.NoError(t, err)

		rec, err := st.ClearCustomStatus(ctx, u)
		require.NoError(t, err)
		require.Nil(t, rec.CustomStatus)
		require.Equal(t, StatusDoNotDisturb, rec.Status)
	})

	t.Run("GetMultiplePreservesOrderAndSynthesizesDefaults", func(t *testing.T) {
		st, _, ctx := setup(t)
		a, b, c := uid("a"), uid("b"), uid("c")

		_, err := st.SetStatus(ctx, b, StatusOnline, nil)
		require.NoError(t, err)

		recs, err := st.GetMultiple(ctx, []string{a, b, c})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		require.Equal(t, a, recs[0].UserID)
		require.Equal(t, b, recs[1].UserID)
		require.Equal(t, c, recs[2].UserID)
		require.Equal(t, StatusOffline, recs[0].Status)
		require.Equal(t, StatusOnline, recs[1].Status)
		require.Equal(t, StatusOffline, recs[2].Status)

		// Synthesized defaults are not persisted.
		_, err = st.Heartbeat(ctx, a)
		require.True(t, IsNotFound(err), "got %v", err)
	})

	t.Run("GetMultipleEmpty", func(t *testing.T) {
		st, _, ctx := setup(t)
		recs, err := st.GetMultiple(ctx, nil)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("HeartbeatUpdatesOnlyLastSeen", func(t *testing.T) {
		st, clock, ctx := setup(t)
		u := uid("u")

		_, err := st.Heartbeat(ctx, u)
		require.True(t, IsNotFound(err), "got %v", err)

		before, err := st.SetStatus(ctx, u, StatusAway, nil)
		require.NoError(t, err)

		clock.Advance(30 * time.Second)
		rec, err := st.Heartbeat(ctx, u)
		require.NoError(t, err)
		require.Equal(t, StatusAway, rec.Status)
		require.True(t, rec.LastSeenAt.Equal(clock.Now()))
		require.True(t, rec.UpdatedAt.Equal(before.UpdatedAt))
	})

	t.Run("ListActiveFiltersCandidates", func(t *testing.T) {
		st, _, ctx := setup(t)
		a, b, c, d, e, f := uid("a"), uid("b"), uid("c"), uid("d"), uid("e"), uid("f")

		for id, status := range map[string]Status{
			a: StatusOnline, b: StatusAway, c: StatusBusy, d: StatusDoNotDisturb, e: StatusOffline,
		} {
			_, err := st.SetStatus(ctx, id, status, nil)
			require.NoError(t, err)
		}

		recs, err := st.ListActive(ctx, []string{c, f, a, e, d, b, a})
		require.NoError(t, err)
		require.Len(t, recs, 3)
		require.Equal(t, c, recs[0].UserID)
		require.Equal(t, a, recs[1].UserID)
		require.Equal(t, b, recs[2].UserID)
	})

	t.Run("DemoteIdleToAwayOnlyTouchesStaleOnline", func(t *testing.T) {
		st, clock, ctx := setup(t)
		staleOnline, staleBusy, freshOnline := uid("so"), uid("sb"), uid("fo")

		_, err := st.SetStatus(ctx, staleOnline, StatusOnline, nil)
		require.NoError(t, err)
		_, err = st.SetStatus(ctx, staleBusy, StatusBusy, nil)
		require.NoError(t, err)
		lastSeen := clock.Now()

		clock.Advance(10 * time.Minute)
		_, err = st.SetStatus(ctx, freshOnline, StatusOnline, nil)
		require.NoError(t, err)

		cutoff := clock.Now().Add(-5 * time.Minute)
		demoted, err := st.DemoteIdle(ctx, []Status{StatusOnline}, StatusAway, cutoff)
		require.NoError(t, err)

		rec, ok := containsUser(demoted, staleOnline)
		require.True(t, ok)
		require.Equal(t, StatusAway, rec.Status)
		require.True(t, rec.LastSeenAt.Equal(lastSeen), "demotion must not refresh last seen")
		_, ok = containsUser(demoted, staleBusy)
		require.False(t, ok)
		_, ok = containsUser(demoted, freshOnline)
		require.False(t, ok)

		got, err := st.GetMultiple(ctx, []string{staleOnline, staleBusy, freshOnline})
		require.NoError(t, err)
		require.Equal(t, StatusAway, got[0].Status)
		require.Equal(t, StatusBusy, got[1].Status)
		require.Equal(t, StatusOnline, got[2].Status)
	})

	t.Run("DemoteIdleToOffline", func(t *testing.T) {
		st, clock, ctx := setup(t)
		online, away, dnd := uid("on"), uid("aw"), uid("dnd")

		_, err := st.SetStatus(ctx, online, StatusOnline, nil)
		require.NoError(t, err)
		_, err = st.SetStatus(ctx, away, StatusAway, nil)
		require.NoError(t, err)
		_, err = st.SetStatus(ctx, dnd, StatusDoNotDisturb, nil)
		require.NoError(t, err)

		clock.Advance(31 * time.Minute)
		demoted, err := st.DemoteIdle(ctx, []Status{StatusOnline, StatusAway}, StatusOffline, clock.Now().Add(-30*time.Minute))
		require.NoError(t, err)

		_, ok := containsUser(demoted, online)
		require.True(t, ok)
		_, ok = containsUser(demoted, away)
		require.True(t, ok)
		_, ok = containsUser(demoted, dnd)
		require.False(t, ok)

		rec, err := st.GetStatus(ctx, away)
		require.NoError(t, err)
		require.Equal(t, StatusOffline, rec.Status)
	})

	t.Run("SetStatusAfterDemotionWins", func(t *testing.T) {
		st, clock, ctx := setup(t)
		u := uid("back")

		_, err := st.SetStatus(ctx, u, StatusOnline, nil)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
		cutoff := clock.Now().Add(-5 * time.Minute)

		demoted, err := st.DemoteIdle(ctx, []Status{StatusOnline}, StatusAway, cutoff)
		require.NoError(t, err)
		_, ok := containsUser(demoted, u)
		require.True(t, ok)

		rec, err := st.SetStatus(ctx, u, StatusOnline, nil)
		require.NoError(t, err)
		require.Equal(t, StatusOnline, rec.Status)

		demoted, err = st.DemoteIdle(ctx, []Status{StatusOnline}, StatusAway, cutoff)
		require.NoError(t, err)
		_, ok = containsUser(demoted, u)
		require.False(t, ok)

		rec, err = st.GetStatus(ctx, u)
		require.NoError(t, err)
		require.Equal(t, StatusOnline, rec.Status)
	})

	t.Run("RejectsInvalidInput", func(t *testing.T) {
		st, _, ctx := setup(t)

		_, err := st.SetStatus(ctx, uid("u"), Status("SLEEPING"), nil)
		require.True(t, IsInvalid(err), "got %v", err)

		_, err = st.SetStatus(ctx, "", StatusOnline, nil)
		require.True(t, IsInvalid(err), "got %v", err)

		long := make([]rune, MaxCustomStatusChars+1)
		for i := range long {
			long[i] = 'x'
		}
		_, err = st.SetCustomStatus(ctx, uid("u"), string(long))
		require.True(t, IsInvalid(err), "got %v", err)
	})
}
