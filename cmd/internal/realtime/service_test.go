package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/cmd/internal/events"
	"herald/cmd/internal/membership"
	"herald/cmd/internal/presence"
	"herald/cmd/internal/sweeper"
	"herald/cmd/internal/typing"
	v1 "herald/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
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

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) sources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Source+":"+e.UserID+":"+e.Status)
	}
	return out
}

type harness struct {
	svc    *Service
	store  *presence.MemoryStore
	typing *typing.MemoryIndex
	clock  *testClock
	events *capturePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := newTestClock()
	store, err := presence.NewMemoryStore(presence.WithClock(clock.Now))
	require.NoError(t, err)
	idx := typing.NewMemoryIndex(typing.WithMemoryClock(clock.Now))
	members := membership.NewStatic(membership.StaticConfig{
		Workspaces: map[string][]string{
			"W":     {"alice", "bob", "carol"},
			"other": {"bob", "dave"},
		},
		Conversations: map[string][]string{"K": {"alice", "bob"}},
	})
	pub := &capturePublisher{}

	svc, err := NewService(discardLogger(), Deps{
		Store:   store,
		Typing:  idx,
		Members: members,
		Events:  pub,
		Clock:   clock.Now,
	})
	require.NoError(t, err)
	return &harness{svc: svc, store: store, typing: idx, clock: clock, events: pub}
}

func nextUpdate(t *testing.T, c *Client) v1.UserUpdatedPayload {
	t.Helper()
	select {
	case e := <-c.Send:
		require.Equal(t, v1.TypePresenceUserUpdated, e.Type)
		var p v1.UserUpdatedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		return p
	default:
		t.Fatal("no envelope queued")
		return v1.UserUpdatedPayload{}
	}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewService(discardLogger(), Deps{})
	require.Error(t, err)
}

func TestService_MultipleConnectionsOfflineOnlyAfterLast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	watcher := NewClient("alice", "watch", 16)
	_, err := h.svc.Subscribe(ctx, watcher, "W")
	require.NoError(t, err)

	first, err := h.svc.Connect(ctx, "b1", "bob")
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, "ONLINE", nextUpdate(t, watcher).Presence.Status)

	for _, id := range []string{"b2", "b3"} {
		first, err = h.svc.Connect(ctx, id, "bob")
		require.NoError(t, err)
		require.False(t, first)
	}
	require.Empty(t, drain(watcher), "extra connections are not transitions")

	for _, id := range []string{"b1", "b2"} {
		_, last, err := h.svc.Disconnect(ctx, id)
		require.NoError(t, err)
		require.False(t, last)
	}
	rec, err := h.svc.GetStatus(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, rec.Status)

	h.clock.Advance(time.Minute)
	closedAt := h.clock.Now()

	user, last, err := h.svc.Disconnect(ctx, "b3")
	require.NoError(t, err)
	require.Equal(t, "bob", user)
	require.True(t, last)

	upd := nextUpdate(t, watcher)
	require.Equal(t, "bob", upd.UserID)
	require.Equal(t, "OFFLINE", upd.Presence.Status)
	require.True(t, upd.Presence.LastSeenAt.Equal(closedAt))

	require.Equal(t, []string{"connect:bob:ONLINE", "disconnect:bob:OFFLINE"}, h.events.sources())
	require.False(t, h.svc.Registry().IsConnected("bob"))
}

func TestService_DisconnectUnknownIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user, last, err := h.svc.Disconnect(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, user)
	require.False(t, last)
}

type failingStore struct {
	*presence.MemoryStore
}

func (failingStore) SetStatus(context.Context, string, presence.Status, *string) (presence.Record, error) {
	return presence.Record{}, presence.ErrUnavailable
}

func TestService_ConnectRollsBackWhenStoreFails(t *testing.T) {
	t.Parallel()

	mem, err := presence.NewMemoryStore()
	require.NoError(t, err)
	svc, err := NewService(discardLogger(), Deps{
		Store:   failingStore{mem},
		Typing:  typing.NewMemoryIndex(),
		Members: membership.NewStatic(membership.StaticConfig{}),
	})
	require.NoError(t, err)

	_, err = svc.Connect(context.Background(), "c1", "alice")
	require.ErrorIs(t, err, presence.ErrUnavailable)
	require.False(t, svc.Registry().IsConnected("alice"))
}

func TestService_BroadcastScopedToUsersWorkspaces(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	inW := NewClient("carol", "cw", 8)
	inOther := NewClient("dave", "do", 8)
	_, err := h.svc.Subscribe(ctx, inW, "W")
	require.NoError(t, err)
	_, err = h.svc.Subscribe(ctx, inOther, "other")
	require.NoError(t, err)

	_, err = h.svc.SetStatus(ctx, "alice", presence.StatusBusy, SourceClient)
	require.NoError(t, err)

	require.Equal(t, "BUSY", nextUpdate(t, inW).Presence.Status)
	require.Empty(t, drain(inOther), "alice is not in workspace other")
}

func TestService_SubscribeSnapshotAndMembershipCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Connect(ctx, "b1", "bob")
	require.NoError(t, err)
	_, err = h.svc.SetStatus(ctx, "carol", presence.StatusDoNotDisturb, SourceAPI)
	require.NoError(t, err)

	sub := NewClient("alice", "a1", 8)
	snap, err := h.svc.Subscribe(ctx, sub, "W")
	require.NoError(t, err)
	require.Len(t, snap, 1, "DO_NOT_DISTURB is not an active status")
	require.Equal(t, "bob", snap[0].UserID)

	outsider := NewClient("dave", "d1", 8)
	_, err = h.svc.Subscribe(ctx, outsider, "W")
	require.ErrorIs(t, err, ErrForbidden)
	require.Equal(t, 1, h.svc.Hub().Subscribers("W"))

	_, err = h.svc.Subscribe(ctx, sub, " ")
	require.Error(t, err)

	require.True(t, h.svc.Unsubscribe(sub, "W"))
	require.Zero(t, h.svc.Hub().Subscribers("W"))
}

func TestService_CustomStatusAndHeartbeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Heartbeat(ctx, "alice")
	require.True(t, presence.IsNotFound(err))
	_, err = h.svc.ClearCustomStatus(ctx, "alice", SourceAPI)
	require.True(t, presence.IsNotFound(err))

	rec, err := h.svc.SetCustomStatus(ctx, "alice", "lunch", SourceAPI)
	require.NoError(t, err)
	require.Equal(t, "lunch", *rec.CustomStatus)

	rec, err = h.svc.SetStatus(ctx, "alice", presence.StatusAway, SourceAPI)
	require.NoError(t, err)
	require.NotNil(t, rec.CustomStatus, "status writes keep the custom status")

	rec, err = h.svc.ClearCustomStatus(ctx, "alice", SourceAPI)
	require.NoError(t, err)
	require.Nil(t, rec.CustomStatus)
	require.Equal(t, presence.StatusAway, rec.Status)

	h.clock.Advance(10 * time.Second)
	rec, err = h.svc.Heartbeat(ctx, "alice")
	require.NoError(t, err)
	require.True(t, rec.LastSeenAt.Equal(h.clock.Now()))
}

func TestService_OnlineListsUseMembership(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.GoOnline(ctx, "alice")
	require.NoError(t, err)
	_, err = h.svc.GoOnline(ctx, "dave")
	require.NoError(t, err)
	_, err = h.svc.GoOffline(ctx, "bob")
	require.NoError(t, err)

	ws, err := h.svc.WorkspaceOnline(ctx, "W")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	require.Equal(t, "alice", ws[0].UserID)

	conv, err := h.svc.ConversationOnline(ctx, "K")
	require.NoError(t, err)
	require.Len(t, conv, 1)

	recs, err := h.svc.GetMultiple(ctx, []string{"zed", "alice", "bob"})
	require.NoError(t, err)
	require.Equal(t, []string{"zed", "alice", "bob"}, []string{recs[0].UserID, recs[1].UserID, recs[2].UserID})
	require.Equal(t, presence.StatusOffline, recs[0].Status)
}

func TestService_TypingLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.StartTyping(ctx, "bob", "K"))
	require.NoError(t, h.svc.StartTyping(ctx, "bob", "K"))
	require.NoError(t, h.svc.StartTyping(ctx, "alice", "K"))

	users, err := h.svc.Typers(ctx, "K")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, users)

	require.NoError(t, h.svc.StopTyping(ctx, "alice", "K"))
	h.clock.Advance(typing.DefaultTTL + time.Millisecond)

	users, err = h.svc.Typers(ctx, "K")
	require.NoError(t, err)
	require.Empty(t, users)
	require.NotNil(t, users)

	require.Error(t, h.svc.StartTyping(ctx, "bob", ""))
}

type brokenIndex struct{}

func (brokenIndex) Start(context.Context, string, string) error { return errors.New("redis down") }
func (brokenIndex) Stop(context.Context, string, string) error  { return errors.New("redis down") }
func (brokenIndex) List(context.Context, string) ([]string, error) {
	return nil, errors.New("redis down")
}
func (brokenIndex) Close() error { return nil }

func TestService_TypingFailuresAreNotSurfaced(t *testing.T) {
	t.Parallel()

	store, err := presence.NewMemoryStore()
	require.NoError(t, err)
	svc, err := NewService(discardLogger(), Deps{
		Store:   store,
		Typing:  brokenIndex{},
		Members: membership.NewStatic(membership.StaticConfig{}),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.StartTyping(ctx, "bob", "K"))
	require.NoError(t, svc.StopTyping(ctx, "bob", "K"))
	users, err := svc.Typers(ctx, "K")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestService_PresenceChangedBroadcastsSweeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	sub := NewClient("alice", "a1", 8)
	_, err := h.svc.Subscribe(ctx, sub, "W")
	require.NoError(t, err)

	rec, err := h.store.SetStatus(ctx, "bob", presence.StatusAway, nil)
	require.NoError(t, err)
	h.svc.PresenceChanged(ctx, rec, SourceSweep)

	require.Equal(t, "AWAY", nextUpdate(t, sub).Presence.Status)
	require.Equal(t, []string{"sweep:bob:AWAY"}, h.events.sources())
}

// racingStore lets a client write land between a demotion and its announcement.
type racingStore struct {
	*presence.MemoryStore
	between func()
}

func (s racingStore) DemoteIdle(ctx context.Context, from []presence.Status, to presence.Status, cutoff time.Time) ([]presence.Record, error) {
	recs, err := s.MemoryStore.DemoteIdle(ctx, from, to, cutoff)
	if s.between != nil {
		s.between()
	}
	return recs, err
}

// offlineFailingStore rejects only OFFLINE writes.
type offlineFailingStore struct {
	*presence.MemoryStore
}

func (s offlineFailingStore) SetStatus(ctx context.Context, userID string, status presence.Status, custom *string) (presence.Record, error) {
	if status == presence.StatusOffline {
		return presence.Record{}, presence.ErrUnavailable
	}
	return s.MemoryStore.SetStatus(ctx, userID, status, custom)
}

func TestService_FailedDisconnectWriteRecoveredBySweep(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	store := offlineFailingStore{h.store}
	svc, err := NewService(discardLogger(), Deps{
		Store:   store,
		Typing:  h.typing,
		Members: membership.NewStatic(membership.StaticConfig{Workspaces: map[string][]string{"W": {"alice", "bob"}}}),
		Clock:   h.clock.Now,
	})
	require.NoError(t, err)

	sub := NewClient("alice", "a1", 8)
	_, err = svc.Subscribe(ctx, sub, "W")
	require.NoError(t, err)

	_, err = svc.Connect(ctx, "b1", "bob")
	require.NoError(t, err)
	require.Equal(t, "ONLINE", nextUpdate(t, sub).Presence.Status)

	user, last, err := svc.Disconnect(ctx, "b1")
	require.ErrorIs(t, err, presence.ErrUnavailable)
	require.Equal(t, "bob", user)
	require.True(t, last)
	require.False(t, svc.Registry().IsConnected("bob"))
	require.Empty(t, sub.Send)

	stuck, err := h.store.GetStatus(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, stuck.Status)

	h.clock.Advance(sweeper.DefaultOfflineAfter + time.Minute)
	res, err := sweeper.New(discardLogger(), store, svc, sweeper.Config{}, sweeper.WithClock(h.clock.Now)).Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Offline, 1)

	upd := nextUpdate(t, sub)
	require.Equal(t, "bob", upd.UserID)
	require.Equal(t, "OFFLINE", upd.Presence.Status)
}

func TestService_SweepAnnouncementNeverOvertakesLaterWrite(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	sub := NewClient("alice", "a1", 8)
	_, err := h.svc.Subscribe(ctx, sub, "W")
	require.NoError(t, err)

	_, err = h.store.SetStatus(ctx, "bob", presence.StatusOnline, nil)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	store := racingStore{MemoryStore: h.store, between: func() {
		_, err := h.svc.SetStatus(ctx, "bob", presence.StatusOnline, SourceClient)
		require.NoError(t, err)
	}}
	sw := sweeper.New(discardLogger(), store, h.svc, sweeper.Config{}, sweeper.WithClock(h.clock.Now))
	recs, err := sw.DemoteIdleToAway(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	stored, err := h.store.GetStatus(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, stored.Status)

	require.Equal(t, "ONLINE", nextUpdate(t, sub).Presence.Status)
	require.Empty(t, sub.Send, "a stale AWAY must not follow the newer ONLINE")
	require.Equal(t, []string{"client:bob:ONLINE"}, h.events.sources())
}

func TestService_EventPublishFailureDoesNotBlockBroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.events.err = errors.New("bus down")
	ctx := context.Background()

	sub := NewClient("alice", "a1", 8)
	_, err := h.svc.Subscribe(ctx, sub, "W")
	require.NoError(t, err)

	_, err = h.svc.SetStatus(ctx, "bob", presence.StatusBusy, SourceClient)
	require.NoError(t, err)
	require.Equal(t, "BUSY", nextUpdate(t, sub).Presence.Status)
}
