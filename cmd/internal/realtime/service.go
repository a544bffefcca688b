package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"herald/cmd/internal/events"
	"herald/cmd/internal/ids"
	"herald/cmd/internal/membership"
	"herald/cmd/internal/metrics"
	"herald/cmd/internal/presence"
	"herald/cmd/internal/registry"
	"herald/cmd/internal/typing"
	v1 "herald/shared/contracts/realtime/v1"
)

// ErrForbidden is returned when a user asks for a workspace they do not belong to.
var ErrForbidden = errors.New("realtime: forbidden")

// Change sources recorded on broadcasts, events and metrics.
const (
	SourceConnect    = "connect"
	SourceDisconnect = "disconnect"
	SourceClient     = "client"
	SourceAPI        = "api"
	SourceSweep      = "sweep"
)

// Deps are the collaborators a Service coordinates. Store, Typing and Members are required.
type Deps struct {
	Store    presence.Store
	Typing   typing.Index
	Members  membership.Resolver
	Registry *registry.Registry
	Hub      *Hub
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Service is the presence and typing engine. The websocket gateway and the
// HTTP API both mutate state through it, so every status change is broadcast
// and exported the same way regardless of where it came from.
type Service struct {
	log      *slog.Logger
	store    presence.Store
	typing   typing.Index
	members  membership.Resolver
	registry *registry.Registry
	hub      *Hub
	events   events.Publisher
	metrics  *metrics.Metrics
	now      func() time.Time

	userLocks   keyedLocks
	typingLocks keyedLocks
}

func NewService(log *slog.Logger, d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("realtime: nil presence store")
	}
	if d.Typing == nil {
		return nil, errors.New("realtime: nil typing index")
	}
	if d.Members == nil {
		return nil, errors.New("realtime: nil membership resolver")
	}
	s := &Service{
		log:      log,
		store:    d.Store,
		typing:   d.Typing,
		members:  d.Members,
		registry: d.Registry,
		hub:      d.Hub,
		events:   d.Events,
		metrics:  d.Metrics,
		now:      d.Clock,
	}
	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.hub == nil {
		s.hub = NewHub(log)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

func (s *Service) Hub() *Hub                    { return s.hub }
func (s *Service) Registry() *registry.Registry { return s.registry }

// ---- connection lifecycle ----

// Connect registers a live connection. On the user's first connection the user
// goes ONLINE and the change is broadcast. If that write fails the registration
// is rolled back so the caller can refuse the connection.
func (s *Service) Connect(ctx context.Context, connID, userID string) (first bool, err error) {
	unlock := s.userLocks.lock(userID)
	defer unlock()

	first, err = s.registry.Register(connID, userID)
	if err != nil {
		return false, err
	}
	defer s.syncConnectionGauges()

	if !first {
		return false, nil
	}

	rec, err := s.store.SetStatus(ctx, userID, presence.StatusOnline, nil)
	if err != nil {
		_, _, _ = s.registry.Remove(connID)
		return false, fmt.Errorf("connect %s: %w", userID, err)
	}
	s.log.Info("presence.transition", "user_id", userID, "connection_id", connID, "status", rec.Status, "source", SourceConnect)
	s.broadcast(ctx, rec, SourceConnect)
	return true, nil
}

// Disconnect removes a connection. When it was the user's last one the user goes
// OFFLINE with lastSeenAt set to now. Unknown connection ids are logged and ignored.
// A failed OFFLINE write is returned with last=true and not retried; the stored record
// keeps its old lastSeenAt and the idle sweeper demotes it later.
func (s *Service) Disconnect(ctx context.Context, connID string) (userID string, last bool, err error) {
	userID, ok := s.registry.UserOf(connID)
	if !ok {
		s.log.Warn("registry.remove.unknown", "connection_id", connID)
		return "", false, nil
	}

	unlock := s.userLocks.lock(userID)
	defer unlock()

	userID, last, err = s.registry.Remove(connID)
	if errors.Is(err, registry.ErrUnknownConnection) {
		s.log.Warn("registry.remove.unknown", "connection_id", connID)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer s.syncConnectionGauges()

	if !last {
		return userID, false, nil
	}

	rec, err := s.store.SetStatus(ctx, userID, presence.StatusOffline, nil)
	if err != nil {
		return userID, true, fmt.Errorf("disconnect %s: %w", userID, err)
	}
	s.log.Info("presence.transition", "user_id", userID, "connection_id", connID, "status", rec.Status, "source", SourceDisconnect)
	s.broadcast(ctx, rec, SourceDisconnect)
	return userID, true, nil
}

func (s *Service) syncConnectionGauges() {
	conns, users := s.registry.Stats()
	s.metrics.SetConnections(conns, users)
}

// ---- presence ----

// SetStatus writes an explicit status, keeping any custom status.
func (s *Service) SetStatus(ctx context.Context, userID string, status presence.Status, source string) (presence.Record, error) {
	unlock := s.userLocks.lock(userID)
	defer unlock()

	rec, err := s.store.SetStatus(ctx, userID, status, nil)
	if err != nil {
		return presence.Record{}, err
	}
	s.log.Info("presence.transition", "user_id", userID, "status", rec.Status, "source", source)
	s.broadcast(ctx, rec, source)
	return rec, nil
}

// GoOnline and GoOffline are explicit transitions requested over the API.
func (s *Service) GoOnline(ctx context.Context, userID string) (presence.Record, error) {
	return s.SetStatus(ctx, userID, presence.StatusOnline, SourceAPI)
}

func (s *Service) GoOffline(ctx context.Context, userID string) (presence.Record, error) {
	return s.SetStatus(ctx, userID, presence.StatusOffline, SourceAPI)
}

func (s *Service) SetCustomStatus(ctx context.Context, userID, text, source string) (presence.Record, error) {
	unlock := s.userLocks.lock(userID)
	defer unlock()

	rec, err := s.store.SetCustomStatus(ctx, userID, text)
	if err != nil {
		return presence.Record{}, err
	}
	s.broadcast(ctx, rec, source)
	return rec, nil
}

// ClearCustomStatus fails with presence.ErrNotFound when the user has no record.
func (s *Service) ClearCustomStatus(ctx context.Context, userID, source string) (presence.Record, error) {
	unlock := s.userLocks.lock(userID)
	defer unlock()

	rec, err := s.store.ClearCustomStatus(ctx, userID)
	if err != nil {
		return presence.Record{}, err
	}
	s.broadcast(ctx, rec, source)
	return rec, nil
}

// Heartbeat refreshes lastSeenAt only. It is not a transition and is not broadcast.
func (s *Service) Heartbeat(ctx context.Context, userID string) (presence.Record, error) {
	return s.store.Heartbeat(ctx, userID)
}

func (s *Service) GetStatus(ctx context.Context, userID string) (presence.Record, error) {
	return s.store.GetStatus(ctx, userID)
}

func (s *Service) GetMultiple(ctx context.Context, userIDs []string) ([]presence.Record, error) {
	return s.store.GetMultiple(ctx, userIDs)
}

// WorkspaceOnline lists the active members of a workspace.
func (s *Service) WorkspaceOnline(ctx context.Context, workspaceID string) ([]presence.Record, error) {
	members, err := s.members.WorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return s.store.ListActive(ctx, members)
}

// ConversationOnline lists the active members of a conversation.
func (s *Service) ConversationOnline(ctx context.Context, conversationID string) ([]presence.Record, error) {
	members, err := s.members.ConversationMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.store.ListActive(ctx, members)
}

// PresenceChanged announces a write made outside the Service, such as an idle
// demotion. It takes the user's lock and broadcasts the stored record, so a
// write that landed after rec was produced is never overtaken by stale news.
// When that later write changed the status it has already been broadcast and
// rec is dropped.
func (s *Service) PresenceChanged(ctx context.Context, rec presence.Record, source string) {
	unlock := s.userLocks.lock(rec.UserID)
	defer unlock()

	cur, err := s.store.GetStatus(ctx, rec.UserID)
	if err != nil {
		s.log.Warn("presence.changed.reload.fail", "user_id", rec.UserID, "source", source, "err", err)
		return
	}
	if cur.Status != rec.Status {
		s.log.Info("presence.changed.superseded", "user_id", rec.UserID, "source", source, "status", cur.Status)
		return
	}
	s.broadcast(ctx, cur, source)
}

// broadcast tells every subscriber of the user's workspaces and exports the change.
// It never fails: fan-out and export problems are logged.
func (s *Service) broadcast(ctx context.Context, rec presence.Record, source string) {
	s.metrics.Transition(rec.Status.String(), source)

	if err := s.events.Publish(ctx, events.FromRecord(rec, source, s.now())); err != nil {
		s.log.Warn("events.publish.fail", "user_id", rec.UserID, "err", err)
	}

	workspaces, err := s.members.WorkspacesOf(ctx, rec.UserID)
	if err != nil {
		s.log.Warn("presence.broadcast.members.fail", "user_id", rec.UserID, "err", err)
		return
	}
	if len(workspaces) == 0 {
		return
	}

	payload, err := json.Marshal(v1.UserUpdatedPayload{UserID: rec.UserID, Presence: ToWire(rec)})
	if err != nil {
		s.log.Error("presence.broadcast.encode.fail", "user_id", rec.UserID, "err", err)
		return
	}
	delivered, evicted := s.hub.Publish(workspaces, newEnvelope(v1.TypePresenceUserUpdated, payload, s.now()))
	s.metrics.Broadcast(delivered)
	s.metrics.Dropped(evicted)
	if evicted > 0 {
		s.log.Warn("presence.broadcast.evicted", "user_id", rec.UserID, "evicted", evicted)
	}
}

// ---- subscriptions ----

// Subscribe joins client to a workspace channel and returns the snapshot of
// active members. The join happens before the snapshot read, so a change racing
// the subscription is seen either in the snapshot or as a later event.
func (s *Service) Subscribe(ctx context.Context, client *Client, workspaceID string) ([]presence.Record, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: empty workspace id", presence.ErrInvalidInput)
	}

	ok, err := s.members.IsWorkspaceMember(ctx, client.UserID, workspaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	joined := s.hub.Subscribe(workspaceID, client)

	snapshot, err := s.WorkspaceOnline(ctx, workspaceID)
	if err != nil {
		if joined {
			s.hub.Unsubscribe(workspaceID, client)
		}
		return nil, err
	}
	return snapshot, nil
}

func (s *Service) Unsubscribe(client *Client, workspaceID string) bool {
	return s.hub.Unsubscribe(strings.TrimSpace(workspaceID), client)
}

// ---- typing ----

// StartTyping marks userID as typing in conversationID. Index failures are
// logged and swallowed; only invalid input is returned.
func (s *Service) StartTyping(ctx context.Context, userID, conversationID string) error {
	return s.typingOp(ctx, "start", userID, conversationID, s.typing.Start)
}

func (s *Service) StopTyping(ctx context.Context, userID, conversationID string) error {
	return s.typingOp(ctx, "stop", userID, conversationID, s.typing.Stop)
}

func (s *Service) typingOp(ctx context.Context, op, userID, conversationID string, fn func(context.Context, string, string) error) error {
	unlock := s.typingLocks.lock(userID, conversationID)
	defer unlock()

	err := fn(ctx, userID, conversationID)
	if errors.Is(err, typing.ErrInvalidInput) {
		return err
	}
	s.metrics.TypingOp(op, err)
	if err != nil {
		s.log.Warn("typing."+op+".fail", "user_id", userID, "conversation_id", conversationID, "err", err)
	}
	return nil
}

// Typers lists who is typing in conversationID. A failing index yields an empty list.
func (s *Service) Typers(ctx context.Context, conversationID string) ([]string, error) {
	users, err := s.typing.List(ctx, conversationID)
	if errors.Is(err, typing.ErrInvalidInput) {
		return nil, err
	}
	s.metrics.TypingOp("list", err)
	if err != nil {
		s.log.Warn("typing.list.fail", "conversation_id", conversationID, "err", err)
		return []string{}, nil
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

// ---- wire helpers ----

// ToWire converts a record to its protocol shape.
func ToWire(rec presence.Record) v1.Presence {
	return v1.Presence{
		UserID:       rec.UserID,
		Status:       rec.Status.String(),
		CustomStatus: rec.CustomStatus,
		LastSeenAt:   rec.LastSeenAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func toWireList(recs []presence.Record) []v1.Presence {
	out := make([]v1.Presence, 0, len(recs))
	for _, r := range recs {
		out = append(out, ToWire(r))
	}
	return out
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.New(),
		TS:      ts,
		Payload: payload,
	}
}
