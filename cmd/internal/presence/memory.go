package presence

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used in dev mode and tests.
type MemoryStore struct {
	now Clock

	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore constructs an empty MemoryStore. Only WithClock is honored.
func NewMemoryStore(opts ...Option) (*MemoryStore, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{now: o.now, recs: make(map[string]Record)}, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, userID string, status Status, customStatus *string) (Record, error) {
	const op = "presence.SetStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if !status.Valid() {
		return Record{}, OpError{Op: op, Kind: ErrInvalidStatus, Msg: string(status)}
	}
	if customStatus != nil {
		if err := validateCustomStatus(op, *customStatus); err != nil {
			return Record{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[userID]
	if !ok {
		rec = Record{UserID: userID}
	}
	rec.Status = status
	if customStatus != nil {
		cs := *customStatus
		rec.CustomStatus = &cs
	}
	rec.LastSeenAt = now
	rec.UpdatedAt = now
	s.recs[userID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) SetCustomStatus(ctx context.Context, userID, customStatus string) (Record, error) {
	const op = "presence.SetCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := validateCustomStatus(op, customStatus); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[userID]
	if !ok {
		rec = DefaultRecord(userID, now)
	}
	cs := customStatus
	rec.CustomStatus = &cs
	rec.LastSeenAt = now
	rec.UpdatedAt = now
	s.recs[userID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) ClearCustomStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.ClearCustomStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[userID]
	if !ok {
		return Record{}, notFound(op, userID)
	}
	rec.CustomStatus = nil
	rec.UpdatedAt = s.now()
	s.recs[userID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, userID string) (Record, error) {
	const op = "presence.GetStatus"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	rec, ok := s.recs[userID]
	s.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check: a writer may have won the race between the two locks.
	if rec, ok := s.recs[userID]; ok {
		return rec.Clone(), nil
	}
	rec = DefaultRecord(userID, s.now())
	s.recs[userID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) GetMultiple(ctx context.Context, userIDs []string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	found := make(map[string]Record, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := s.recs[id]; ok {
			found[id] = rec
		}
	}
	s.mu.RUnlock()

	return orderByInput(userIDs, found, s.now()), nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, userID string) (Record, error) {
	const op = "presence.Heartbeat"
	if err := validateUserID(op, userID); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[userID]
	if !ok {
		return Record{}, notFound(op, userID)
	}
	rec.LastSeenAt = s.now()
	s.recs[userID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) ListActive(ctx context.Context, candidates []string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]Record, len(candidates))
	for _, id := range candidates {
		if rec, ok := s.recs[id]; ok {
			found[id] = rec
		}
	}
	return activeInOrder(candidates, found), nil
}

func (s *MemoryStore) DemoteIdle(ctx context.Context, from []Status, to Status, cutoff time.Time) ([]Record, error) {
	if !to.Valid() {
		return nil, OpError{Op: "presence.DemoteIdle", Kind: ErrInvalidStatus, Msg: string(to)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for id, rec := range s.recs {
		if !slices.Contains(from, rec.Status) || !rec.LastSeenAt.Before(cutoff) {
			continue
		}
		rec.Status = to
		rec.UpdatedAt = now
		s.recs[id] = rec
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
