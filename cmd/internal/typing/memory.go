package typing

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryIndex is a process-local Index. Each member carries its own deadline,
// which plays the role of the TTL marker.
type MemoryIndex struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	convs map[string]map[string]time.Time
}

type MemoryOption func(*MemoryIndex)

// WithMemoryTTL overrides DefaultTTL.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryIndex) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMemoryClock injects a time source for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryIndex) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	m := &MemoryIndex{
		ttl:   DefaultTTL,
		now:   time.Now,
		convs: make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryIndex) Start(ctx context.Context, userID, conversationID string) error {
	if err := validate(userID, conversationID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.convs[conversationID]
	if !ok {
		members = make(map[string]time.Time)
		m.convs[conversationID] = members
	}
	members[userID] = m.now().Add(m.ttl)
	return nil
}

func (m *MemoryIndex) Stop(ctx context.Context, userID, conversationID string) error {
	if err := validate(userID, conversationID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if members, ok := m.convs[conversationID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.convs, conversationID)
		}
	}
	return nil
}

func (m *MemoryIndex) List(ctx context.Context, conversationID string) ([]string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.convs[conversationID]
	out := make([]string, 0, len(members))
	for userID, deadline := range members {
		if !now.Before(deadline) {
			delete(members, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(members) == 0 {
		delete(m.convs, conversationID)
	}
	slices.Sort(out)
	return out, nil
}

// size reports the raw member count including expired entries.
func (m *MemoryIndex) size(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs[conversationID])
}

func (m *MemoryIndex) Close() error { return nil }
