// Package registry maps live connections to users inside one process.
//
// The registry is not persisted and not shared across processes; it is rebuilt
// from scratch as clients reconnect after a restart.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDuplicateConnection is a caller bug: connection ids must be unique.
	ErrDuplicateConnection = errors.New("registry: connection already registered")
	// ErrUnknownConnection is returned by Remove for an id that was never registered (or already removed).
	ErrUnknownConnection = errors.New("registry: unknown connection")
	ErrInvalidInput      = errors.New("registry: empty connection or user id")
)

// Registry keeps connection -> user and user -> connections in agreement.
// A user key exists iff it has at least one live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]string
	users map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]string),
		users: make(map[string]map[string]struct{}),
	}
}

// Register records connectionID for userID and reports whether it is the
// user's first live connection.
func (r *Registry) Register(connectionID, userID string) (first bool, err error) {
	if strings.TrimSpace(connectionID) == "" || strings.TrimSpace(userID) == "" {
		return false, ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.conns[connectionID]; dup {
		return false, ErrDuplicateConnection
	}
	r.conns[connectionID] = userID

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		r.users[userID] = set
	}
	set[connectionID] = struct{}{}
	return len(set) == 1, nil
}

// Remove drops connectionID and reports its user and whether that was the
// user's last live connection.
func (r *Registry) Remove(connectionID string) (userID string, last bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connectionID]
	if !ok {
		return "", false, ErrUnknownConnection
	}
	delete(r.conns, connectionID)

	set := r.users[userID]
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.users, userID)
		return userID, true, nil
	}
	return userID, false, nil
}

func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// UserOf returns the user owning connectionID.
func (r *Registry) UserOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.conns[connectionID]
	return u, ok
}

// Stats returns the number of live connections and connected users.
func (r *Registry) Stats() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.users)
}

// ConnectedUsers returns a sorted snapshot of users with at least one connection.
func (r *Registry) ConnectedUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
