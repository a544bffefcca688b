package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// StaticConfig is the on-disk layout read by LoadStatic.
//
//	{"workspaces": {"w1": ["alice","bob"]}, "conversations": {"c1": ["alice"]}}
type StaticConfig struct {
	Workspaces    map[string][]string `json:"workspaces"`
	Conversations map[string][]string `json:"conversations"`
}

// Static serves membership from fixed maps. Useful for development and tests.
type Static struct {
	mu            sync.RWMutex
	workspaces    map[string][]string
	conversations map[string][]string
	userSpaces    map[string][]string
}

func NewStatic(cfg StaticConfig) *Static {
	s := &Static{}
	s.Replace(cfg)
	return s
}

// LoadStatic reads a StaticConfig JSON document from path.
func LoadStatic(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("membership: read %s: %w", path, err)
	}
	var cfg StaticConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("membership: parse %s: %w", path, err)
	}
	return NewStatic(cfg), nil
}

// Replace swaps the whole membership table atomically.
func (s *Static) Replace(cfg StaticConfig) {
	ws := make(map[string][]string, len(cfg.Workspaces))
	byUser := make(map[string][]string)
	for id, members := range cfg.Workspaces {
		members = sortedUnique(members)
		ws[id] = members
		for _, u := range members {
			byUser[u] = append(byUser[u], id)
		}
	}
	for u, ids := range byUser {
		byUser[u] = sortedUnique(ids)
	}

	convs := make(map[string][]string, len(cfg.Conversations))
	for id, members := range cfg.Conversations {
		convs[id] = sortedUnique(members)
	}

	s.mu.Lock()
	s.workspaces = ws
	s.conversations = convs
	s.userSpaces = byUser
	s.mu.Unlock()
}

func (s *Static) WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error) {
	id, err := requireID("workspace members", "workspace id", workspaceID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.workspaces[id]...), nil
}

func (s *Static) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	id, err := requireID("conversation members", "conversation id", conversationID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.conversations[id]...), nil
}

func (s *Static) IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	spaces, err := s.WorkspacesOf(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, w := range spaces {
		if w == workspaceID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Static) WorkspacesOf(ctx context.Context, userID string) ([]string, error) {
	id, err := requireID("workspaces of", "user id", userID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.userSpaces[id]...), nil
}
