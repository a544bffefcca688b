package realtime

import (
	"log/slog"
	"sync"
)

// Channel is the in-memory subscriber set of one workspace.
//
// Join/Leave are safe under concurrent Members. Leaving does not close the
// client: a connection may be subscribed to several workspaces.
type Channel struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

func NewChannel(log *slog.Logger, id string) *Channel {
	return &Channel{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the channel. Rejoining is a no-op.
func (c *Channel) Join(client *Client) {
	if c == nil || client == nil || client.ConnID == "" {
		return
	}

	c.mu.Lock()
	c.members[client.ConnID] = client
	c.mu.Unlock()

	c.log.Debug("channel.member.join", "workspace_id", c.ID, "connection_id", client.ConnID)
}

// Leave removes a connection and reports how many members remain.
func (c *Channel) Leave(connID string) int {
	if c == nil || connID == "" {
		return 0
	}

	c.mu.Lock()
	delete(c.members, connID)
	n := len(c.members)
	c.mu.Unlock()

	c.log.Debug("channel.member.leave", "workspace_id", c.ID, "connection_id", connID)
	return n
}

// Members returns a snapshot of the live (not shutting down) members.
func (c *Channel) Members() []*Client {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Client, 0, len(c.members))
	for _, m := range c.members {
		if m == nil || m.closed() {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}
