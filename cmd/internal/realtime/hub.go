package realtime

import (
	"log/slog"
	"sync"

	v1 "herald/shared/contracts/realtime/v1"
)

// Hub owns the workspace channels of this process. Broadcasts only reach
// connections that explicitly subscribed to a workspace.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

// Subscribe joins client to workspaceID's channel. It reports false when the
// client was already subscribed.
func (h *Hub) Subscribe(workspaceID string, client *Client) bool {
	if !client.addSubscription(workspaceID) {
		return false
	}

	h.mu.Lock()
	ch, ok := h.channels[workspaceID]
	if !ok {
		ch = NewChannel(h.log, workspaceID)
		h.channels[workspaceID] = ch
	}
	// Joined under h.mu so a concurrent Unsubscribe cannot drop the channel in between.
	ch.Join(client)
	h.mu.Unlock()
	return true
}

// Unsubscribe removes client from workspaceID's channel; empty channels are dropped.
func (h *Hub) Unsubscribe(workspaceID string, client *Client) bool {
	if !client.removeSubscription(workspaceID) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[workspaceID]
	if !ok {
		return true
	}
	if ch.Leave(client.ConnID) == 0 {
		delete(h.channels, workspaceID)
	}
	return true
}

// UnsubscribeAll drops every subscription of client. Called when a connection closes.
func (h *Hub) UnsubscribeAll(client *Client) {
	for _, ws := range client.Subscriptions() {
		h.Unsubscribe(ws, client)
	}
}

// Publish fans env out to the subscribers of the given workspaces. A connection
// subscribed to several of them receives env once. Never blocks.
func (h *Hub) Publish(workspaceIDs []string, env v1.Envelope) (delivered, evicted int) {
	h.mu.Lock()
	chans := make([]*Channel, 0, len(workspaceIDs))
	for _, id := range workspaceIDs {
		if ch, ok := h.channels[id]; ok {
			chans = append(chans, ch)
		}
	}
	h.mu.Unlock()

	seen := make(map[string]struct{})
	for _, ch := range chans {
		for _, c := range ch.Members() {
			if _, dup := seen[c.ConnID]; dup {
				continue
			}
			seen[c.ConnID] = struct{}{}

			ok, n := c.Deliver(env)
			evicted += n
			if ok {
				delivered++
			}
		}
	}
	return delivered, evicted
}

// Subscribers is the number of connections subscribed to workspaceID.
func (h *Hub) Subscribers(workspaceID string) int {
	h.mu.Lock()
	ch, ok := h.channels[workspaceID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return ch.Len()
}
