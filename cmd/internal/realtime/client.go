package realtime

import (
	"sort"
	"sync"
	"sync/atomic"

	v1 "herald/shared/contracts/realtime/v1"
)

// Client represents one live websocket connection.
//
// Send is never closed by the server; done signals goroutines to stop and
// Close is idempotent. Deliver is the only producer-side entry point.
type Client struct {
	ConnID string
	UserID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	// sendMu serializes producers so drop-oldest eviction cannot interleave.
	sendMu  sync.Mutex
	dropped atomic.Int64

	subMu sync.Mutex
	subs  map[string]struct{}
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		UserID: userID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Deliver enqueues env without blocking. When the queue is full the oldest
// queued envelope is evicted to make room. It reports whether env was queued
// and how many envelopes were evicted.
func (c *Client) Deliver(env v1.Envelope) (queued bool, evicted int) {
	if c == nil || c.closed() {
		return false, 0
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for attempt := 0; attempt <= cap(c.Send); attempt++ {
		select {
		case c.Send <- env:
			if evicted > 0 {
				c.dropped.Add(int64(evicted))
			}
			return true, evicted
		default:
		}

		select {
		case <-c.Send:
			evicted++
		default:
			// The writer drained the queue between the two selects; retry the send.
		}
	}
	c.dropped.Add(int64(evicted))
	return false, evicted
}

// Dropped is the number of envelopes evicted from this client's queue so far.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

func (c *Client) addSubscription(workspaceID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[workspaceID]; ok {
		return false
	}
	c.subs[workspaceID] = struct{}{}
	return true
}

func (c *Client) removeSubscription(workspaceID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[workspaceID]; !ok {
		return false
	}
	delete(c.subs, workspaceID)
	return true
}

// Subscriptions lists the workspaces this connection is subscribed to, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	c.subMu.Unlock()
	sort.Strings(out)
	return out
}
