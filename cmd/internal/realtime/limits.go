package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// HeartbeatInterval is the presence.heartbeat cadence advertised to clients.
	HeartbeatInterval = 30 * time.Second

	// Websocket ping defaults.
	pingInterval = 25 * time.Second
	pingTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Bound on the store writes done while tearing a connection down.
	disconnectTimeout = 5 * time.Second
)
