// Package v1 defines the Herald presence protocol v1 contract.
//
// It is shared between the server and clients so the wire format stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "herald.presence.v1"

// Client -> server types.
const (
	TypePresenceUpdate               = "presence.update"
	TypePresenceCustomStatus         = "presence.customStatus"
	TypePresenceClearCustomStatus    = "presence.clearCustomStatus"
	TypePresenceHeartbeat            = "presence.heartbeat"
	TypePresenceSubscribeWorkspace   = "presence.subscribeWorkspace"
	TypePresenceUnsubscribeWorkspace = "presence.unsubscribeWorkspace"

	TypeTypingStart = "typing.start"
	TypeTypingStop  = "typing.stop"
	// TypeTypingList asks for the current typers of a conversation; answered with TypeTypingUsers.
	TypeTypingList = "typing.list"
)

// Server -> client types.
const (
	// TypePresenceReady is sent once when the connection becomes live.
	TypePresenceReady = "presence.ready"
	// TypePresenceUserUpdated carries one user's new presence to workspace subscribers.
	TypePresenceUserUpdated = "presence.userUpdated"
	// TypePresenceWorkspaceOnline is the snapshot sent right after a workspace subscription.
	TypePresenceWorkspaceOnline = "presence.workspaceOnline"
	TypeTypingUsers             = "typing.users"

	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an inbound (client -> server) envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientType reports whether typ may be sent by a client.
func IsClientType(typ string) bool {
	switch typ {
	case TypePresenceUpdate,
		TypePresenceCustomStatus,
		TypePresenceClearCustomStatus,
		TypePresenceHeartbeat,
		TypePresenceSubscribeWorkspace,
		TypePresenceUnsubscribeWorkspace,
		TypeTypingStart,
		TypeTypingStop,
		TypeTypingList:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// PresenceUpdatePayload requests an explicit status change.
type PresenceUpdatePayload struct {
	Status string `json:"status"`
}

// CustomStatusPayload sets the free-text custom status.
type CustomStatusPayload struct {
	CustomStatus string `json:"customStatus"`
}

// WorkspacePayload is used by subscribe/unsubscribe.
type WorkspacePayload struct {
	WorkspaceID string `json:"workspaceId"`
}

// TypingPayload is used by typing.start, typing.stop and typing.list.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

type ReadyPayload struct {
	ConnectionID        string `json:"connectionId"`
	UserID              string `json:"userId"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs"`
}

// Presence is the wire shape of one user's presence record.
type Presence struct {
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	CustomStatus *string   `json:"customStatus,omitempty"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type UserUpdatedPayload struct {
	UserID   string   `json:"userId"`
	Presence Presence `json:"presence"`
}

type WorkspaceOnlinePayload struct {
	WorkspaceID string     `json:"workspaceId"`
	Users       []Presence `json:"users"`
}

type TypingUsersPayload struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
