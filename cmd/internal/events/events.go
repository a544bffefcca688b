// Package events exports presence changes to an external bus so other services
// (push delivery, analytics) can react without holding a websocket.
//
// Publishing is fire-and-forget from the caller's point of view: a failed publish is
// reported back as an error to log, never retried and never allowed to block presence.
package events

import (
	"context"
	"encoding/json"
	"time"

	"herald/cmd/internal/presence"
)

const TypePresenceChanged = "presence.changed"

// Event is the JSON document written to the bus.
type Event struct {
	Type         string    `json:"type"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	CustomStatus *string   `json:"customStatus,omitempty"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// Source is what caused the change: "connect", "disconnect", "client", "api", "sweep".
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// FromRecord builds the event for a freshly written presence record.
func FromRecord(rec presence.Record, source string, at time.Time) Event {
	return Event{
		Type:         TypePresenceChanged,
		UserID:       rec.UserID,
		Status:       rec.Status.String(),
		CustomStatus: rec.CustomStatus,
		LastSeenAt:   rec.LastSeenAt,
		UpdatedAt:    rec.UpdatedAt,
		Source:       source,
		At:           at,
	}
}

func (e Event) encode() ([]byte, error) { return json.Marshal(e) }

// Publisher ships events to a bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event. It is the publisher when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
