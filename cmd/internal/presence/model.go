// Package presence holds the durable per-user presence record and its storage backends.
package presence

import (
	"strings"
	"time"
)

// Status is the coarse availability a user advertises. Values are wire-stable.
type Status string

const (
	StatusOnline       Status = "ONLINE"
	StatusOffline      Status = "OFFLINE"
	StatusAway         Status = "AWAY"
	StatusBusy         Status = "BUSY"
	StatusDoNotDisturb Status = "DO_NOT_DISTURB"
)

// ActiveStatuses are the statuses that count as "online" for membership listings.
var ActiveStatuses = []Status{StatusOnline, StatusAway, StatusBusy}

// MaxCustomStatusChars bounds the free-text custom status (runes).
const MaxCustomStatusChars = 140

// ParseStatus normalizes s (case-insensitive, surrounding space ignored).
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", OpError{Op: "presence.ParseStatus", Kind: ErrInvalidStatus, Msg: s}
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy, StatusDoNotDisturb:
		return true
	default:
		return false
	}
}

// Active reports whether s is ONLINE, AWAY or BUSY.
func (s Status) Active() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// Record is one user's durable presence row.
type Record struct {
	UserID       string
	Status       Status
	CustomStatus *string
	LastSeenAt   time.Time
	UpdatedAt    time.Time
}

// DefaultRecord is the OFFLINE record reported for a user that was never written.
func DefaultRecord(userID string, now time.Time) Record {
	return Record{
		UserID:     userID,
		Status:     StatusOffline,
		LastSeenAt: now,
		UpdatedAt:  now,
	}
}

// Clone returns a copy that does not share the custom status pointer.
func (r Record) Clone() Record {
	if r.CustomStatus != nil {
		cs := *r.CustomStatus
		r.CustomStatus = &cs
	}
	return r
}

func validateUserID(op, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	return nil
}

func validateCustomStatus(op, text string) error {
	if len([]rune(text)) > MaxCustomStatusChars {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "custom status too long"}
	}
	return nil
}

// orderByInput arranges found records in the order of userIDs, synthesizing
// OFFLINE defaults (not persisted) for ids with no row.
func orderByInput(userIDs []string, found map[string]Record, now time.Time) []Record {
	out := make([]Record, 0, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := found[id]; ok {
			out = append(out, rec.Clone())
			continue
		}
		out = append(out, DefaultRecord(id, now))
	}
	return out
}

// activeInOrder keeps candidate order, drops duplicates and inactive users.
func activeInOrder(candidates []string, found map[string]Record) []Record {
	out := make([]Record, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if rec, ok := found[id]; ok && rec.Status.Active() {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
