package presence

import (
	"context"
	"time"
)

// Store persists one Record per user.
//
// Requirements:
//   - Every status write refreshes LastSeenAt and UpdatedAt.
//   - GetStatus materializes a missing user as a persisted OFFLINE record.
//   - GetMultiple preserves input order and synthesizes defaults without persisting them.
//   - Heartbeat and ClearCustomStatus never create a record (ErrNotFound instead).
//   - DemoteIdle re-checks status and LastSeenAt at write time and leaves LastSeenAt untouched.
type Store interface {
	// SetStatus upserts status. A nil customStatus keeps the stored custom status.
	SetStatus(ctx context.Context, userID string, status Status, customStatus *string) (Record, error)
	// SetCustomStatus upserts the custom status, keeping the current status (OFFLINE for new users).
	SetCustomStatus(ctx context.Context, userID, customStatus string) (Record, error)
	// ClearCustomStatus removes the custom status and leaves status untouched.
	ClearCustomStatus(ctx context.Context, userID string) (Record, error)

	GetStatus(ctx context.Context, userID string) (Record, error)
	GetMultiple(ctx context.Context, userIDs []string) ([]Record, error)

	// Heartbeat refreshes LastSeenAt only.
	Heartbeat(ctx context.Context, userID string) (Record, error)

	// ListActive filters candidates to users whose status is ONLINE, AWAY or BUSY,
	// in candidate order. It does not resolve membership.
	ListActive(ctx context.Context, candidates []string) ([]Record, error)

	// DemoteIdle moves every record whose status is in from and whose LastSeenAt is
	// before cutoff to status to. It returns the records it changed. A non-nil error
	// may accompany a partial result; callers should still act on the records returned.
	DemoteIdle(ctx context.Context, from []Status, to Status, cutoff time.Time) ([]Record, error)

	Ping(ctx context.Context) error
	Close() error
}

// Migrator is implemented by stores that can create their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Clock is injected by tests; stores default to time.Now in UTC.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now().UTC() }
