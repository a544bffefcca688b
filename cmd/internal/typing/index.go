// Package typing tracks who is composing a message in a conversation.
//
// Membership is authoritative but lazily corrected: a user stays in a
// conversation's set until Stop, or until a List observes that their TTL
// marker has expired and removes them.
package typing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is how long a typing.start stays valid without a refresh.
const DefaultTTL = 6 * time.Second

var ErrInvalidInput = errors.New("typing: invalid input")

// Index is the ephemeral typing store.
type Index interface {
	// Start adds userID to conversationID's typers and (re)arms its TTL. Idempotent.
	Start(ctx context.Context, userID, conversationID string) error
	// Stop removes userID's marker and membership. Idempotent.
	Stop(ctx context.Context, userID, conversationID string) error
	// List returns the live typers, sorted, removing expired members as a side effect.
	List(ctx context.Context, conversationID string) ([]string, error)
	Close() error
}

func validate(userID, conversationID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return ErrInvalidInput
	}
	return nil
}
