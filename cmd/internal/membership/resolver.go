// Package membership answers who belongs to which workspace or conversation.
//
// Herald never owns membership data. Resolvers read it from wherever the
// surrounding product keeps it: a static file, a Postgres schema, or an HTTP service.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnavailable reports that the backing source could not be reached.
	ErrUnavailable = errors.New("membership: unavailable")

	ErrInvalidInput = errors.New("membership: invalid input")
)

// Resolver is the authorization and fan-out boundary for presence.
// Member lists come back sorted and de-duplicated.
type Resolver interface {
	WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error)
	ConversationMembers(ctx context.Context, conversationID string) ([]string, error)
	IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error)
	// WorkspacesOf lists the workspaces a user belongs to; presence changes fan out to these.
	WorkspacesOf(ctx context.Context, userID string) ([]string, error)
}

func requireID(op, kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s: empty %s", ErrInvalidInput, op, kind)
	}
	return id, nil
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
