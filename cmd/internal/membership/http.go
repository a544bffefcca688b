package membership

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTP resolves membership against a directory service:
//
//	GET /workspaces/{id}/members     -> {"userIds": [...]}
//	GET /conversations/{id}/members  -> {"userIds": [...]}
//	GET /users/{id}/workspaces       -> {"workspaceIds": [...]}
//
// A 404 means the entity has no members. Any other non-2xx is ErrUnavailable.
type HTTP struct {
	client *resty.Client
}

type HTTPConfig struct {
	BaseURL string
	// Token, when set, is sent as a bearer credential on every call.
	Token   string
	Timeout time.Duration
}

type membersResponse struct {
	UserIDs []string `json:"userIds"`
}

type workspacesResponse struct {
	WorkspaceIDs []string `json:"workspaceIds"`
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("membership: empty base url")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("membership: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	c := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTP{client: c}, nil
}

func (h *HTTP) WorkspaceMembers(ctx context.Context, workspaceID string) ([]string, error) {
	id, err := requireID("workspace members", "workspace id", workspaceID)
	if err != nil {
		return nil, err
	}
	var out membersResponse
	if err := h.get(ctx, "/workspaces/"+url.PathEscape(id)+"/members", &out); err != nil {
		return nil, err
	}
	return sortedUnique(out.UserIDs), nil
}

func (h *HTTP) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	id, err := requireID("conversation members", "conversation id", conversationID)
	if err != nil {
		return nil, err
	}
	var out membersResponse
	if err := h.get(ctx, "/conversations/"+url.PathEscape(id)+"/members", &out); err != nil {
		return nil, err
	}
	return sortedUnique(out.UserIDs), nil
}

func (h *HTTP) WorkspacesOf(ctx context.Context, userID string) ([]string, error) {
	id, err := requireID("workspaces of", "user id", userID)
	if err != nil {
		return nil, err
	}
	var out workspacesResponse
	if err := h.get(ctx, "/users/"+url.PathEscape(id)+"/workspaces", &out); err != nil {
		return nil, err
	}
	return sortedUnique(out.WorkspaceIDs), nil
}

func (h *HTTP) IsWorkspaceMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	wid, err := requireID("is workspace member", "workspace id", workspaceID)
	if err != nil {
		return false, err
	}
	spaces, err := h.WorkspacesOf(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, w := range spaces {
		if w == wid {
			return true, nil
		}
	}
	return false, nil
}

func (h *HTTP) get(ctx context.Context, path string, out any) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(out).
		Get(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: GET %s: status %d", ErrUnavailable, path, resp.StatusCode())
	}
}
