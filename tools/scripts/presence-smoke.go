// Package main is a CI-friendly smoke test for a running herald server.
//
// It validates:
//   - handshake, subprotocol selection and presence.ready
//   - workspace subscription snapshot
//   - userUpdated fan-out for connect, status change and disconnect
//   - typing.start visible through typing.list
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "herald/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", os.Getenv("HERALD_SMOKE_TOKEN_A"), "Bearer token of the watching user")
		tokenB  = flag.String("token-b", os.Getenv("HERALD_SMOKE_TOKEN_B"), "Bearer token of the active user")
		wsID    = flag.String("workspace", "dev-workspace", "Workspace both users belong to")
		convID  = flag.String("conv", "dev-room-1", "Conversation to type in")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *tokenA == "" || *tokenB == "" {
		fatalf("-token-a and -token-b are required")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	mustSend(root, a, v1.TypePresenceSubscribeWorkspace, v1.WorkspacePayload{WorkspaceID: *wsID}, *timeout)
	snap := a.mustReadUntilType(root, v1.TypePresenceWorkspaceOnline, *timeout)
	var sp v1.WorkspaceOnlinePayload
	mustUnmarshal(snap, &sp)
	if *verbose {
		fmt.Printf("snapshot: workspace=%s online=%d\n", sp.WorkspaceID, len(sp.Users))
	}

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}
	mustAwaitStatus(root, a, b.userID, "ONLINE", *timeout)

	mustSend(root, b, v1.TypeTypingStart, v1.TypingPayload{ConversationID: *convID}, *timeout)
	mustSend(root, a, v1.TypeTypingList, v1.TypingPayload{ConversationID: *convID}, *timeout)
	typers := a.mustReadUntilType(root, v1.TypeTypingUsers, *timeout)
	var tp v1.TypingUsersPayload
	mustUnmarshal(typers, &tp)
	if !slices.Contains(tp.UserIDs, b.userID) {
		fatalf("typing.users missing %s: %v", b.userID, tp.UserIDs)
	}
	mustSend(root, b, v1.TypeTypingStop, v1.TypingPayload{ConversationID: *convID}, *timeout)

	mustSend(root, b, v1.TypePresenceUpdate, v1.PresenceUpdatePayload{Status: "BUSY"}, *timeout)
	mustAwaitStatus(root, a, b.userID, "BUSY", *timeout)

	closeWS(b.conn)
	mustAwaitStatus(root, a, b.userID, "OFFLINE", *timeout)

	fmt.Printf("OK: A=%s B=%s workspace=%s conv=%s\n", a.userID, b.userID, *wsID, *convID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: http %d: %v", name, resp.StatusCode, err)
		}
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ready := c.mustReadUntilType(parent, v1.TypePresenceReady, stepTimeout)
	var p v1.ReadyPayload
	mustUnmarshal(ready, &p)
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("presence.ready incomplete (%s): %+v", name, p)
	}
	c.userID = p.UserID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.V != v1.Version {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %q", data):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSend(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

// mustAwaitStatus skips other users' updates until userID reaches status.
func mustAwaitStatus(parent context.Context, c *smokeClient, userID, status string, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fatalf("timeout waiting for %s=%s (%s)", userID, status, c.name)
		}
		env := c.mustReadUntilType(parent, v1.TypePresenceUserUpdated, remaining)
		var p v1.UserUpdatedPayload
		mustUnmarshal(env, &p)
		if p.UserID == userID && p.Presence.Status == status {
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustUnmarshal(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
