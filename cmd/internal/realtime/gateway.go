package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"herald/cmd/internal/auth"
	"herald/cmd/internal/ids"
	"herald/cmd/internal/membership"
	"herald/cmd/internal/metrics"
	"herald/cmd/internal/presence"
	"herald/cmd/internal/typing"
	v1 "herald/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig holds the websocket policy. Zero values take defaults, except
// OriginRequired which is taken as given.
type GatewayConfig struct {
	// AllowedOrigins is matched against the Origin header, by full origin or by host.
	AllowedOrigins []string
	OriginRequired bool

	// InsecureSkipVerify disables websocket.Accept's own origin check. Dev only.
	InsecureSkipVerify bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	PingInterval time.Duration
	PingTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// HeartbeatInterval is advertised to clients in presence.ready.
	HeartbeatInterval time.Duration
}

// DefaultGatewayConfig allows localhost origins only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		PingInterval:      pingInterval,
		PingTimeout:       pingTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		HeartbeatInterval: HeartbeatInterval,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	return c
}

// Gateway is the websocket entrypoint for presence and typing.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits
// and pings, and routes validated envelopes to the Service.
type Gateway struct {
	log     *slog.Logger
	svc     *Service
	authn   auth.Authenticator
	metrics *metrics.Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

func NewGateway(log *slog.Logger, svc *Service, authn auth.Authenticator, m *metrics.Metrics, cfg GatewayConfig) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		log:     log,
		svc:     svc,
		authn:   authn,
		metrics: m,
		cfg:     cfg,
		// websocket.Accept enforces its own origin policy; derive its patterns
		// from the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs one connection until it closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.Rejected("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Authenticate before upgrading: a rejected handshake never touches presence state.
	userID, err := g.authn.Authenticate(r)
	if err != nil {
		g.metrics.Rejected("auth")
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.Rejected("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := ids.New()
	client := NewClient(userID, connID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := g.svc.Connect(ctx, connID, userID); err != nil {
		g.log.Error("ws.connect.fail", "user_id", userID, "connection_id", connID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}
	g.log.Info("ws.live", "user_id", userID, "connection_id", connID)

	var closeOnce sync.Once

	// shutdown is idempotent. Subscriptions are dropped before client.Close so a
	// concurrent broadcast never targets a dead client for long.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.svc.Hub().UnsubscribeAll(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "ping failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.sendReady(client)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env); err != nil {
			code, msg := errorCode(err)
			if code == "internal" || code == "unavailable" {
				g.log.Warn("ws.op.fail", "type", env.Type, "user_id", userID, "connection_id", connID, "err", err)
			}
			g.trySendError(client, code, msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	// The request context may already be gone; the OFFLINE write must still happen.
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
	if _, _, err := g.svc.Disconnect(dctx, connID); err != nil {
		g.log.Error("ws.disconnect.fail", "user_id", userID, "connection_id", connID, "err", err)
	}
	dcancel()
	g.log.Info("ws.closed", "user_id", userID, "connection_id", connID, "dropped", client.Dropped())

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypePresenceUpdate:
		var p v1.PresenceUpdatePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		status, err := presence.ParseStatus(p.Status)
		if err != nil {
			return err
		}
		_, err = g.svc.SetStatus(ctx, client.UserID, status, SourceClient)
		return err

	case v1.TypePresenceCustomStatus:
		var p v1.CustomStatusPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.svc.SetCustomStatus(ctx, client.UserID, p.CustomStatus, SourceClient)
		return err

	case v1.TypePresenceClearCustomStatus:
		_, err := g.svc.ClearCustomStatus(ctx, client.UserID, SourceClient)
		return err

	case v1.TypePresenceHeartbeat:
		_, err := g.svc.Heartbeat(ctx, client.UserID)
		return err

	case v1.TypePresenceSubscribeWorkspace:
		var p v1.WorkspacePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		snapshot, err := g.svc.Subscribe(ctx, client, p.WorkspaceID)
		if err != nil {
			return err
		}
		g.send(client, v1.TypePresenceWorkspaceOnline, v1.WorkspaceOnlinePayload{
			WorkspaceID: strings.TrimSpace(p.WorkspaceID),
			Users:       toWireList(snapshot),
		})
		return nil

	case v1.TypePresenceUnsubscribeWorkspace:
		var p v1.WorkspacePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		g.svc.Unsubscribe(client, p.WorkspaceID)
		return nil

	case v1.TypeTypingStart, v1.TypeTypingStop:
		var p v1.TypingPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if env.Type == v1.TypeTypingStart {
			return g.svc.StartTyping(ctx, client.UserID, p.ConversationID)
		}
		return g.svc.StopTyping(ctx, client.UserID, p.ConversationID)

	case v1.TypeTypingList:
		var p v1.TypingPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		users, err := g.svc.Typers(ctx, p.ConversationID)
		if err != nil {
			return err
		}
		g.send(client, v1.TypeTypingUsers, v1.TypingUsersPayload{ConversationID: p.ConversationID, UserIDs: users})
		return nil

	default:
		return fmt.Errorf("%w: unsupported type: %s", errUnsupported, env.Type)
	}
}

var (
	errBadPayload  = errors.New("bad payload")
	errUnsupported = errors.New("unsupported")
)

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", errBadPayload)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

// errorCode maps a failure to the code and message of an error envelope.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, errBadPayload):
		return "bad_payload", err.Error()
	case errors.Is(err, errUnsupported):
		return "unsupported", err.Error()
	case errors.Is(err, ErrForbidden):
		return "forbidden", "not a member of this workspace"
	case errors.Is(err, presence.ErrInvalidStatus):
		return "invalid_status", err.Error()
	case presence.IsNotFound(err):
		return "not_found", err.Error()
	case presence.IsInvalid(err), errors.Is(err, typing.ErrInvalidInput), errors.Is(err, membership.ErrInvalidInput):
		return "invalid_input", err.Error()
	case presence.IsUnavailable(err), errors.Is(err, membership.ErrUnavailable):
		return "unavailable", "temporarily unavailable"
	default:
		return "internal", "internal error"
	}
}

// ---- send helpers ----

func (g *Gateway) sendReady(client *Client) {
	g.send(client, v1.TypePresenceReady, v1.ReadyPayload{
		ConnectionID:        client.ConnID,
		UserID:              client.UserID,
		HeartbeatIntervalMs: g.cfg.HeartbeatInterval.Milliseconds(),
	})
}

func (g *Gateway) send(client *Client, typ string, payload any) {
	p, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	g.enqueue(client, newEnvelope(typ, p, time.Now().UTC()))
}

func (g *Gateway) trySendError(client *Client, code, msg string) {
	g.send(client, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (g *Gateway) enqueue(client *Client, env v1.Envelope) bool {
	ok, evicted := client.Deliver(env)
	g.metrics.Dropped(evicted)
	return ok
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into websocket.Accept
// OriginPatterns. Each host is allowed with and without a port.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "*" {
			return []string{"*"}
		}
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
