// Package api is the request/response surface of herald. It drives the same
// realtime.Service operations as the websocket gateway, so REST writes are
// broadcast to workspace subscribers like any other change.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"herald/cmd/internal/auth"
	"herald/cmd/internal/membership"
	"herald/cmd/internal/presence"
	"herald/cmd/internal/realtime"
	"herald/cmd/internal/typing"
	v1 "herald/shared/contracts/realtime/v1"

	"github.com/gorilla/mux"
)

const (
	maxBodyBytes = 16 << 10

	// MaxBulkUsers bounds a single bulk presence lookup.
	MaxBulkUsers = 500
)

type Handler struct {
	log   *slog.Logger
	svc   *realtime.Service
	authn auth.Authenticator
}

func NewHandler(log *slog.Logger, svc *realtime.Service, authn auth.Authenticator) *Handler {
	return &Handler{log: log, svc: svc, authn: authn}
}

// Register mounts the /v1 routes on r. Every route requires authentication.
func (h *Handler) Register(r *mux.Router) {
	v := r.PathPrefix("/v1").Subrouter()
	v.Use(auth.Middleware(h.authn, func(w http.ResponseWriter, _ *http.Request, _ error) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	}))

	v.HandleFunc("/presence/me", h.handleGetMe).Methods(http.MethodGet)
	v.HandleFunc("/presence/me/status", h.handleSetStatus).Methods(http.MethodPut)
	v.HandleFunc("/presence/me/custom-status", h.handleSetCustomStatus).Methods(http.MethodPut)
	v.HandleFunc("/presence/me/custom-status", h.handleClearCustomStatus).Methods(http.MethodDelete)
	v.HandleFunc("/presence/me/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
	v.HandleFunc("/presence/me/online", h.handleGoOnline).Methods(http.MethodPost)
	v.HandleFunc("/presence/me/offline", h.handleGoOffline).Methods(http.MethodPost)
	v.HandleFunc("/presence/users/{userId}", h.handleGetUser).Methods(http.MethodGet)
	v.HandleFunc("/presence/bulk", h.handleBulk).Methods(http.MethodPost)

	v.HandleFunc("/workspaces/{workspaceId}/presence/online", h.handleWorkspaceOnline).Methods(http.MethodGet)
	v.HandleFunc("/conversations/{conversationId}/presence/online", h.handleConversationOnline).Methods(http.MethodGet)

	v.HandleFunc("/conversations/{conversationId}/typing", h.handleTypers).Methods(http.MethodGet)
	v.HandleFunc("/conversations/{conversationId}/typing/start", h.handleTypingStart).Methods(http.MethodPost)
	v.HandleFunc("/conversations/{conversationId}/typing/stop", h.handleTypingStop).Methods(http.MethodPost)
}

// ---- request / response models ----

type statusRequest struct {
	Status string `json:"status"`
}

type customStatusRequest struct {
	CustomStatus string `json:"customStatus"`
}

type bulkRequest struct {
	UserIDs []string `json:"userIds"`
}

type bulkResponse struct {
	Presences []v1.Presence `json:"presences"`
}

type onlineResponse struct {
	WorkspaceID    string        `json:"workspaceId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Users          []v1.Presence `json:"users"`
}

// ---- presence ----

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetStatus(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !readBody(w, r, maxBodyBytes, &req) {
		return
	}
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	rec, err := h.svc.SetStatus(r.Context(), userID(r), status, realtime.SourceAPI)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleSetCustomStatus(w http.ResponseWriter, r *http.Request) {
	var req customStatusRequest
	if !readBody(w, r, maxBodyBytes, &req) {
		return
	}
	rec, err := h.svc.SetCustomStatus(r.Context(), userID(r), req.CustomStatus, realtime.SourceAPI)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleClearCustomStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ClearCustomStatus(r.Context(), userID(r), realtime.SourceAPI)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Heartbeat(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GoOnline(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GoOffline(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

// handleGetUser never 404s: a user without a record reads as OFFLINE.
func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetStatus(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.ToWire(rec))
}

func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !readBody(w, r, maxBodyBytes*4, &req) {
		return
	}
	if len(req.UserIDs) > MaxBulkUsers {
		writeError(w, http.StatusBadRequest, "too_many_users", "at most 500 user ids per request")
		return
	}
	recs, err := h.svc.GetMultiple(r.Context(), req.UserIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse{Presences: wireList(recs)})
}

func (h *Handler) handleWorkspaceOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workspaceId"]
	recs, err := h.svc.WorkspaceOnline(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, onlineResponse{WorkspaceID: id, Users: wireList(recs)})
}

func (h *Handler) handleConversationOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversationId"]
	recs, err := h.svc.ConversationOnline(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, onlineResponse{ConversationID: id, Users: wireList(recs)})
}

// ---- typing ----

func (h *Handler) handleTypingStart(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartTyping(r.Context(), userID(r), mux.Vars(r)["conversationId"]); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTypingStop(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StopTyping(r.Context(), userID(r), mux.Vars(r)["conversationId"]); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTypers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["conversationId"]
	users, err := h.svc.Typers(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v1.TypingUsersPayload{ConversationID: id, UserIDs: users})
}

// ---- helpers ----

func userID(r *http.Request) string {
	uid, _ := auth.UserFrom(r.Context())
	return uid
}

func wireList(recs []presence.Record) []v1.Presence {
	out := make([]v1.Presence, 0, len(recs))
	for _, rec := range recs {
		out = append(out, realtime.ToWire(rec))
	}
	return out
}

// writeServiceError maps domain failures onto status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case presence.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "no presence record")
	case errors.Is(err, presence.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case presence.IsInvalid(err), errors.Is(err, typing.ErrInvalidInput), errors.Is(err, membership.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, realtime.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case presence.IsUnavailable(err), errors.Is(err, membership.ErrUnavailable):
		h.log.Warn("api.unavailable", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable")
	default:
		h.log.Error("api.internal", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
