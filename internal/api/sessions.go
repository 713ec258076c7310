package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/goodtune/presence/internal/presence"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// registerRequest is the body of POST /api/sessions.
type registerRequest struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SessionsHandler handles session lifecycle and status requests.
type SessionsHandler struct {
	controller *presence.Controller
	presence   *presence.Presence
	logger     zerolog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(controller *presence.Controller, p *presence.Presence, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		controller: controller,
		presence:   p,
		logger:     logger.With().Str("handler", "sessions").Logger(),
	}
}

// Register creates a session record.
func (h *SessionsHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	rec, err := h.controller.Register(r.Context(), req.AccountID, req.SessionID)
	if err != nil {
		writePresenceError(w, h.logger, err, "Failed to register session")
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// Get returns the connection status of a session.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	status, err := h.presence.Status(r.Context(), id)
	if err != nil {
		writePresenceError(w, h.logger, err, "Failed to get session status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Start opens the session window (login).
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start", h.controller.Start)
}

// End closes the session window (logout).
func (h *SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "end", h.controller.End)
}

// Activity records an activity signal.
func (h *SessionsHandler) Activity(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "activity", h.controller.Touch)
}

func (h *SessionsHandler) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) (*presence.Result, error)) {
	id := mux.Vars(r)["id"]

	res, err := fn(r.Context(), id)
	if err != nil {
		writePresenceError(w, h.logger.With().Str("op", op).Str("session_id", id).Logger(), err, "Lifecycle operation failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
