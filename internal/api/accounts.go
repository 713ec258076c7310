package api

import (
	"encoding/json"
	"net/http"

	"github.com/goodtune/presence/internal/presence"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// accountRequest is the body of PUT /api/accounts/{id}.
type accountRequest struct {
	Active *bool `json:"active"`
}

// AccountsHandler handles account roster and activation requests.
type AccountsHandler struct {
	controller *presence.Controller
	presence   *presence.Presence
	logger     zerolog.Logger
}

// NewAccountsHandler creates a new accounts handler.
func NewAccountsHandler(controller *presence.Controller, p *presence.Presence, logger zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{
		controller: controller,
		presence:   p,
		logger:     logger.With().Str("handler", "accounts").Logger(),
	}
}

// Sessions returns every session of an account with its live status.
func (h *AccountsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	roster, err := h.presence.AccountRoster(r.Context(), id)
	if err != nil {
		writePresenceError(w, h.logger, err, "Failed to get account sessions")
		return
	}

	writeJSON(w, http.StatusOK, roster)
}

// Update sets the active flag of an account, creating it if needed.
func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}

	acct, err := h.controller.SetAccountActive(r.Context(), id, *req.Active)
	if err != nil {
		writePresenceError(w, h.logger, err, "Failed to update account")
		return
	}

	writeJSON(w, http.StatusOK, acct)
}
