package api

import (
	"net/http"

	"github.com/goodtune/presence/internal/presence"
	"github.com/rs/zerolog"
)

// AuditHandler runs the consistency auditor on demand.
type AuditHandler struct {
	auditor *presence.Auditor
	logger  zerolog.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(auditor *presence.Auditor, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		auditor: auditor,
		logger:  logger.With().Str("handler", "audit").Logger(),
	}
}

// Run performs an audit pass and returns the report. The status is 200
// even when the report is unhealthy; callers inspect the body.
func (h *AuditHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.auditor.Run(r.Context())
	if err != nil {
		writePresenceError(w, h.logger, err, "Audit failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}
