// Package handler contains the JSON HTTP handlers for the coaching API.
//
// This file implements the quota widget endpoints.
//
// Routes handled:
//   - GET  /api/quota            -> Status
//   - POST /api/quota/topup/use  -> UseTopup
package handler

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/service"
)

// QuotaHandler serves the learner's AI coaching balance.
type QuotaHandler struct {
	quota  service.QuotaService
	clock  clock.Clock
	logger *slog.Logger
}

// NewQuotaHandler creates a new QuotaHandler.
func NewQuotaHandler(quota service.QuotaService, clk clock.Clock, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{
		quota:  quota,
		clock:  clk,
		logger: logger,
	}
}

// RegisterRoutes registers quota routes on the provided mux.
func (h *QuotaHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.Handle("GET /api/quota", requireUser(http.HandlerFunc(h.Status)))
	mux.Handle("POST /api/quota/topup/use", requireUser(http.HandlerFunc(h.UseTopup)))
}

// Status returns the quota widget projection.
func (h *QuotaHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	status, err := h.quota.Status(r.Context(), p.UserID, h.clock.Now())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// UseTopup acknowledges the blocked modal's "use top-up" action and
// returns the refreshed status.
func (h *QuotaHandler) UseTopup(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	now := h.clock.Now()
	if _, err := h.quota.UseTopup(r.Context(), p.UserID, now); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	status, err := h.quota.Status(r.Context(), p.UserID, now)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
