// This file implements the purchase endpoints behind the blocked modal and
// the plan picker. Fulfilment happens in the Stripe webhook; these routes
// only open payment pages.
//
// Routes handled:
//   - GET  /api/plans                  -> ListPlans
//   - POST /api/plans/{code}/checkout  -> CheckoutPlan
//   - POST /api/topups/checkout        -> CheckoutTopup
package handler

import (
	"cmp"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/service"
)

// PurchaseHandler sells coaching plans and AI minute top-ups.
type PurchaseHandler struct {
	checkout service.CheckoutService
	logger   *slog.Logger
}

// NewPurchaseHandler creates a new PurchaseHandler.
func NewPurchaseHandler(checkout service.CheckoutService, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		checkout: checkout,
		logger:   logger,
	}
}

// RegisterRoutes registers purchase routes on the provided mux.
func (h *PurchaseHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /api/plans", h.ListPlans)
	mux.Handle("POST /api/plans/{code}/checkout", requireUser(http.HandlerFunc(h.CheckoutPlan)))
	mux.Handle("POST /api/topups/checkout", requireUser(http.HandlerFunc(h.CheckoutTopup)))
}

type planResponse struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	DailyMinutes   int    `json:"dailyMinutes"`
	DurationMonths int    `json:"durationMonths"`
	PriceCents     int64  `json:"priceCents"`
}

type catalogResponse struct {
	Plans []planResponse `json:"plans"`
	Topup struct {
		Code       string `json:"code"`
		Name       string `json:"name"`
		Minutes    int    `json:"minutes"`
		PriceCents int64  `json:"priceCents"`
	} `json:"topup"`
}

// ListPlans returns the public catalog, cheapest first.
func (h *PurchaseHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans := slices.SortedFunc(maps.Values(domain.Plans), func(a, b domain.Plan) int {
		return cmp.Compare(a.PriceCents, b.PriceCents)
	})

	var resp catalogResponse
	resp.Plans = make([]planResponse, 0, len(plans))
	for _, p := range plans {
		resp.Plans = append(resp.Plans, planResponse{
			Code:           p.Code,
			Name:           p.Name,
			DailyMinutes:   p.DailyMinutes,
			DurationMonths: p.DurationMonths,
			PriceCents:     p.PriceCents,
		})
	}
	pack := domain.DefaultTopupPack
	resp.Topup.Code = pack.Code
	resp.Topup.Name = pack.Name
	resp.Topup.Minutes = pack.Minutes
	resp.Topup.PriceCents = pack.PriceCents

	writeJSON(w, http.StatusOK, resp)
}

// CheckoutPlan opens a payment page for the plan in the path.
func (h *PurchaseHandler) CheckoutPlan(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	code := strings.ToUpper(r.PathValue("code"))
	result, err := h.checkout.StartPlanCheckout(r.Context(), p.UserID, code, p.Email)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// CheckoutTopup opens a payment page for the minute pack.
func (h *PurchaseHandler) CheckoutTopup(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.checkout.StartTopupCheckout(r.Context(), p.UserID, p.Email)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
