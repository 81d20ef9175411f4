package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// BookingHandler serves slot browsing and the booking checkout flow.
//
// Routes:
//   - GET  /api/coaches/{coachID}/slots        -> ListSlots
//   - POST /api/bookings/checkout              -> StartCheckout
//   - GET  /api/bookings/{bookingID}           -> GetBooking
//   - POST /api/bookings/{bookingID}/cancel    -> CancelBooking
type BookingHandler struct {
	availability service.AvailabilityResolver
	checkout     service.CheckoutService
	loc          *time.Location
	validator    *validator.Validate
	logger       *slog.Logger
}

// NewBookingHandler creates a new BookingHandler. Dates and time labels are
// read in loc.
func NewBookingHandler(
	availability service.AvailabilityResolver,
	checkout service.CheckoutService,
	loc *time.Location,
	logger *slog.Logger,
) *BookingHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &BookingHandler{
		availability: availability,
		checkout:     checkout,
		loc:          loc,
		validator:    newValidator(),
		logger:       logger,
	}
}

// RegisterRoutes registers booking routes on the provided mux.
func (h *BookingHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.Handle("GET /api/coaches/{coachID}/slots", requireUser(http.HandlerFunc(h.ListSlots)))
	mux.Handle("POST /api/bookings/checkout", requireUser(http.HandlerFunc(h.StartCheckout)))
	mux.Handle("GET /api/bookings/{bookingID}", requireUser(http.HandlerFunc(h.GetBooking)))
	mux.Handle("POST /api/bookings/{bookingID}/cancel", requireUser(http.HandlerFunc(h.CancelBooking)))
}

// =============================================================================
// Response Types
// =============================================================================

type slotsResponse struct {
	CoachID uuid.UUID            `json:"coachId"`
	Date    string               `json:"date"`
	Slots   []domain.BookingSlot `json:"slots"`
}

type bookingResponse struct {
	ID              uuid.UUID  `json:"id"`
	CoachID         uuid.UUID  `json:"coachId"`
	SessionType     string     `json:"sessionType"`
	ScheduledAt     time.Time  `json:"scheduledAt"`
	DurationMinutes int        `json:"durationMinutes"`
	PriceCents      int64      `json:"priceCents"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

func toBookingResponse(b *domain.Booking) bookingResponse {
	return bookingResponse{
		ID:              b.ID,
		CoachID:         b.CoachID,
		SessionType:     string(b.SessionType),
		ScheduledAt:     b.ScheduledAt,
		DurationMinutes: b.DurationMinutes,
		PriceCents:      b.PriceCents,
		Currency:        b.Currency,
		Status:          b.Status.String(),
		CancelReason:    b.CancelReason,
		ConfirmedAt:     b.ConfirmedAt,
		CancelledAt:     b.CancelledAt,
	}
}

// =============================================================================
// Handlers
// =============================================================================

// ListSlots returns a coach's slots for ?date=YYYY-MM-DD. With
// ?available=true only bookable slots are returned.
func (h *BookingHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	const op = "booking.list_slots"

	coachID, err := pathUUID(r, "coachID", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	q := r.URL.Query()
	date, err := time.ParseInLocation(domain.DateLayout, q.Get("date"), h.loc)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "date must be formatted YYYY-MM-DD"))
		return
	}
	onlyAvailable, _ := strconv.ParseBool(q.Get("available"))

	lookup := h.availability.Slots
	if onlyAvailable {
		lookup = h.availability.AvailableSlots
	}
	seq, err := lookup(r.Context(), coachID, date)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	slots := slices.Collect(seq)
	if slots == nil {
		slots = []domain.BookingSlot{}
	}
	writeJSON(w, http.StatusOK, slotsResponse{
		CoachID: coachID,
		Date:    date.Format(domain.DateLayout),
		Slots:   slots,
	})
}

type startCheckoutRequest struct {
	CoachID     string `json:"coachId" validate:"required,uuid"`
	SessionType string `json:"sessionType" validate:"required,oneof=trial regular"`
	Date        string `json:"date" validate:"required"`
	TimeLabel   string `json:"timeLabel" validate:"required"`
}

// StartCheckout holds the chosen slot and returns the payment page URL.
func (h *BookingHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	const op = "booking.start_checkout"

	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req startCheckoutRequest
	if err := decodeJSON(r, h.validator, op, &req); err != nil {
		ValidationErrorResponse(w, r, h.logger, err)
		return
	}

	startsAt, err := domain.ParseSlotStart(req.Date, req.TimeLabel, h.loc)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "date or timeLabel is not a valid slot"))
		return
	}

	result, err := h.checkout.StartCheckout(r.Context(), domain.StartCheckoutParams{
		LearnerID:     p.UserID,
		CoachID:       uuid.MustParse(req.CoachID),
		SessionType:   domain.SessionType(req.SessionType),
		StartsAt:      startsAt,
		CustomerEmail: p.Email,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetBooking lets the return page poll for confirmation.
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	const op = "booking.get"

	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	bookingID, err := pathUUID(r, "bookingID", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	b, err := h.checkout.GetBooking(r.Context(), p.UserID, bookingID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// CancelBooking releases the learner's slot.
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	const op = "booking.cancel"

	p, err := principal(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	bookingID, err := pathUUID(r, "bookingID", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	b, err := h.checkout.CancelForLearner(r.Context(), p.UserID, bookingID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}
