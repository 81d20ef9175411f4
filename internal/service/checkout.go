package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/DukeRupert/lingocoach/internal/billing"
	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/lock"
	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/DukeRupert/lingocoach/internal/repository"
	"github.com/google/uuid"
)

// Checkout defaults.
const (
	DefaultCheckoutTTL = 30 * time.Minute
	DefaultSlotLockTTL = 15 * time.Second
	staleSweepBatch    = 100
)

// =============================================================================
// Interface Definition
// =============================================================================

// CheckoutService books coaching sessions and sells minute packs through
// the payment provider.
type CheckoutService interface {
	// StartCheckout holds the slot with a pending booking and opens a
	// payment page for it. Returns ESLOTTAKEN when the slot is gone and
	// EPROFILE when the learner has not finished onboarding.
	StartCheckout(ctx context.Context, params domain.StartCheckoutParams) (*domain.CheckoutResult, error)

	// ConfirmPayment marks a pending booking paid. Repeating a confirmation
	// with the same reference returns the confirmed booking unchanged.
	ConfirmPayment(ctx context.Context, bookingID uuid.UUID, providerReference string) (*domain.Booking, error)

	// Cancel releases the booking's slot. Cancelling twice is a no-op.
	Cancel(ctx context.Context, bookingID uuid.UUID, reason string) (*domain.Booking, error)

	// CancelForLearner cancels on behalf of the learner who made the booking.
	CancelForLearner(ctx context.Context, learnerID, bookingID uuid.UUID) (*domain.Booking, error)

	// GetBooking returns a booking owned by learnerID.
	GetBooking(ctx context.Context, learnerID, bookingID uuid.UUID) (*domain.Booking, error)

	// ExpireStale cancels bookings left pending for longer than olderThan.
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)

	// StartTopupCheckout opens a payment page for the minute pack.
	StartTopupCheckout(ctx context.Context, userID uuid.UUID, customerEmail string) (*PurchaseCheckout, error)

	// StartPlanCheckout opens a payment page for a coaching plan.
	StartPlanCheckout(ctx context.Context, userID uuid.UUID, planCode, customerEmail string) (*PurchaseCheckout, error)
}

// PurchaseCheckout is the redirect for a product purchase.
type PurchaseCheckout struct {
	CheckoutURL string `json:"checkoutUrl"`
	Product     string `json:"product"`
}

// CheckoutConfig holds tunables for the checkout service.
type CheckoutConfig struct {
	BaseURL      string        // Public site URL for return pages
	Currency     string        // ISO code, lower case
	CheckoutTTL  time.Duration // How long a booking may stay pending
	SlotLockTTL  time.Duration
	TopupPriceID string // Optional pre-configured Stripe price for the top-up pack
}

// =============================================================================
// Implementation
// =============================================================================

type checkoutService struct {
	store        repository.Store
	availability AvailabilityResolver
	billing      billing.Service
	locker       lock.Locker
	clock        clock.Clock
	config       CheckoutConfig
	logger       *slog.Logger
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(
	store repository.Store,
	availability AvailabilityResolver,
	billingSvc billing.Service,
	locker lock.Locker,
	clk clock.Clock,
	config CheckoutConfig,
	logger *slog.Logger,
) CheckoutService {
	if config.Currency == "" {
		config.Currency = "cad"
	}
	if config.CheckoutTTL <= 0 {
		config.CheckoutTTL = DefaultCheckoutTTL
	}
	if config.SlotLockTTL <= 0 {
		config.SlotLockTTL = DefaultSlotLockTTL
	}
	return &checkoutService{
		store:        store,
		availability: availability,
		billing:      billingSvc,
		locker:       locker,
		clock:        clk,
		config:       config,
		logger:       logger,
	}
}

func (s *checkoutService) StartCheckout(ctx context.Context, p domain.StartCheckoutParams) (*domain.CheckoutResult, error) {
	const op = "checkout.start"

	if !p.SessionType.IsValid() {
		return nil, domain.Invalid(op, "unknown session type")
	}
	if p.StartsAt.IsZero() {
		return nil, domain.Invalid(op, "slot start time is required")
	}

	learner, err := s.store.GetLearnerProfile(ctx, p.LearnerID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, domain.Internal(err, op, "failed to load learner profile")
	}
	if learner == nil || !learner.OnboardingCompleted {
		return nil, domain.MissingLearnerProfile(op)
	}

	coach, err := s.store.GetCoach(ctx, p.CoachID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFound(op, "coach", p.CoachID.String())
		}
		return nil, domain.Internal(err, op, "failed to load coach")
	}
	price, duration := coach.PriceFor(p.SessionType)

	release, ok, err := s.locker.TryLock(ctx, lock.SlotKey(p.CoachID.String(), p.StartsAt), s.config.SlotLockTTL)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to lock slot")
	}
	if !ok {
		metrics.SlotConflictsTotal.Inc()
		return nil, domain.SlotNoLongerAvailable(op)
	}
	defer release()

	available, err := s.availability.IsAvailable(ctx, p.CoachID, p.StartsAt, duration)
	if err != nil {
		return nil, err
	}
	if !available {
		metrics.SlotConflictsTotal.Inc()
		return nil, domain.SlotNoLongerAvailable(op)
	}

	now := s.clock.Now()
	currency := coach.Currency
	if currency == "" {
		currency = s.config.Currency
	}
	booking := &domain.Booking{
		ID:              uuid.New(),
		LearnerID:       p.LearnerID,
		CoachID:         p.CoachID,
		SessionType:     p.SessionType,
		ScheduledAt:     p.StartsAt.UTC(),
		DurationMinutes: duration,
		PriceCents:      price,
		Currency:        currency,
		Status:          domain.BookingStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateBooking(ctx, booking); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			metrics.SlotConflictsTotal.Inc()
			return nil, domain.SlotNoLongerAvailable(op)
		}
		return nil, domain.Internal(err, op, "failed to create booking")
	}
	metrics.BookingsTotal.WithLabelValues(string(domain.BookingStatusPending)).Inc()

	sess, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutParams{
		AmountCents:       price,
		Currency:          currency,
		ProductName:       sessionProductName(coach, p.SessionType),
		CustomerEmail:     p.CustomerEmail,
		ClientReferenceID: booking.ID.String(),
		SuccessURL:        fmt.Sprintf("%s/booking/success?booking_id=%s", s.config.BaseURL, booking.ID),
		CancelURL:         fmt.Sprintf("%s/booking/cancelled?booking_id=%s", s.config.BaseURL, booking.ID),
		ExpiresAt:         now.Add(s.config.CheckoutTTL),
		Metadata: map[string]string{
			billing.MetadataKind:        billing.KindBooking,
			billing.MetadataBookingID:   booking.ID.String(),
			billing.MetadataCoachID:     p.CoachID.String(),
			billing.MetadataLearnerID:   p.LearnerID.String(),
			billing.MetadataSessionType: string(p.SessionType),
		},
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues(billing.KindBooking, "error").Inc()
		s.logger.Error("checkout session failed",
			"booking_id", booking.ID,
			"coach_id", p.CoachID,
			"error", err,
		)
		if _, cancelErr := s.Cancel(ctx, booking.ID, domain.CancelReasonPaymentError); cancelErr != nil {
			s.logger.Error("failed to release slot after payment error", "booking_id", booking.ID, "error", cancelErr)
		}
		return nil, domain.Payment(err, op)
	}
	metrics.CheckoutSessionsTotal.WithLabelValues(billing.KindBooking, "created").Inc()

	if _, err := s.store.UpdateBooking(ctx, booking.ID, func(b *domain.Booking) (bool, error) {
		if b.ProviderReference != "" {
			return false, nil
		}
		b.ProviderReference = sess.Reference
		b.UpdatedAt = s.clock.Now()
		return true, nil
	}); err != nil {
		s.logger.Warn("failed to record checkout reference", "booking_id", booking.ID, "error", err)
	}

	s.logger.Info("checkout started",
		"booking_id", booking.ID,
		"learner_id", p.LearnerID,
		"coach_id", p.CoachID,
		"starts_at", booking.ScheduledAt,
		"session_type", p.SessionType,
	)

	return &domain.CheckoutResult{
		CheckoutURL: sess.URL,
		BookingID:   booking.ID,
	}, nil
}

func sessionProductName(coach *domain.CoachProfile, t domain.SessionType) string {
	name := "Coaching session"
	if t == domain.SessionTypeTrial {
		name = "Trial coaching session"
	}
	if coach.DisplayName != "" {
		name += " with " + coach.DisplayName
	}
	return name
}

func (s *checkoutService) ConfirmPayment(ctx context.Context, bookingID uuid.UUID, providerReference string) (*domain.Booking, error) {
	const op = "checkout.confirm_payment"

	if providerReference == "" {
		return nil, domain.Invalid(op, "payment reference is required")
	}

	changed := false
	b, err := s.store.UpdateBooking(ctx, bookingID, func(b *domain.Booking) (bool, error) {
		ok, err := b.Confirm(providerReference, s.clock.Now())
		changed = ok
		return ok, err
	})
	if err != nil {
		return nil, s.bookingError(err, op, bookingID)
	}

	if changed {
		metrics.BookingsTotal.WithLabelValues(string(domain.BookingStatusConfirmed)).Inc()
		s.logger.Info("booking confirmed", "booking_id", bookingID, "reference", providerReference)
	}
	return b, nil
}

func (s *checkoutService) Cancel(ctx context.Context, bookingID uuid.UUID, reason string) (*domain.Booking, error) {
	const op = "checkout.cancel"

	var wasPending, changed bool
	b, err := s.store.UpdateBooking(ctx, bookingID, func(b *domain.Booking) (bool, error) {
		wasPending = b.Status == domain.BookingStatusPending
		changed = b.Cancel(reason, s.clock.Now())
		return changed, nil
	})
	if err != nil {
		return nil, s.bookingError(err, op, bookingID)
	}

	if changed {
		s.recordCancellation(ctx, b, wasPending)
	}
	return b, nil
}

// recordCancellation runs the side effects of a fresh cancellation. A
// pending booking's checkout page is closed so it cannot be paid after the
// slot is released.
func (s *checkoutService) recordCancellation(ctx context.Context, b *domain.Booking, wasPending bool) {
	metrics.BookingsTotal.WithLabelValues(string(domain.BookingStatusCancelled)).Inc()
	metrics.BookingCancellations.WithLabelValues(b.CancelReason).Inc()
	s.logger.Info("booking cancelled", "booking_id", b.ID, "reason", b.CancelReason)

	if !wasPending || b.ProviderReference == "" || b.CancelReason == domain.CancelReasonCheckoutEnded {
		return
	}
	if err := s.billing.ExpireCheckoutSession(ctx, b.ProviderReference); err != nil {
		s.logger.Warn("failed to expire checkout session",
			"booking_id", b.ID,
			"reference", b.ProviderReference,
			"error", err,
		)
	}
}

func (s *checkoutService) CancelForLearner(ctx context.Context, learnerID, bookingID uuid.UUID) (*domain.Booking, error) {
	if _, err := s.GetBooking(ctx, learnerID, bookingID); err != nil {
		return nil, err
	}
	return s.Cancel(ctx, bookingID, domain.CancelReasonLearner)
}

func (s *checkoutService) GetBooking(ctx context.Context, learnerID, bookingID uuid.UUID) (*domain.Booking, error) {
	const op = "checkout.get_booking"

	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, s.bookingError(err, op, bookingID)
	}
	// Someone else's booking is reported as missing.
	if b.LearnerID != learnerID {
		return nil, domain.NotFound(op, "booking", bookingID.String())
	}
	return b, nil
}

func (s *checkoutService) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "checkout.expire_stale"

	if olderThan <= 0 {
		olderThan = s.config.CheckoutTTL
	}
	cutoff := s.clock.Now().Add(-olderThan)

	expired := 0
	for {
		stale, err := s.store.StalePendingBookings(ctx, cutoff, staleSweepBatch)
		if err != nil {
			return expired, domain.Internal(err, op, "failed to list stale bookings")
		}

		progressed := false
		for _, candidate := range stale {
			var cancelled bool
			b, err := s.store.UpdateBooking(ctx, candidate.ID, func(b *domain.Booking) (bool, error) {
				// Confirmed in the meantime; leave it alone.
				if b.Status != domain.BookingStatusPending {
					return false, nil
				}
				cancelled = b.Cancel(domain.CancelReasonTimeout, s.clock.Now())
				return cancelled, nil
			})
			if err != nil {
				s.logger.Error("failed to expire booking", "booking_id", candidate.ID, "error", err)
				continue
			}
			if cancelled {
				expired++
				progressed = true
				s.recordCancellation(ctx, b, true)
			}
		}

		if len(stale) < staleSweepBatch || !progressed {
			break
		}
	}

	if expired > 0 {
		s.logger.Info("expired stale bookings", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

func (s *checkoutService) StartTopupCheckout(ctx context.Context, userID uuid.UUID, customerEmail string) (*PurchaseCheckout, error) {
	pack := domain.DefaultTopupPack
	return s.startPurchase(ctx, "checkout.start_topup", billing.CheckoutParams{
		AmountCents:       pack.PriceCents,
		PriceID:           s.config.TopupPriceID,
		ProductName:       pack.Name,
		CustomerEmail:     customerEmail,
		ClientReferenceID: userID.String(),
		Metadata: map[string]string{
			billing.MetadataKind:    billing.KindTopup,
			billing.MetadataUserID:  userID.String(),
			billing.MetadataMinutes: strconv.Itoa(pack.Minutes),
		},
	}, pack.Code, billing.KindTopup)
}

func (s *checkoutService) StartPlanCheckout(ctx context.Context, userID uuid.UUID, planCode, customerEmail string) (*PurchaseCheckout, error) {
	const op = "checkout.start_plan"

	plan, ok := domain.LookupPlan(planCode)
	if !ok {
		return nil, domain.Invalid(op, "unknown plan code")
	}
	return s.startPurchase(ctx, op, billing.CheckoutParams{
		AmountCents:       plan.PriceCents,
		ProductName:       fmt.Sprintf("%s coaching plan", plan.Name),
		CustomerEmail:     customerEmail,
		ClientReferenceID: userID.String(),
		Metadata: map[string]string{
			billing.MetadataKind:     billing.KindPlan,
			billing.MetadataUserID:   userID.String(),
			billing.MetadataPlanCode: plan.Code,
		},
	}, plan.Code, billing.KindPlan)
}

func (s *checkoutService) startPurchase(ctx context.Context, op string, params billing.CheckoutParams, product, kind string) (*PurchaseCheckout, error) {
	params.Currency = s.config.Currency
	params.SuccessURL = fmt.Sprintf("%s/purchase/success?product=%s", s.config.BaseURL, product)
	params.CancelURL = fmt.Sprintf("%s/purchase/cancelled?product=%s", s.config.BaseURL, product)

	sess, err := s.billing.CreateCheckoutSession(ctx, params)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues(kind, "error").Inc()
		s.logger.Error("purchase checkout failed", "product", product, "error", err)
		return nil, domain.Payment(err, op)
	}
	metrics.CheckoutSessionsTotal.WithLabelValues(kind, "created").Inc()

	return &PurchaseCheckout{CheckoutURL: sess.URL, Product: product}, nil
}

func (s *checkoutService) bookingError(err error, op string, bookingID uuid.UUID) error {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return domain.NotFound(op, "booking", bookingID.String())
	default:
		return domain.Internal(err, op, "booking store failure")
	}
}
