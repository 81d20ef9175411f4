// This file implements the Stripe webhook handler that fulfils purchases.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no auth middleware) because Stripe calls it directly.
// Authentication is via the Stripe webhook signature verification.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/lingocoach/internal/billing"
	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/idempotency"
	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/DukeRupert/lingocoach/internal/service"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	billing  billing.Service
	checkout service.CheckoutService
	quota    service.QuotaService
	plans    service.EntitlementResolver
	seen     idempotency.Store
	clock    clock.Clock
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler. seen remembers processed
// event IDs so redelivered events are acknowledged without side effects.
func NewWebhookHandler(
	billingService billing.Service,
	checkout service.CheckoutService,
	quota service.QuotaService,
	plans service.EntitlementResolver,
	seen idempotency.Store,
	clk clock.Clock,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		billing:  billingService,
		checkout: checkout,
		quota:    quota,
		plans:    plans,
		seen:     seen,
		clock:    clk,
		logger:   logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are PUBLIC; Stripe authenticates with the signature header.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.HandleStripeWebhook)
}

type processedEvent struct {
	Type string `json:"type"`
}

// HandleStripeWebhook processes incoming Stripe webhook events.
//
// Internal failures answer 500 so Stripe redelivers. Anything else is
// acknowledged with 200 and logged.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	// Read body (limit to 64KB)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Verify signature
	signature := r.Header.Get("Stripe-Signature")
	event, err := h.billing.VerifyWebhookSignature(body, signature)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	eventType := string(event.Type)
	h.logger.Info("stripe webhook received", "type", eventType, "id", event.ID)

	ctx := r.Context()
	seenKey := "stripe:event:" + event.ID
	var prior processedEvent
	if ok, err := h.seen.Get(ctx, seenKey, &prior); err != nil {
		h.logger.Warn("webhook dedupe lookup failed", "id", event.ID, "error", err)
	} else if ok {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	// Route to event-specific handler
	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(ctx, event)
	case "checkout.session.async_payment_succeeded":
		err = h.withSession(event, func(s *stripe.CheckoutSession) error {
			return h.fulfil(ctx, s)
		})
	case "checkout.session.async_payment_failed":
		err = h.withSession(event, func(s *stripe.CheckoutSession) error {
			return h.releaseBooking(ctx, s, domain.CancelReasonPaymentError)
		})
	case "checkout.session.expired":
		err = h.withSession(event, func(s *stripe.CheckoutSession) error {
			return h.releaseBooking(ctx, s, domain.CancelReasonCheckoutEnded)
		})
	default:
		h.logger.Debug("unhandled webhook event type", "type", eventType)
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if err != nil {
		code := domain.ErrorCode(err)
		h.logger.Error("webhook processing failed",
			"type", eventType,
			"id", event.ID,
			"code", code,
			"error", err,
		)
		if code == domain.EINTERNAL {
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "retry").Inc()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "rejected").Inc()
	} else {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "processed").Inc()
	}

	if err := h.seen.Put(ctx, seenKey, processedEvent{Type: eventType}); err != nil {
		h.logger.Warn("failed to record webhook event", "id", event.ID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) withSession(event stripe.Event, fn func(*stripe.CheckoutSession) error) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.Invalid("webhook.parse", fmt.Sprintf("malformed checkout session: %v", err))
	}
	return fn(&session)
}

// handleCheckoutCompleted fulfils paid sessions. Delayed payment methods
// complete unpaid and are fulfilled by async_payment_succeeded instead.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	return h.withSession(event, func(s *stripe.CheckoutSession) error {
		switch s.PaymentStatus {
		case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
			return h.fulfil(ctx, s)
		default:
			h.logger.Info("checkout completed awaiting payment",
				"session_id", s.ID,
				"payment_status", s.PaymentStatus,
			)
			return nil
		}
	})
}

// fulfil delivers what the session paid for, routed on its metadata kind.
func (h *WebhookHandler) fulfil(ctx context.Context, s *stripe.CheckoutSession) error {
	const op = "webhook.fulfil"
	now := h.clock.Now()

	switch kind := s.Metadata[billing.MetadataKind]; kind {
	case billing.KindBooking:
		bookingID, err := uuid.Parse(s.Metadata[billing.MetadataBookingID])
		if err != nil {
			return domain.Invalid(op, "checkout session has no booking id")
		}
		b, err := h.checkout.ConfirmPayment(ctx, bookingID, s.ID)
		if err != nil {
			if domain.IsCode(err, domain.EGONE) {
				h.logger.Error("payment received for cancelled booking, refund required",
					"booking_id", bookingID,
					"session_id", s.ID,
				)
			}
			return err
		}
		h.logger.Info("booking paid", "booking_id", b.ID, "session_id", s.ID)
		return nil

	case billing.KindTopup:
		userID, err := uuid.Parse(s.Metadata[billing.MetadataUserID])
		if err != nil {
			return domain.Invalid(op, "checkout session has no user id")
		}
		minutes, err := strconv.Atoi(s.Metadata[billing.MetadataMinutes])
		if err != nil || minutes <= 0 {
			minutes = domain.DefaultTopupPack.Minutes
		}
		rec, err := h.quota.CreditTopup(ctx, userID, minutes, s.ID, now)
		if err != nil {
			return err
		}
		h.logger.Info("top-up credited",
			"user_id", userID,
			"minutes", minutes,
			"topup_remaining", rec.TopupRemainingMinutes,
		)
		return nil

	case billing.KindPlan:
		userID, err := uuid.Parse(s.Metadata[billing.MetadataUserID])
		if err != nil {
			return domain.Invalid(op, "checkout session has no user id")
		}
		ent, granted, err := h.plans.GrantOnce(ctx, userID, s.Metadata[billing.MetadataPlanCode], s.ID, now)
		if err != nil {
			return err
		}
		// The grant is already stored; a failed raise is picked up at the
		// next daily reset, so it must not trigger a redelivery.
		if _, err := h.quota.ApplyPlanChange(ctx, userID, now); err != nil {
			h.logger.Warn("failed to apply plan to quota", "user_id", userID, "error", err)
		}
		if !granted {
			h.logger.Info("plan session already fulfilled", "user_id", userID, "session_id", s.ID)
			return nil
		}
		h.logger.Info("plan granted",
			"user_id", userID,
			"plan", ent.PlanCode,
			"expires_at", ent.ExpiresAt,
		)
		return nil

	default:
		return domain.Invalid(op, fmt.Sprintf("unknown checkout kind %q", kind))
	}
}

// releaseBooking frees the slot held by an unpaid booking session.
// Purchases hold nothing, so other kinds are ignored.
func (h *WebhookHandler) releaseBooking(ctx context.Context, s *stripe.CheckoutSession, reason string) error {
	if s.Metadata[billing.MetadataKind] != billing.KindBooking {
		return nil
	}
	bookingID, err := uuid.Parse(s.Metadata[billing.MetadataBookingID])
	if err != nil {
		return domain.Invalid("webhook.release", "checkout session has no booking id")
	}
	_, err = h.checkout.Cancel(ctx, bookingID, reason)
	return err
}
