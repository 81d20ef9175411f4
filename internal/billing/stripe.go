// Package billing provides Stripe Checkout integration for one-off payments:
// coaching session bookings, AI minute top-ups and coaching plans.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Checkout metadata keys. The webhook routes on MetadataKind.
const (
	MetadataKind        = "kind"
	MetadataBookingID   = "booking_id"
	MetadataCoachID     = "coach_id"
	MetadataLearnerID   = "learner_id"
	MetadataSessionType = "session_type"
	MetadataUserID      = "user_id"
	MetadataMinutes     = "minutes"
	MetadataPlanCode    = "plan_code"

	KindBooking = "booking"
	KindTopup   = "topup"
	KindPlan    = "plan"
)

// minCheckoutExpiry is the shortest expiry Stripe accepts for a Checkout session.
const minCheckoutExpiry = 30 * time.Minute

// Service defines the interface for billing operations.
type Service interface {
	// CreateCheckoutSession creates a hosted payment page.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// ExpireCheckoutSession closes an open Checkout session so it can no
	// longer be paid.
	ExpireCheckoutSession(ctx context.Context, reference string) error

	// VerifyWebhookSignature verifies the Stripe webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// CheckoutParams describes a one-off payment.
type CheckoutParams struct {
	AmountCents       int64  // Ignored when PriceID is set
	Currency          string // ISO code, lower case
	ProductName       string
	PriceID           string // Optional pre-configured Stripe price
	Metadata          map[string]string
	CustomerEmail     string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	ExpiresAt         time.Time // Optional; ignored if sooner than Stripe allows
}

// CheckoutSession is the provider's answer to CreateCheckoutSession.
type CheckoutSession struct {
	URL       string
	Reference string // Stripe Checkout session ID
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
	now           func() time.Time
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey is used to authenticate Stripe API calls.
// The webhookSecret is used to verify incoming webhook signatures.
func NewStripeService(secretKey, webhookSecret string) Service {
	stripe.Key = secretKey

	return &stripeService{
		webhookSecret: webhookSecret,
		now:           time.Now,
	}
}

func (s *stripeService) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:  []*stripe.CheckoutSessionLineItemParams{lineItem(p)},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx

	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}
	if !p.ExpiresAt.IsZero() && !p.ExpiresAt.Before(s.now().Add(minCheckoutExpiry)) {
		params.ExpiresAt = stripe.Int64(p.ExpiresAt.Unix())
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return &CheckoutSession{URL: sess.URL, Reference: sess.ID}, nil
}

func lineItem(p CheckoutParams) *stripe.CheckoutSessionLineItemParams {
	if p.PriceID != "" {
		return &stripe.CheckoutSessionLineItemParams{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(1),
		}
	}
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(p.Currency),
			UnitAmount: stripe.Int64(p.AmountCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(p.ProductName),
			},
		},
		Quantity: stripe.Int64(1),
	}
}

func (s *stripeService) ExpireCheckoutSession(ctx context.Context, reference string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := checkoutsession.Expire(reference, params); err != nil {
		return fmt.Errorf("stripe expire checkout session: %w", err)
	}
	return nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}
