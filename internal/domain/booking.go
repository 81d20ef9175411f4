// Package domain contains core business types and interfaces.
//
// This file defines the Booking type and its payment state machine.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Session Type
// =============================================================================

// SessionType is the kind of coaching session being booked.
type SessionType string

const (
	// SessionTypeTrial is a discounted 30 minute introductory session.
	SessionTypeTrial SessionType = "trial"

	// SessionTypeRegular is a full-price 60 minute session.
	SessionTypeRegular SessionType = "regular"
)

// IsValid returns true if the session type is a recognized value.
func (t SessionType) IsValid() bool {
	return t == SessionTypeTrial || t == SessionTypeRegular
}

// =============================================================================
// Booking Status
// =============================================================================

// BookingStatus represents the payment lifecycle of a booking.
type BookingStatus string

const (
	// BookingStatusPending means a checkout session exists but the provider
	// has not confirmed payment. The slot is held.
	BookingStatusPending BookingStatus = "pending_payment"

	// BookingStatusConfirmed means the provider confirmed payment.
	BookingStatusConfirmed BookingStatus = "confirmed"

	// BookingStatusCancelled means the slot was released.
	BookingStatusCancelled BookingStatus = "cancelled"
)

// String returns the string representation of the status.
func (s BookingStatus) String() string {
	return string(s)
}

// HoldsSlot reports whether a booking in this status blocks its time slot.
func (s BookingStatus) HoldsSlot() bool {
	return s == BookingStatusPending || s == BookingStatusConfirmed
}

// Cancellation reasons.
const (
	CancelReasonTimeout       = "timeout"
	CancelReasonPaymentError  = "payment_error"
	CancelReasonLearner       = "learner_cancelled"
	CancelReasonCheckoutEnded = "checkout_expired"
)

// =============================================================================
// Booking Domain Type
// =============================================================================

// Booking is a learner's reservation of a coach's time.
//
// A booking only moves pending_payment -> confirmed on an explicit provider
// confirmation. Cancelled is final.
type Booking struct {
	ID                uuid.UUID
	LearnerID         uuid.UUID
	CoachID           uuid.UUID
	SessionType       SessionType
	ScheduledAt       time.Time
	DurationMinutes   int
	PriceCents        int64
	Currency          string
	Status            BookingStatus
	ProviderReference string // Checkout session ID, set once checkout starts
	CancelReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConfirmedAt       *time.Time
	CancelledAt       *time.Time
}

// EndsAt returns the end of the booked session.
func (b *Booking) EndsAt() time.Time {
	return b.ScheduledAt.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// Overlaps reports whether the booking intersects [start, end).
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.ScheduledAt.Before(end) && start.Before(b.EndsAt())
}

// Confirm marks the booking paid. It returns false when the booking was
// already confirmed with the same reference.
func (b *Booking) Confirm(providerReference string, at time.Time) (bool, error) {
	const op = "booking.confirm"

	switch b.Status {
	case BookingStatusPending:
		b.Status = BookingStatusConfirmed
		b.ProviderReference = providerReference
		b.ConfirmedAt = &at
		b.UpdatedAt = at
		return true, nil
	case BookingStatusConfirmed:
		if b.ProviderReference == providerReference {
			return false, nil
		}
		return false, Conflict(op, "booking is already confirmed by a different payment")
	default:
		return false, Gone(op, "booking was cancelled before payment was confirmed")
	}
}

// Cancel releases the booking's slot. It returns false when the booking was
// already cancelled.
func (b *Booking) Cancel(reason string, at time.Time) bool {
	if b.Status == BookingStatusCancelled {
		return false
	}
	b.Status = BookingStatusCancelled
	b.CancelReason = reason
	b.CancelledAt = &at
	b.UpdatedAt = at
	return true
}

// =============================================================================
// Booking Service Parameters
// =============================================================================

// StartCheckoutParams contains the learner's slot choice.
type StartCheckoutParams struct {
	LearnerID     uuid.UUID
	CoachID       uuid.UUID
	SessionType   SessionType
	StartsAt      time.Time
	CustomerEmail string
}

// CheckoutResult is returned to the learner so the UI can redirect.
type CheckoutResult struct {
	CheckoutURL string    `json:"checkoutUrl"`
	BookingID   uuid.UUID `json:"bookingId"`
}
