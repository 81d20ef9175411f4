// Package repository persists quota records, entitlements, coach calendars
// and bookings.
//
// Two implementations exist: Postgres (via the pgx stdlib driver) for
// production and Memory for tests and local development. Both provide the
// per-key mutual exclusion the quota and booking flows depend on.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrConflict is returned when a write collides with a unique constraint,
	// e.g. a second live booking for the same coach start time.
	ErrConflict = errors.New("repository: conflict")

	// ErrDuplicate is returned when a top-up credit or plan grant for the
	// same provider reference was already recorded.
	ErrDuplicate = errors.New("repository: duplicate")
)

// QuotaChange lists side records written in the same transaction as a
// quota update.
type QuotaChange struct {
	NoOp   bool                // Leave the row untouched
	Usage  *domain.UsageEvent  // Appended to the usage log
	Credit *domain.TopupCredit // Recorded once per provider reference
}

// QuotaUpdateFunc mutates q in place while the user's row is locked.
// Returning an error aborts the update.
type QuotaUpdateFunc func(q *domain.QuotaRecord) (QuotaChange, error)

// QuotaStore persists QuotaRecords.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error)

	// CreateQuota inserts a new record. Returns ErrConflict if one exists.
	CreateQuota(ctx context.Context, q *domain.QuotaRecord) error

	// UpdateQuota runs fn under a per-user lock and persists the result.
	// Returns ErrNotFound when the user has no record.
	UpdateQuota(ctx context.Context, userID uuid.UUID, fn QuotaUpdateFunc) (*domain.QuotaRecord, error)

	ListUsageEvents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageEvent, error)
}

// EntitlementStore persists plan grants.
type EntitlementStore interface {
	// ActiveEntitlement returns the most recently started entitlement that
	// covers at. Returns ErrNotFound when none does.
	ActiveEntitlement(ctx context.Context, userID uuid.UUID, at time.Time) (*domain.Entitlement, error)

	// CreateEntitlement inserts a grant. Returns ErrDuplicate when a grant
	// with the same non-empty ProviderReference exists.
	CreateEntitlement(ctx context.Context, e *domain.Entitlement) error
}

// LearnerStore reads learner onboarding state.
type LearnerStore interface {
	GetLearnerProfile(ctx context.Context, userID uuid.UUID) (*domain.LearnerProfile, error)
}

// CoachStore reads coach profiles and calendars.
type CoachStore interface {
	GetCoach(ctx context.Context, coachID uuid.UUID) (*domain.CoachProfile, error)
	WorkingHours(ctx context.Context, coachID uuid.UUID) ([]domain.WorkingHours, error)
	BlockedPeriods(ctx context.Context, coachID uuid.UUID, from, to time.Time) ([]domain.BlockedPeriod, error)
}

// BookingUpdateFunc mutates b in place while the row is locked. It returns
// false when nothing changed.
type BookingUpdateFunc func(b *domain.Booking) (bool, error)

// BookingStore persists Bookings.
type BookingStore interface {
	// CreateBooking inserts b. Returns ErrConflict if the coach already has
	// a pending or confirmed booking starting at the same time.
	CreateBooking(ctx context.Context, b *domain.Booking) error
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	UpdateBooking(ctx context.Context, id uuid.UUID, fn BookingUpdateFunc) (*domain.Booking, error)

	// ActiveBookingsForCoach returns pending and confirmed bookings that
	// start before to and end after from.
	ActiveBookingsForCoach(ctx context.Context, coachID uuid.UUID, from, to time.Time) ([]domain.Booking, error)

	// StalePendingBookings returns pending bookings created before cutoff.
	StalePendingBookings(ctx context.Context, cutoff time.Time, limit int) ([]domain.Booking, error)
}

// Store groups every store the services need.
type Store interface {
	QuotaStore
	EntitlementStore
	LearnerStore
	CoachStore
	BookingStore
}
