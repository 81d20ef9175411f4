package service

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/repository"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// AvailabilityResolver derives bookable slots from a coach's calendar.
//
// A coach with no configured working hours is treated as working the
// default template, 09:00 to 17:00 Monday to Friday, rather than as never
// available.
type AvailabilityResolver interface {
	// Slots returns every slot on date, available or not, in start order.
	// Past dates and non-working days yield an empty sequence.
	Slots(ctx context.Context, coachID uuid.UUID, date time.Time) (iter.Seq[domain.BookingSlot], error)

	// AvailableSlots is Slots filtered to slots that can be booked.
	AvailableSlots(ctx context.Context, coachID uuid.UUID, date time.Time) (iter.Seq[domain.BookingSlot], error)

	// IsAvailable reports whether a session of the given length can start
	// at startsAt.
	IsAvailable(ctx context.Context, coachID uuid.UUID, startsAt time.Time, durationMinutes int) (bool, error)
}

// =============================================================================
// Implementation
// =============================================================================

type availabilityResolver struct {
	store  repository.Store
	clock  clock.Clock
	loc    *time.Location
	logger *slog.Logger
}

// NewAvailabilityResolver creates a new AvailabilityResolver. Working hours
// are interpreted in loc.
func NewAvailabilityResolver(store repository.Store, clk clock.Clock, loc *time.Location, logger *slog.Logger) AvailabilityResolver {
	if loc == nil {
		loc = time.UTC
	}
	return &availabilityResolver{
		store:  store,
		clock:  clk,
		loc:    loc,
		logger: logger,
	}
}

// daySnapshot is everything needed to lay out one day's slots.
type daySnapshot struct {
	coachID  uuid.UUID
	day      time.Time
	now      time.Time
	windows  []domain.WorkingHours
	bookings []domain.Booking
	blocked  []domain.BlockedPeriod
}

func (r *availabilityResolver) Slots(ctx context.Context, coachID uuid.UUID, date time.Time) (iter.Seq[domain.BookingSlot], error) {
	snap, err := r.snapshot(ctx, coachID, date)
	if err != nil {
		return nil, err
	}
	return snap.slots, nil
}

func (r *availabilityResolver) AvailableSlots(ctx context.Context, coachID uuid.UUID, date time.Time) (iter.Seq[domain.BookingSlot], error) {
	all, err := r.Slots(ctx, coachID, date)
	if err != nil {
		return nil, err
	}
	return func(yield func(domain.BookingSlot) bool) {
		for slot := range all {
			if slot.IsAvailable && !yield(slot) {
				return
			}
		}
	}, nil
}

func (r *availabilityResolver) IsAvailable(ctx context.Context, coachID uuid.UUID, startsAt time.Time, durationMinutes int) (bool, error) {
	snap, err := r.snapshot(ctx, coachID, startsAt)
	if err != nil {
		return false, err
	}

	end := startsAt.Add(time.Duration(durationMinutes) * time.Minute)
	for slot := range snap.slots {
		if !slot.StartsAt.Equal(startsAt) {
			continue
		}
		return slot.IsAvailable && snap.free(startsAt, end), nil
	}
	return false, nil
}

// snapshot loads the coach's calendar for the day containing date.
func (r *availabilityResolver) snapshot(ctx context.Context, coachID uuid.UUID, date time.Time) (*daySnapshot, error) {
	const op = "availability.snapshot"

	if _, err := r.store.GetCoach(ctx, coachID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFound(op, "coach", coachID.String())
		}
		return nil, domain.Internal(err, op, "failed to load coach")
	}

	now := r.clock.Now()
	day := clock.StartOfDay(date, r.loc)
	snap := &daySnapshot{coachID: coachID, day: day, now: now}

	if day.Before(clock.StartOfDay(now, r.loc)) {
		return snap, nil
	}

	hours, err := r.store.WorkingHours(ctx, coachID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load working hours")
	}
	if len(hours) == 0 {
		hours = domain.DefaultSlotTemplate(coachID)
	}
	for _, h := range hours {
		if h.Weekday == day.Weekday() && h.EndMinute > h.StartMinute {
			snap.windows = append(snap.windows, h)
		}
	}
	if len(snap.windows) == 0 {
		return snap, nil
	}

	dayEnd := clock.NextDay(day, r.loc)
	if snap.bookings, err = r.store.ActiveBookingsForCoach(ctx, coachID, day, dayEnd); err != nil {
		return nil, domain.Internal(err, op, "failed to load bookings")
	}
	if snap.blocked, err = r.store.BlockedPeriods(ctx, coachID, day, dayEnd); err != nil {
		return nil, domain.Internal(err, op, "failed to load blocked periods")
	}
	return snap, nil
}

// slots yields the day's hourly slots. It reads only the snapshot, so the
// sequence can be ranged over any number of times.
func (s *daySnapshot) slots(yield func(domain.BookingSlot) bool) {
	for _, m := range s.startMinutes() {
		start := time.Date(s.day.Year(), s.day.Month(), s.day.Day(), m/60, m%60, 0, 0, s.day.Location())
		end := start.Add(domain.SlotLengthMinutes * time.Minute)
		slot := domain.BookingSlot{
			CoachID:     s.coachID,
			Date:        s.day.Format(domain.DateLayout),
			TimeLabel:   start.Format(domain.TimeLabelLayout),
			StartsAt:    start,
			IsAvailable: start.After(s.now) && s.free(start, end),
		}
		if !yield(slot) {
			return
		}
	}
}

// startMinutes lists slot starts across all windows, ordered and without
// duplicates when windows overlap.
func (s *daySnapshot) startMinutes() []int {
	var starts []int
	for _, w := range s.windows {
		for m := w.StartMinute; m+domain.SlotLengthMinutes <= w.EndMinute; m += domain.SlotLengthMinutes {
			starts = append(starts, m)
		}
	}
	slices.Sort(starts)
	return slices.Compact(starts)
}

// free reports whether nothing on the calendar overlaps [start, end).
func (s *daySnapshot) free(start, end time.Time) bool {
	for i := range s.bookings {
		if s.bookings[i].Status.HoldsSlot() && s.bookings[i].Overlaps(start, end) {
			return false
		}
	}
	for i := range s.blocked {
		if s.blocked[i].Overlaps(start, end) {
			return false
		}
	}
	return true
}
