package service

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labels(seq func(func(domain.BookingSlot) bool)) []string {
	var out []string
	for slot := range seq {
		out = append(out, slot.TimeLabel)
	}
	return out
}

func TestAvailability_DefaultTemplate(t *testing.T) {
	f := newFixture(t)
	coachID := f.coach()

	slots, err := f.availability.Slots(context.Background(), coachID, monday0800)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"9:00 AM", "10:00 AM", "11:00 AM", "12:00 PM",
		"1:00 PM", "2:00 PM", "3:00 PM", "4:00 PM",
	}, labels(slots))

	// The sequence can be consumed again.
	assert.Len(t, labels(slots), 8)
}

func TestAvailability_EmptyDays(t *testing.T) {
	f := newFixture(t)
	coachID := f.coach()

	tests := []struct {
		name string
		date time.Time
	}{
		{"yesterday", monday0800.AddDate(0, 0, -1)},
		{"saturday", monday0800.AddDate(0, 0, 5)},
		{"sunday", monday0800.AddDate(0, 0, 6)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots, err := f.availability.Slots(context.Background(), coachID, tt.date)
			require.NoError(t, err)
			assert.Empty(t, labels(slots))
		})
	}
}

func TestAvailability_ConfiguredHours(t *testing.T) {
	f := newFixture(t)
	coachID := f.coach()
	f.store.SetWorkingHours(coachID, []domain.WorkingHours{
		{CoachID: coachID, Weekday: time.Monday, StartMinute: 13 * 60, EndMinute: 15 * 60},
		{CoachID: coachID, Weekday: time.Monday, StartMinute: 10 * 60, EndMinute: 11*60 + 30},
		{CoachID: coachID, Weekday: time.Saturday, StartMinute: 9 * 60, EndMinute: 12 * 60},
	})

	slots, err := f.availability.Slots(context.Background(), coachID, monday0800)
	require.NoError(t, err)
	assert.Equal(t, []string{"10:00 AM", "1:00 PM", "2:00 PM"}, labels(slots))

	saturday, err := f.availability.Slots(context.Background(), coachID, monday0800.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Len(t, labels(saturday), 3)
}

func TestAvailability_ExcludesBookingsAndBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()
	f.clock.Set(at(9, 30))

	bookings := []domain.Booking{
		{ID: uuid.New(), CoachID: coachID, ScheduledAt: at(11, 0), DurationMinutes: 60, Status: domain.BookingStatusConfirmed},
		{ID: uuid.New(), CoachID: coachID, ScheduledAt: at(13, 0), DurationMinutes: 30, Status: domain.BookingStatusPending},
		{ID: uuid.New(), CoachID: coachID, ScheduledAt: at(15, 0), DurationMinutes: 60, Status: domain.BookingStatusCancelled},
	}
	for i := range bookings {
		require.NoError(t, f.store.CreateBooking(ctx, &bookings[i]))
	}
	f.store.AddBlockedPeriod(domain.BlockedPeriod{ID: uuid.New(), CoachID: coachID, StartsAt: at(16, 0), EndsAt: at(18, 0)})

	slots, err := f.availability.Slots(ctx, coachID, monday0800)
	require.NoError(t, err)

	got := map[string]bool{}
	for slot := range slots {
		got[slot.TimeLabel] = slot.IsAvailable
	}
	assert.Equal(t, map[string]bool{
		"9:00 AM":  false, // already started
		"10:00 AM": true,
		"11:00 AM": false,
		"12:00 PM": true,
		"1:00 PM":  false,
		"2:00 PM":  true,
		"3:00 PM":  true, // cancelled booking releases the slot
		"4:00 PM":  false,
	}, got)

	available, err := f.availability.AvailableSlots(ctx, coachID, monday0800)
	require.NoError(t, err)
	assert.True(t, slices.Equal([]string{"10:00 AM", "12:00 PM", "2:00 PM", "3:00 PM"}, labels(available)))
}

func TestAvailability_IsAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()

	ok, err := f.availability.IsAvailable(ctx, coachID, at(10, 0), 60)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.availability.IsAvailable(ctx, coachID, at(10, 30), 30)
	require.NoError(t, err)
	assert.False(t, ok, "not a slot boundary")

	ok, err = f.availability.IsAvailable(ctx, coachID, at(18, 0), 60)
	require.NoError(t, err)
	assert.False(t, ok, "outside working hours")
}

func TestAvailability_UnknownCoach(t *testing.T) {
	f := newFixture(t)

	_, err := f.availability.Slots(context.Background(), uuid.New(), monday0800)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}
