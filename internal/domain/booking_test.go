package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBooking_Confirm(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		status      BookingStatus
		existingRef string
		ref         string
		wantChanged bool
		wantCode    string
		wantStatus  BookingStatus
	}{
		{"pending to confirmed", BookingStatusPending, "cs_1", "cs_1", true, "", BookingStatusConfirmed},
		{"repeat with same reference is a no-op", BookingStatusConfirmed, "cs_1", "cs_1", false, "", BookingStatusConfirmed},
		{"different reference conflicts", BookingStatusConfirmed, "cs_1", "cs_2", false, ECONFLICT, BookingStatusConfirmed},
		{"cancelled cannot be confirmed", BookingStatusCancelled, "cs_1", "cs_1", false, EGONE, BookingStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Booking{Status: tt.status, ProviderReference: tt.existingRef}
			changed, err := b.Confirm(tt.ref, at)

			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantStatus, b.Status)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, ErrorCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBooking_Cancel(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, from := range []BookingStatus{BookingStatusPending, BookingStatusConfirmed} {
		t.Run(string(from), func(t *testing.T) {
			b := &Booking{Status: from}
			assert.True(t, b.Cancel(CancelReasonTimeout, at))
			assert.Equal(t, BookingStatusCancelled, b.Status)
			assert.Equal(t, CancelReasonTimeout, b.CancelReason)
			assert.False(t, b.Status.HoldsSlot())
		})
	}

	t.Run("already cancelled keeps first reason", func(t *testing.T) {
		b := &Booking{Status: BookingStatusCancelled, CancelReason: CancelReasonPaymentError}
		assert.False(t, b.Cancel(CancelReasonTimeout, at))
		assert.Equal(t, CancelReasonPaymentError, b.CancelReason)
	})
}

func TestBooking_Overlaps(t *testing.T) {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	b := &Booking{ScheduledAt: start, DurationMinutes: 30}

	assert.True(t, b.Overlaps(start, start.Add(time.Hour)))
	assert.True(t, b.Overlaps(start.Add(-30*time.Minute), start.Add(time.Minute)))
	assert.False(t, b.Overlaps(start.Add(30*time.Minute), start.Add(90*time.Minute)))
	assert.False(t, b.Overlaps(start.Add(-time.Hour), start))
}

func TestCoachProfile_PriceFor(t *testing.T) {
	unset := &CoachProfile{}
	price, mins := unset.PriceFor(SessionTypeTrial)
	assert.Equal(t, DefaultTrialRateCents, price)
	assert.Equal(t, 30, mins)

	price, mins = unset.PriceFor(SessionTypeRegular)
	assert.Equal(t, DefaultHourlyRateCents, price)
	assert.Equal(t, 60, mins)

	custom := &CoachProfile{TrialRateCents: 1000, HourlyRateCents: 8000}
	price, _ = custom.PriceFor(SessionTypeRegular)
	assert.Equal(t, int64(8000), price)
}

func TestEntitlement_ActiveAt(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	e := NewEntitlement(uuid.New(), Plans[PlanBoost], start)

	assert.Equal(t, 10, e.DailyMinutes)
	assert.Equal(t, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC), e.ExpiresAt)
	assert.False(t, e.ActiveAt(start.Add(-time.Second)))
	assert.True(t, e.ActiveAt(start))
	assert.True(t, e.ActiveAt(e.ExpiresAt.Add(-time.Second)))
	assert.False(t, e.ActiveAt(e.ExpiresAt))
}

func TestParseSlotStart(t *testing.T) {
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)

	got, err := ParseSlotStart("2026-10-19", "2:00 PM", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 19, 14, 0, 0, 0, loc), got)
	assert.Equal(t, "2:00 PM", got.Format(TimeLabelLayout))

	_, err = ParseSlotStart("2026-10-19", "14h00", loc)
	assert.Error(t, err)
}
