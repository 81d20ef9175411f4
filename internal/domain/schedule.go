package domain

import (
	"time"

	"github.com/google/uuid"
)

// Default session pricing, used when a coach has not set rates.
const (
	DefaultTrialRateCents   int64 = 2500
	DefaultHourlyRateCents  int64 = 5500
	TrialDurationMinutes          = 30
	RegularDurationMinutes        = 60
	SlotLengthMinutes             = 60
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// TimeLabelLayout renders slot start times, e.g. "10:00 AM".
const TimeLabelLayout = "3:04 PM"

// CoachProfile holds what checkout needs to know about a coach.
type CoachProfile struct {
	ID              uuid.UUID
	DisplayName     string
	TrialRateCents  int64
	HourlyRateCents int64
	Currency        string
}

// PriceFor returns the price and length of a session of type t.
func (c *CoachProfile) PriceFor(t SessionType) (priceCents int64, durationMinutes int) {
	if t == SessionTypeTrial {
		if c.TrialRateCents > 0 {
			return c.TrialRateCents, TrialDurationMinutes
		}
		return DefaultTrialRateCents, TrialDurationMinutes
	}
	if c.HourlyRateCents > 0 {
		return c.HourlyRateCents, RegularDurationMinutes
	}
	return DefaultHourlyRateCents, RegularDurationMinutes
}

// WorkingHours is one weekday window in which a coach takes sessions.
// Minutes are counted from local midnight.
type WorkingHours struct {
	CoachID     uuid.UUID
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
}

// BlockedPeriod is time a coach has taken off their calendar.
type BlockedPeriod struct {
	ID       uuid.UUID
	CoachID  uuid.UUID
	StartsAt time.Time
	EndsAt   time.Time
	Reason   string
}

// Overlaps reports whether the period intersects [start, end).
func (p *BlockedPeriod) Overlaps(start, end time.Time) bool {
	return p.StartsAt.Before(end) && start.Before(p.EndsAt)
}

// LearnerProfile records whether a learner finished onboarding.
type LearnerProfile struct {
	UserID              uuid.UUID
	DisplayName         string
	OnboardingCompleted bool
}

// BookingSlot is a derived view of one bookable hour. It is never stored.
type BookingSlot struct {
	CoachID     uuid.UUID `json:"coachId"`
	Date        string    `json:"date"`
	TimeLabel   string    `json:"timeLabel"`
	StartsAt    time.Time `json:"startsAt"`
	IsAvailable bool      `json:"isAvailable"`
}

// DefaultSlotTemplate is the schedule assumed for a coach who has never
// configured working hours: 09:00 to 17:00, Monday to Friday.
func DefaultSlotTemplate(coachID uuid.UUID) []WorkingHours {
	hours := make([]WorkingHours, 0, 5)
	for d := time.Monday; d <= time.Friday; d++ {
		hours = append(hours, WorkingHours{
			CoachID:     coachID,
			Weekday:     d,
			StartMinute: 9 * 60,
			EndMinute:   17 * 60,
		})
	}
	return hours
}

// ParseSlotStart turns a slot's date and time label back into its start
// instant in loc.
func ParseSlotStart(date, timeLabel string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLabelLayout, date+" "+timeLabel, loc)
}
