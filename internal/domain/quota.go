// Package domain contains core business types and interfaces.
//
// This file defines the AI coaching quota record: a renewable daily
// allowance of minutes plus a non-resetting top-up balance.
package domain

import (
	"time"

	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/google/uuid"
)

// DefaultCharsPerMinute is the number of message characters billed as one
// minute of coaching time.
const DefaultCharsPerMinute = 900

// =============================================================================
// Quota Record
// =============================================================================

// QuotaRecord is a user's AI coaching allowance for the current plan cycle.
//
// DailyUsedMinutes never exceeds DailyLimitMinutes and
// TopupRemainingMinutes never drops below zero. All mutation goes through
// ApplyDailyReset, Debit and CreditTopup.
type QuotaRecord struct {
	UserID                uuid.UUID
	PlanName              string
	DailyLimitMinutes     int
	DailyUsedMinutes      int
	TopupRemainingMinutes int
	LastResetAt           time.Time
	AccessExpiresAt       time.Time // End of the paid plan; zero means no expiry
	Version               int64     // Incremented on every persisted change
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DailyRemaining returns the unused part of today's allowance.
func (q *QuotaRecord) DailyRemaining() int {
	return max(0, q.DailyLimitMinutes-q.DailyUsedMinutes)
}

// TotalRemaining returns daily headroom plus the top-up balance.
func (q *QuotaRecord) TotalRemaining() int {
	return q.DailyRemaining() + max(0, q.TopupRemainingMinutes)
}

// IsBlocked reports whether the user has no minutes left at all.
func (q *QuotaRecord) IsBlocked() bool {
	return q.DailyUsedMinutes >= q.DailyLimitMinutes && q.TopupRemainingMinutes <= 0
}

// ResetDue reports whether now falls on a later calendar day than the last reset.
func (q *QuotaRecord) ResetDue(now time.Time, loc *time.Location) bool {
	return clock.StartOfDay(now, loc).After(clock.StartOfDay(q.LastResetAt, loc))
}

// ApplyDailyReset zeroes today's usage when a new day has started.
// It returns true if the record changed. Calling it again on the same day
// is a no-op.
func (q *QuotaRecord) ApplyDailyReset(now time.Time, loc *time.Location) bool {
	if !q.ResetDue(now, loc) {
		return false
	}
	q.DailyUsedMinutes = 0
	q.LastResetAt = now
	return true
}

// Debit consumes up to minutes, draining the daily allowance before the
// top-up balance. Whatever cannot be covered is simply not consumed.
func (q *QuotaRecord) Debit(minutes int) Debit {
	d := Debit{Requested: minutes}
	if minutes <= 0 {
		return d
	}

	d.FromDaily = min(minutes, q.DailyRemaining())
	q.DailyUsedMinutes += d.FromDaily

	d.FromTopup = min(minutes-d.FromDaily, max(0, q.TopupRemainingMinutes))
	q.TopupRemainingMinutes -= d.FromTopup

	return d
}

// CreditTopup adds purchased minutes to the non-resetting balance.
func (q *QuotaRecord) CreditTopup(minutes int) {
	if minutes <= 0 {
		return
	}
	q.TopupRemainingMinutes += minutes
}

// AccessExpired reports whether the plan behind the daily allowance has
// ended as of now.
func (q *QuotaRecord) AccessExpired(now time.Time) bool {
	return !q.AccessExpiresAt.IsZero() && !now.Before(q.AccessExpiresAt)
}

// Lapse withdraws the daily allowance once the plan has expired. The top-up
// balance is untouched. It returns true if the record changed.
func (q *QuotaRecord) Lapse(now time.Time) bool {
	if !q.AccessExpired(now) || q.DailyLimitMinutes == 0 {
		return false
	}
	q.DailyLimitMinutes = 0
	q.DailyUsedMinutes = 0
	return true
}

// NextResetAt returns the start of the next quota day.
func (q *QuotaRecord) NextResetAt(now time.Time, loc *time.Location) time.Time {
	return clock.NextDay(now, loc)
}

// Debit describes how a debit was split between the two buckets.
type Debit struct {
	Requested int
	FromDaily int
	FromTopup int
}

// Applied returns the minutes actually consumed.
func (d Debit) Applied() int {
	return d.FromDaily + d.FromTopup
}

// Short reports whether part of the request could not be covered.
func (d Debit) Short() bool {
	return d.Applied() < d.Requested
}

// Source classifies where the consumed minutes came from.
func (d Debit) Source() UsageSource {
	switch {
	case d.FromDaily > 0 && d.FromTopup > 0:
		return UsageSourceMixed
	case d.FromTopup > 0:
		return UsageSourceTopup
	default:
		return UsageSourceDaily
	}
}

// =============================================================================
// Usage Log
// =============================================================================

// UsageSource identifies which bucket paid for a debit.
type UsageSource string

const (
	UsageSourceDaily UsageSource = "daily"
	UsageSourceTopup UsageSource = "topup"
	UsageSourceMixed UsageSource = "mixed"
)

// ConversationTypeChat is recorded for minutes spent in the text coach.
const ConversationTypeChat = "chat"

// UsageEvent is an append-only record of one debit.
type UsageEvent struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	Minutes             int
	FromDaily           int
	FromTopup           int
	Source              UsageSource
	DailyRemainingAfter int
	TopupRemainingAfter int
	ConversationType    string
	CreatedAt           time.Time
}

// NewUsageEvent builds the log entry for a debit already applied to q.
func NewUsageEvent(q *QuotaRecord, d Debit, conversationType string, at time.Time) *UsageEvent {
	return &UsageEvent{
		ID:                  uuid.New(),
		UserID:              q.UserID,
		Minutes:             d.Applied(),
		FromDaily:           d.FromDaily,
		FromTopup:           d.FromTopup,
		Source:              d.Source(),
		DailyRemainingAfter: q.DailyRemaining(),
		TopupRemainingAfter: q.TopupRemainingMinutes,
		ConversationType:    conversationType,
		CreatedAt:           at,
	}
}

// TopupCredit records a fulfilled top-up purchase so a payment reference is
// only ever credited once.
type TopupCredit struct {
	ProviderReference string
	UserID            uuid.UUID
	Minutes           int
	CreatedAt         time.Time
}

// =============================================================================
// Widget Projection
// =============================================================================

// QuotaStatus is the read model rendered by the quota widget.
type QuotaStatus struct {
	Plan           string    `json:"plan"`
	DailyQuota     int       `json:"dailyQuota"`
	DailyUsed      int       `json:"dailyUsed"`
	DailyRemaining int       `json:"dailyRemaining"`
	TopupBalance   int       `json:"topupBalance"`
	TotalAvailable int       `json:"totalAvailable"`
	Blocked        bool      `json:"blocked"`
	NextResetAt    time.Time `json:"nextResetAt"`

	AccessExpiresAt *time.Time `json:"accessExpiresAt,omitempty"`
	IsExpired       bool       `json:"isExpired"`
}

// StatusOf projects q into a QuotaStatus as of now.
func StatusOf(q *QuotaRecord, now time.Time, loc *time.Location) QuotaStatus {
	s := QuotaStatus{
		Plan:           q.PlanName,
		DailyQuota:     q.DailyLimitMinutes,
		DailyUsed:      q.DailyUsedMinutes,
		DailyRemaining: q.DailyRemaining(),
		TopupBalance:   q.TopupRemainingMinutes,
		TotalAvailable: q.TotalRemaining(),
		Blocked:        q.IsBlocked(),
		NextResetAt:    q.NextResetAt(now, loc),
		IsExpired:      q.AccessExpired(now),
	}
	if !q.AccessExpiresAt.IsZero() {
		at := q.AccessExpiresAt
		s.AccessExpiresAt = &at
	}
	return s
}
