package domain

import (
	"time"

	"github.com/google/uuid"
)

// Plan is a purchasable coaching package.
type Plan struct {
	Code           string
	Name           string
	DailyMinutes   int
	DurationMonths int
	PriceCents     int64
}

// Plan codes.
const (
	PlanBoost       = "BOOST"
	PlanQuick       = "QUICK"
	PlanProgressive = "PROGRESSIVE"
	PlanMastery     = "MASTERY"
)

// Plans is the fixed catalog of coaching packages.
var Plans = map[string]Plan{
	PlanBoost:       {Code: PlanBoost, Name: "Boost", DailyMinutes: 10, DurationMonths: 3, PriceCents: 6700},
	PlanQuick:       {Code: PlanQuick, Name: "Quick", DailyMinutes: 15, DurationMonths: 6, PriceCents: 29900},
	PlanProgressive: {Code: PlanProgressive, Name: "Progressive", DailyMinutes: 15, DurationMonths: 12, PriceCents: 89900},
	PlanMastery:     {Code: PlanMastery, Name: "Mastery", DailyMinutes: 30, DurationMonths: 24, PriceCents: 189900},
}

// LookupPlan returns the catalog entry for code.
func LookupPlan(code string) (Plan, bool) {
	p, ok := Plans[code]
	return p, ok
}

// TopupPack is the one-off minute pack sold from the blocked modal.
type TopupPack struct {
	Code       string
	Name       string
	Minutes    int
	PriceCents int64
}

// DefaultTopupPack adds 60 non-resetting minutes.
var DefaultTopupPack = TopupPack{
	Code:       "AI_TOPUP_60",
	Name:       "AI Coach Top-up (60 minutes)",
	Minutes:    60,
	PriceCents: 3900,
}

// Entitlement is a user's grant of a plan for a bounded period.
type Entitlement struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	PlanCode          string
	PlanName          string
	DailyMinutes      int
	StartsAt          time.Time
	ExpiresAt         time.Time
	CreatedAt         time.Time
	ProviderReference string // Payment that bought the plan; empty for manual grants
}

// ActiveAt reports whether the entitlement covers t.
func (e *Entitlement) ActiveAt(t time.Time) bool {
	return !t.Before(e.StartsAt) && t.Before(e.ExpiresAt)
}

// NewEntitlement grants plan p to userID starting at start.
func NewEntitlement(userID uuid.UUID, p Plan, start time.Time) *Entitlement {
	return &Entitlement{
		ID:           uuid.New(),
		UserID:       userID,
		PlanCode:     p.Code,
		PlanName:     p.Name,
		DailyMinutes: p.DailyMinutes,
		StartsAt:     start,
		ExpiresAt:    start.AddDate(0, p.DurationMonths, 0),
		CreatedAt:    start,
	}
}
