package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CheckAndPrime
// =============================================================================

func TestQuotaService_CheckAndPrime_ProvisionsFromPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)

	rec, err := f.quota.CheckAndPrime(ctx, userID, f.clock.Now())
	require.NoError(t, err)

	assert.Equal(t, "Quick", rec.PlanName)
	assert.Equal(t, 15, rec.DailyLimitMinutes)
	assert.Equal(t, 0, rec.DailyUsedMinutes)
	assert.False(t, rec.IsBlocked())

	again, err := f.quota.CheckAndPrime(ctx, userID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version, "second prime on the same day must not write")
}

func TestQuotaService_CheckAndPrime_NoEntitlement(t *testing.T) {
	f := newFixture(t)

	_, err := f.quota.CheckAndPrime(context.Background(), uuid.New(), f.clock.Now())
	require.Error(t, err)
	assert.Equal(t, domain.ENOENTITLEMENT, domain.ErrorCode(err))
}

func TestQuotaService_DailyReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanBoost)

	res, err := f.quota.Consume(ctx, userID, 10, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Blocked)

	f.clock.Advance(20 * time.Hour) // next day, 04:00
	rec, err := f.quota.CheckAndPrime(ctx, userID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, rec.DailyUsedMinutes)
	assert.Equal(t, 10, rec.DailyLimitMinutes)
	assert.False(t, rec.IsBlocked())

	// A second call the same day changes nothing.
	again, err := f.quota.CheckAndPrime(ctx, userID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version)
}

func TestQuotaService_LapsedPlanKeepsTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	// Boost lasts three months from a week ago.
	f.grant(t, userID, domain.PlanBoost)
	_, err := f.quota.CreditTopup(ctx, userID, 60, "cs_topup_1", f.clock.Now())
	require.NoError(t, err)

	later := f.clock.Now().AddDate(0, 4, 0)
	rec, err := f.quota.CheckAndPrime(ctx, userID, later)
	require.NoError(t, err)

	assert.Equal(t, 0, rec.DailyLimitMinutes)
	assert.Equal(t, 60, rec.TopupRemainingMinutes)
	assert.Equal(t, "Boost", rec.PlanName)
	assert.False(t, rec.IsBlocked())
}

// boostEndingAt grants a Boost plan whose three months run out at end.
func boostEndingAt(t *testing.T, f *fixture, userID uuid.UUID, end time.Time) {
	t.Helper()
	_, err := f.resolver.Grant(context.Background(), userID, domain.PlanBoost, end.AddDate(0, -3, 0))
	require.NoError(t, err)
}

func TestQuotaService_PlanExpiresMidDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	boostEndingAt(t, f, userID, at(9, 0))

	res, err := f.quota.Consume(ctx, userID, 1, at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Debited.FromDaily)
	_, err = f.quota.CreditTopup(ctx, userID, 30, "cs_topup_1", at(8, 0))
	require.NoError(t, err)

	res, err = f.quota.Consume(ctx, userID, 5, at(10, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Debited.FromDaily, "an expired plan grants no daily minutes")
	assert.Equal(t, 5, res.Debited.FromTopup)
	assert.Equal(t, 0, res.Record.DailyLimitMinutes)
	assert.Equal(t, 25, res.Record.TopupRemainingMinutes)
	assert.False(t, res.Blocked)

	status, err := f.quota.Status(ctx, userID, at(10, 0))
	require.NoError(t, err)
	assert.True(t, status.IsExpired)
	require.NotNil(t, status.AccessExpiresAt)
	assert.Equal(t, at(9, 0), *status.AccessExpiresAt)
	assert.Equal(t, 0, status.DailyRemaining)
	assert.Equal(t, 25, status.TotalAvailable)
}

func TestQuotaService_PlanExpiresMidDay_NoTopupBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	boostEndingAt(t, f, userID, at(9, 0))

	_, err := f.quota.CheckAndPrime(ctx, userID, at(8, 0))
	require.NoError(t, err)

	res, err := f.quota.Consume(ctx, userID, 2, at(9, 0))
	require.NoError(t, err)
	assert.True(t, res.WasBlocked)
	assert.True(t, res.Blocked)
	assert.Equal(t, 0, res.Debited.Applied())
}

func TestQuotaService_PlanRenewedAtExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	boostEndingAt(t, f, userID, at(9, 0))

	_, err := f.quota.Consume(ctx, userID, 1, at(8, 0))
	require.NoError(t, err)

	renewal, err := f.resolver.Grant(ctx, userID, domain.PlanBoost, at(9, 0))
	require.NoError(t, err)

	res, err := f.quota.Consume(ctx, userID, 5, at(10, 0))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Debited.FromDaily)
	assert.Equal(t, 6, res.Record.DailyUsedMinutes)
	assert.Equal(t, renewal.ExpiresAt, res.Record.AccessExpiresAt)

	status, err := f.quota.Status(ctx, userID, at(10, 0))
	require.NoError(t, err)
	assert.False(t, status.IsExpired)
	assert.Equal(t, 4, status.DailyRemaining)
}

func TestQuotaLedger_DebitLapsesExpiredPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	boostEndingAt(t, f, userID, at(9, 0))

	_, err := f.quota.CheckAndPrime(ctx, userID, at(8, 0))
	require.NoError(t, err)
	_, err = f.quota.CreditTopup(ctx, userID, 10, "cs_topup_1", at(8, 0))
	require.NoError(t, err)

	// The ledger judges expiry by the caller's time, not its own clock.
	res, err := f.ledger.Debit(ctx, userID, 3, at(9, 30))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Debit.FromDaily)
	assert.Equal(t, 3, res.Debit.FromTopup)
	assert.Equal(t, 0, res.Record.DailyLimitMinutes)
}

// =============================================================================
// Consume
// =============================================================================

func TestQuotaService_Consume_RecordsCallerTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)

	when := f.clock.Now().Add(90 * time.Minute)
	_, err := f.quota.Consume(ctx, userID, 3, when)
	require.NoError(t, err)

	events, err := f.store.ListUsageEvents(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].CreatedAt.Equal(when))

	rec, err := f.ledger.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.Equal(when))
}

func TestQuotaService_Consume_DailyThenTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanBoost)

	_, err := f.quota.CreditTopup(ctx, userID, 5, "cs_1", f.clock.Now())
	require.NoError(t, err)

	tests := []struct {
		name        string
		minutes     int
		wantDaily   int
		wantTopup   int
		wantBlocked bool
		wantWas     bool
	}{
		{"within daily", 6, 6, 5, false, false},
		{"spills into topup", 6, 10, 3, false, false},
		{"drains topup partially", 5, 10, 0, true, false},
		{"already blocked", 1, 10, 0, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.quota.Consume(ctx, userID, tt.minutes, f.clock.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.wantDaily, res.Record.DailyUsedMinutes)
			assert.Equal(t, tt.wantTopup, res.Record.TopupRemainingMinutes)
			assert.Equal(t, tt.wantBlocked, res.Blocked)
			assert.Equal(t, tt.wantWas, res.WasBlocked)
		})
	}
}

func TestQuotaService_Consume_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)

	_, err := f.quota.Consume(context.Background(), userID, 0, f.clock.Now())
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestQuotaService_Consume_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)
	_, err := f.quota.CreditTopup(ctx, userID, 5, "cs_race", f.clock.Now())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.quota.Consume(ctx, userID, 1, f.clock.Now())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			applied += res.Debited.Applied()
			mu.Unlock()
		}()
	}
	wg.Wait()

	rec, err := f.ledger.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 20, applied)
	assert.Equal(t, 15, rec.DailyUsedMinutes)
	assert.Equal(t, 0, rec.TopupRemainingMinutes)
	assert.True(t, rec.IsBlocked())

	events, err := f.store.ListUsageEvents(ctx, userID, 100)
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

// =============================================================================
// Top-ups and plans
// =============================================================================

func TestQuotaService_CreditTopup_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	// No plan: the record is created with a zero daily allowance.
	rec, err := f.quota.CreditTopup(ctx, userID, 60, "cs_abc", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 60, rec.TopupRemainingMinutes)
	assert.Equal(t, 0, rec.DailyLimitMinutes)

	rec, err = f.quota.CreditTopup(ctx, userID, 60, "cs_abc", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 60, rec.TopupRemainingMinutes)

	rec, err = f.quota.CreditTopup(ctx, userID, 60, "cs_def", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 120, rec.TopupRemainingMinutes)
}

func TestQuotaService_UseTopup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanBoost)

	_, err := f.quota.UseTopup(ctx, userID, f.clock.Now())
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = f.quota.CreditTopup(ctx, userID, 60, "cs_1", f.clock.Now())
	require.NoError(t, err)

	rec, err := f.quota.UseTopup(ctx, userID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 60, rec.TopupRemainingMinutes)
}

func TestQuotaService_ApplyPlanChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanBoost)

	_, err := f.quota.Consume(ctx, userID, 4, f.clock.Now())
	require.NoError(t, err)

	_, err = f.resolver.Grant(ctx, userID, domain.PlanMastery, f.clock.Now())
	require.NoError(t, err)

	rec, err := f.quota.ApplyPlanChange(ctx, userID, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "Mastery", rec.PlanName)
	assert.Equal(t, 30, rec.DailyLimitMinutes)
	assert.Equal(t, 4, rec.DailyUsedMinutes, "usage so far today is kept")
}

func TestQuotaService_Status(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.grant(t, userID, domain.PlanQuick)

	_, err := f.quota.Consume(ctx, userID, 5, f.clock.Now())
	require.NoError(t, err)

	status, err := f.quota.Status(ctx, userID, f.clock.Now())
	require.NoError(t, err)
	expires := time.Date(2027, 4, 12, 8, 0, 0, 0, time.UTC) // six months from the grant
	assert.Equal(t, domain.QuotaStatus{
		Plan:           "Quick",
		DailyQuota:     15,
		DailyUsed:      5,
		DailyRemaining: 10,
		TopupBalance:   0,
		TotalAvailable: 10,
		Blocked:        false,
		NextResetAt:    time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),

		AccessExpiresAt: &expires,
		IsExpired:       false,
	}, *status)
}

func TestEntitlementResolver_Grant_UnknownPlan(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Grant(context.Background(), uuid.New(), "PLATINUM", f.clock.Now())
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestEntitlementResolver_GrantOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	ent, granted, err := f.resolver.GrantOnce(ctx, userID, domain.PlanQuick, "cs_plan_1", f.clock.Now())
	require.NoError(t, err)
	require.True(t, granted)
	assert.Equal(t, "cs_plan_1", ent.ProviderReference)

	ent, granted, err = f.resolver.GrantOnce(ctx, userID, domain.PlanMastery, "cs_plan_1", f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Nil(t, ent)

	plan, err := f.resolver.Resolve(ctx, userID, f.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.PlanQuick, plan.PlanCode)

	_, _, err = f.resolver.GrantOnce(ctx, userID, domain.PlanQuick, "", f.clock.Now())
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
