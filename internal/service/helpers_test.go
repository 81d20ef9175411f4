package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	aimock "github.com/DukeRupert/lingocoach/internal/ai/mock"
	billingmock "github.com/DukeRupert/lingocoach/internal/billing/mock"
	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/idempotency"
	"github.com/DukeRupert/lingocoach/internal/lock"
	"github.com/DukeRupert/lingocoach/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// monday0800 is a Monday morning inside the default working hours template.
var monday0800 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store        *repository.Memory
	clock        *clock.Fake
	ai           *aimock.Provider
	billing      *billingmock.Service
	resolver     EntitlementResolver
	ledger       QuotaLedger
	quota        QuotaService
	sessions     *ChatSessions
	chat         ChatService
	availability AvailabilityResolver
	checkout     CheckoutService
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := testLogger()
	f := &fixture{
		store:   repository.NewMemory(),
		clock:   clock.NewFake(monday0800),
		ai:      aimock.New(logger),
		billing: billingmock.New("https://pay.test"),
	}
	f.resolver = NewEntitlementResolver(f.store, logger)
	f.ledger = NewQuotaLedger(f.store, f.clock, time.UTC, logger)
	f.quota = NewQuotaService(f.ledger, f.resolver, time.UTC, logger)
	f.sessions = NewChatSessions(100, time.Hour)
	f.chat = NewChatService(f.quota, f.ai, f.sessions, idempotency.NewMemory(100, time.Hour), time.UTC, ChatServiceConfig{}, logger)
	f.availability = NewAvailabilityResolver(f.store, f.clock, time.UTC, logger)
	f.checkout = NewCheckoutService(f.store, f.availability, f.billing, lock.NewMemory(), f.clock, CheckoutConfig{
		BaseURL:  "https://coach.test",
		Currency: "cad",
	}, logger)
	return f
}

// grant gives userID a plan starting a week before the fixture clock.
func (f *fixture) grant(t *testing.T, userID uuid.UUID, planCode string) {
	t.Helper()
	_, err := f.resolver.Grant(context.Background(), userID, planCode, f.clock.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
}

// learner registers an onboarded learner.
func (f *fixture) learner() uuid.UUID {
	id := uuid.New()
	f.store.SaveLearnerProfile(domain.LearnerProfile{UserID: id, DisplayName: "Learner", OnboardingCompleted: true})
	return id
}

// coach registers a coach with default rates and no configured hours.
func (f *fixture) coach() uuid.UUID {
	id := uuid.New()
	f.store.SaveCoach(domain.CoachProfile{ID: id, DisplayName: "Claire", Currency: "cad"})
	return id
}

func at(hour, minute int) time.Time {
	return time.Date(monday0800.Year(), monday0800.Month(), monday0800.Day(), hour, minute, 0, 0, time.UTC)
}
