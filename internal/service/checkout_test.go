package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/lingocoach/internal/billing"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkoutParams(learnerID, coachID uuid.UUID, startsAt time.Time) domain.StartCheckoutParams {
	return domain.StartCheckoutParams{
		LearnerID:     learnerID,
		CoachID:       coachID,
		SessionType:   domain.SessionTypeRegular,
		StartsAt:      startsAt,
		CustomerEmail: "learner@example.com",
	}
}

// =============================================================================
// StartCheckout
// =============================================================================

func TestCheckout_Start(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID, coachID := f.learner(), f.coach()

	res, err := f.checkout.StartCheckout(ctx, checkoutParams(learnerID, coachID, at(10, 0)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.CheckoutURL, "https://pay.test/checkout/cs_mock_"))

	b, err := f.store.GetBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusPending, b.Status)
	assert.Equal(t, domain.DefaultHourlyRateCents, b.PriceCents)
	assert.Equal(t, 60, b.DurationMinutes)
	assert.NotEmpty(t, b.ProviderReference)

	sent, ok := f.billing.LastSession()
	require.True(t, ok)
	assert.Equal(t, billing.KindBooking, sent.Metadata[billing.MetadataKind])
	assert.Equal(t, res.BookingID.String(), sent.Metadata[billing.MetadataBookingID])
	assert.Equal(t, "cad", sent.Currency)

	ok, err = f.availability.IsAvailable(ctx, coachID, at(10, 0), 60)
	require.NoError(t, err)
	assert.False(t, ok, "pending booking holds the slot")
}

func TestCheckout_Start_TrialPricing(t *testing.T) {
	f := newFixture(t)
	learnerID, coachID := f.learner(), f.coach()

	p := checkoutParams(learnerID, coachID, at(14, 0))
	p.SessionType = domain.SessionTypeTrial
	res, err := f.checkout.StartCheckout(context.Background(), p)
	require.NoError(t, err)

	b, err := f.store.GetBooking(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultTrialRateCents, b.PriceCents)
	assert.Equal(t, 30, b.DurationMinutes)
}

func TestCheckout_Start_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()

	notOnboarded := uuid.New()
	f.store.SaveLearnerProfile(domain.LearnerProfile{UserID: notOnboarded})

	tests := []struct {
		name   string
		params domain.StartCheckoutParams
		code   string
	}{
		{"no learner profile", checkoutParams(uuid.New(), coachID, at(10, 0)), domain.EPROFILE},
		{"onboarding incomplete", checkoutParams(notOnboarded, coachID, at(10, 0)), domain.EPROFILE},
		{"unknown coach", checkoutParams(f.learner(), uuid.New(), at(10, 0)), domain.ENOTFOUND},
		{"past slot", checkoutParams(f.learner(), coachID, at(7, 0)), domain.ESLOTTAKEN},
		{"outside hours", checkoutParams(f.learner(), coachID, at(20, 0)), domain.ESLOTTAKEN},
		{"bad session type", func() domain.StartCheckoutParams {
			p := checkoutParams(f.learner(), coachID, at(10, 0))
			p.SessionType = "group"
			return p
		}(), domain.EINVALID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.checkout.StartCheckout(ctx, tt.params)
			assert.Equal(t, tt.code, domain.ErrorCode(err))
		})
	}
	assert.Equal(t, 0, f.billing.SessionCount())
}

func TestCheckout_Start_SecondLearnerLoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()

	_, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(10, 0)))
	require.NoError(t, err)

	_, err = f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(10, 0)))
	assert.Equal(t, domain.ESLOTTAKEN, domain.ErrorCode(err))
}

func TestCheckout_Start_ConcurrentRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()

	const racers = 20
	learners := make([]uuid.UUID, racers)
	for i := range learners {
		learners[i] = f.learner()
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		taken int
		start = make(chan struct{})
	)
	for _, learnerID := range learners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.checkout.StartCheckout(ctx, checkoutParams(learnerID, coachID, at(11, 0)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case domain.ErrorCode(err) == domain.ESLOTTAKEN:
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, taken)

	active, err := f.store.ActiveBookingsForCoach(ctx, coachID, at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCheckout_Start_PaymentFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()
	f.billing.SetError(errors.New("stripe down"))

	_, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(10, 0)))
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))

	ok, err := f.availability.IsAvailable(ctx, coachID, at(10, 0), 60)
	require.NoError(t, err)
	assert.True(t, ok)
}

// =============================================================================
// ConfirmPayment and Cancel
// =============================================================================

func TestCheckout_ConfirmPayment_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), f.coach(), at(10, 0)))
	require.NoError(t, err)

	first, err := f.checkout.ConfirmPayment(ctx, res.BookingID, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, first.Status)
	require.NotNil(t, first.ConfirmedAt)

	f.clock.Advance(time.Minute)
	second, err := f.checkout.ConfirmPayment(ctx, res.BookingID, "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, second.Status)
	assert.Equal(t, *first.ConfirmedAt, *second.ConfirmedAt)

	_, err = f.checkout.ConfirmPayment(ctx, res.BookingID, "cs_other")
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	_, err = f.checkout.ConfirmPayment(ctx, uuid.New(), "cs_paid")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestCheckout_CancelReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID, coachID := f.learner(), f.coach()

	res, err := f.checkout.StartCheckout(ctx, checkoutParams(learnerID, coachID, at(10, 0)))
	require.NoError(t, err)
	pending, err := f.store.GetBooking(ctx, res.BookingID)
	require.NoError(t, err)

	b, err := f.checkout.CancelForLearner(ctx, learnerID, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, b.Status)
	assert.Equal(t, domain.CancelReasonLearner, b.CancelReason)
	assert.Equal(t, []string{pending.ProviderReference}, f.billing.ExpiredReferences())

	again, err := f.checkout.Cancel(ctx, res.BookingID, domain.CancelReasonTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.CancelReasonLearner, again.CancelReason, "second cancel is a no-op")
	assert.Len(t, f.billing.ExpiredReferences(), 1)

	_, err = f.checkout.ConfirmPayment(ctx, res.BookingID, pending.ProviderReference)
	assert.Equal(t, domain.EGONE, domain.ErrorCode(err))

	// Someone else can now take the slot.
	_, err = f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(10, 0)))
	require.NoError(t, err)
}

func TestCheckout_CancelConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.learner()

	res, err := f.checkout.StartCheckout(ctx, checkoutParams(learnerID, f.coach(), at(10, 0)))
	require.NoError(t, err)
	_, err = f.checkout.ConfirmPayment(ctx, res.BookingID, "cs_paid")
	require.NoError(t, err)

	b, err := f.checkout.CancelForLearner(ctx, learnerID, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, b.Status)
	assert.Empty(t, f.billing.ExpiredReferences(), "paid sessions have no open checkout")
}

func TestCheckout_CancelForLearner_NotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), f.coach(), at(10, 0)))
	require.NoError(t, err)

	_, err = f.checkout.CancelForLearner(ctx, uuid.New(), res.BookingID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	b, err := f.store.GetBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusPending, b.Status)
}

// =============================================================================
// ExpireStale
// =============================================================================

func TestCheckout_ExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coachID := f.coach()

	old, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(10, 0)))
	require.NoError(t, err)
	paid, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(11, 0)))
	require.NoError(t, err)
	_, err = f.checkout.ConfirmPayment(ctx, paid.BookingID, "cs_paid")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	fresh, err := f.checkout.StartCheckout(ctx, checkoutParams(f.learner(), coachID, at(12, 0)))
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	n, err := f.checkout.ExpireStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tests := []struct {
		id   uuid.UUID
		want domain.BookingStatus
	}{
		{old.BookingID, domain.BookingStatusCancelled},
		{paid.BookingID, domain.BookingStatusConfirmed},
		{fresh.BookingID, domain.BookingStatusPending},
	}
	for _, tt := range tests {
		b, err := f.store.GetBooking(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, b.Status)
	}

	n, err = f.checkout.ExpireStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// Purchases
// =============================================================================

func TestCheckout_Purchases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	topup, err := f.checkout.StartTopupCheckout(ctx, userID, "learner@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultTopupPack.Code, topup.Product)

	sent, _ := f.billing.LastSession()
	assert.Equal(t, billing.KindTopup, sent.Metadata[billing.MetadataKind])
	assert.Equal(t, "60", sent.Metadata[billing.MetadataMinutes])
	assert.Equal(t, int64(3900), sent.AmountCents)

	plan, err := f.checkout.StartPlanCheckout(ctx, userID, domain.PlanMastery, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanMastery, plan.Product)

	sent, _ = f.billing.LastSession()
	assert.Equal(t, billing.KindPlan, sent.Metadata[billing.MetadataKind])
	assert.Equal(t, int64(189900), sent.AmountCents)

	_, err = f.checkout.StartPlanCheckout(ctx, userID, "NOPE", "")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}
