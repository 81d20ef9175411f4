package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/metrics"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ConsumeResult is the outcome of charging a user for AI usage.
type ConsumeResult struct {
	Record  *domain.QuotaRecord
	Debited domain.Debit

	// Blocked is true when the record has no minutes left after the call.
	Blocked bool

	// WasBlocked is true when the user was already out of minutes, so
	// nothing was consumed.
	WasBlocked bool
}

// QuotaService enforces AI coaching quotas. It makes sure a record exists
// and is reset for today before any read or debit.
type QuotaService interface {
	// CheckAndPrime provisions the user's record on first use and applies
	// the daily reset when due. Returns ENOENTITLEMENT when a new user
	// holds no plan.
	CheckAndPrime(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error)

	// Consume primes the record, then debits minutes.
	Consume(ctx context.Context, userID uuid.UUID, minutes int, now time.Time) (*ConsumeResult, error)

	// UseTopup reports the record after priming. Top-up minutes are drawn
	// automatically once the daily allowance is spent; this is the
	// acknowledgement step of the blocked modal.
	UseTopup(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error)

	// CreditTopup adds purchased minutes once per payment reference.
	CreditTopup(ctx context.Context, userID uuid.UUID, minutes int, reference string, now time.Time) (*domain.QuotaRecord, error)

	// ApplyPlanChange raises today's limit after a plan purchase.
	ApplyPlanChange(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error)

	// Status returns the widget projection.
	Status(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaStatus, error)
}

// =============================================================================
// Implementation
// =============================================================================

type quotaService struct {
	ledger   QuotaLedger
	resolver EntitlementResolver
	loc      *time.Location
	logger   *slog.Logger
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(ledger QuotaLedger, resolver EntitlementResolver, loc *time.Location, logger *slog.Logger) QuotaService {
	if loc == nil {
		loc = time.UTC
	}
	return &quotaService{
		ledger:   ledger,
		resolver: resolver,
		loc:      loc,
		logger:   logger,
	}
}

func (s *quotaService) CheckAndPrime(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error) {
	rec, err := s.ledger.Get(ctx, userID)
	if domain.IsCode(err, domain.ENOTFOUND) {
		return s.provision(ctx, userID, now, true)
	}
	if err != nil {
		return nil, err
	}

	if rec.ResetDue(now, s.loc) {
		terms, err := s.termsAt(ctx, userID, now, rec)
		if err != nil {
			return nil, err
		}
		if rec, _, err = s.ledger.ResetWithTerms(ctx, userID, now, terms); err != nil {
			return nil, err
		}
	}

	if rec.AccessExpired(now) && rec.DailyLimitMinutes > 0 {
		return s.refreshExpired(ctx, userID, now)
	}
	return rec, nil
}

// refreshExpired moves a record whose plan ended mid-day onto the user's
// current plan, or withdraws the daily allowance when none remains.
func (s *quotaService) refreshExpired(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error) {
	plan, err := s.resolver.Resolve(ctx, userID, now)
	switch {
	case err == nil:
		return s.ledger.RaiseLimit(ctx, userID, plan.terms())
	case domain.IsCode(err, domain.ENOENTITLEMENT):
		return s.ledger.Lapse(ctx, userID, now)
	default:
		return nil, err
	}
}

// provision creates a first record. When requirePlan is set a user without
// an entitlement is refused; otherwise they get a zero daily allowance.
func (s *quotaService) provision(ctx context.Context, userID uuid.UUID, now time.Time, requirePlan bool) (*domain.QuotaRecord, error) {
	var terms PlanTerms
	plan, err := s.resolver.Resolve(ctx, userID, now)
	switch {
	case err == nil:
		terms = plan.terms()
	case domain.IsCode(err, domain.ENOENTITLEMENT) && !requirePlan:
	default:
		return nil, err
	}

	rec, err := s.ledger.Provision(ctx, userID, terms, now)
	if domain.IsCode(err, domain.ECONFLICT) {
		// Lost a provisioning race; the winner's record is authoritative.
		return s.ledger.Get(ctx, userID)
	}
	return rec, err
}

// termsAt resolves the plan for a reset. A lapsed plan keeps its name and
// expiry but loses its daily allowance; top-up minutes are untouched.
func (s *quotaService) termsAt(ctx context.Context, userID uuid.UUID, now time.Time, rec *domain.QuotaRecord) (PlanTerms, error) {
	plan, err := s.resolver.Resolve(ctx, userID, now)
	if err != nil {
		if domain.IsCode(err, domain.ENOENTITLEMENT) {
			return PlanTerms{PlanName: rec.PlanName, AccessExpiresAt: rec.AccessExpiresAt}, nil
		}
		return PlanTerms{}, err
	}
	return plan.terms(), nil
}

func (s *quotaService) Consume(ctx context.Context, userID uuid.UUID, minutes int, now time.Time) (*ConsumeResult, error) {
	if _, err := s.CheckAndPrime(ctx, userID, now); err != nil {
		return nil, err
	}

	res, err := s.ledger.Debit(ctx, userID, minutes, now)
	if err != nil {
		return nil, err
	}

	out := &ConsumeResult{
		Record:     res.Record,
		Debited:    res.Debit,
		Blocked:    res.Record.IsBlocked(),
		WasBlocked: res.WasBlocked,
	}

	if applied := res.Debit.Applied(); applied > 0 {
		metrics.QuotaMinutesConsumed.WithLabelValues(string(res.Debit.Source())).Add(float64(applied))
	}
	if out.Blocked && !out.WasBlocked {
		metrics.QuotaBlockedTotal.Inc()
		s.logger.Info("quota exhausted",
			"user_id", userID,
			"plan", res.Record.PlanName,
		)
	}
	return out, nil
}

func (s *quotaService) UseTopup(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error) {
	const op = "quota.use_topup"

	rec, err := s.CheckAndPrime(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if rec.TopupRemainingMinutes <= 0 {
		return nil, domain.Errorf(domain.EINVALID, op, "no top-up minutes available")
	}
	return rec, nil
}

func (s *quotaService) CreditTopup(ctx context.Context, userID uuid.UUID, minutes int, reference string, now time.Time) (*domain.QuotaRecord, error) {
	if _, err := s.ledger.Get(ctx, userID); domain.IsCode(err, domain.ENOTFOUND) {
		if _, err := s.provision(ctx, userID, now, false); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	rec, applied, err := s.ledger.CreditTopupOnce(ctx, userID, minutes, reference)
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.QuotaTopupMinutesCredited.Add(float64(minutes))
		s.logger.Info("top-up credited",
			"user_id", userID,
			"minutes", minutes,
			"reference", reference,
			"topup_balance", rec.TopupRemainingMinutes,
		)
	} else {
		s.logger.Info("top-up already credited", "user_id", userID, "reference", reference)
	}
	return rec, nil
}

func (s *quotaService) ApplyPlanChange(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error) {
	rec, err := s.CheckAndPrime(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	plan, err := s.resolver.Resolve(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if plan.DailyLimitMinutes <= rec.DailyLimitMinutes && !plan.ExpiresAt.After(rec.AccessExpiresAt) {
		return rec, nil
	}
	return s.ledger.RaiseLimit(ctx, userID, plan.terms())
}

func (s *quotaService) Status(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaStatus, error) {
	rec, err := s.CheckAndPrime(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	status := domain.StatusOf(rec, now, s.loc)
	return &status, nil
}
