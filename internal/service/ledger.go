// Package service contains the business logic layer.
//
// This file implements the quota ledger: the only code that mutates a
// QuotaRecord. Every mutation runs under the store's per-user lock, so
// concurrent debits for one user are serialised and never overdraw.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/lingocoach/internal/clock"
	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/repository"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// PlanTerms are the entitlement values written into a record at reset.
type PlanTerms struct {
	PlanName          string
	DailyLimitMinutes int
	AccessExpiresAt   time.Time // Zero leaves the daily allowance open-ended
}

// DebitResult is the outcome of a ledger debit.
type DebitResult struct {
	Record *domain.QuotaRecord
	Debit  domain.Debit

	// WasBlocked is true when the record had no minutes left before the
	// debit, in which case nothing was consumed.
	WasBlocked bool
}

// QuotaLedger is the authoritative store of quota balances.
type QuotaLedger interface {
	// Get returns the user's record. Returns ENOTFOUND when none exists.
	Get(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error)

	// ApplyDailyResetIfDue zeroes daily usage if now is on a later quota
	// day than the last reset. Idempotent within a day.
	ApplyDailyResetIfDue(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error)

	// ResetWithTerms is ApplyDailyResetIfDue that also refreshes the plan
	// name and daily limit. It reports whether a reset happened.
	ResetWithTerms(ctx context.Context, userID uuid.UUID, now time.Time, terms PlanTerms) (*domain.QuotaRecord, bool, error)

	// Debit consumes minutes at now, daily allowance first, then top-up.
	// An expired plan contributes no daily minutes. The record is never
	// driven below zero; an uncovered remainder is dropped.
	Debit(ctx context.Context, userID uuid.UUID, minutes int, now time.Time) (*DebitResult, error)

	// CreditTopup adds minutes to the non-resetting balance.
	CreditTopup(ctx context.Context, userID uuid.UUID, minutes int) (*domain.QuotaRecord, error)

	// CreditTopupOnce credits minutes for a payment reference at most once.
	// It reports false when the reference was already credited.
	CreditTopupOnce(ctx context.Context, userID uuid.UUID, minutes int, reference string) (*domain.QuotaRecord, bool, error)

	// RaiseLimit lifts the daily limit to terms if it is higher and
	// extends the access expiry if terms run later. It never lowers a
	// limit mid-day.
	RaiseLimit(ctx context.Context, userID uuid.UUID, terms PlanTerms) (*domain.QuotaRecord, error)

	// Lapse withdraws the daily allowance once the plan has expired at now.
	// The top-up balance is kept.
	Lapse(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error)

	// Provision creates the user's first record. Returns ECONFLICT if one
	// already exists.
	Provision(ctx context.Context, userID uuid.UUID, terms PlanTerms, now time.Time) (*domain.QuotaRecord, error)
}

// =============================================================================
// Implementation
// =============================================================================

type quotaLedger struct {
	store  repository.QuotaStore
	clock  clock.Clock
	loc    *time.Location
	logger *slog.Logger
}

// NewQuotaLedger creates a new QuotaLedger. Quota days start at midnight
// in loc.
func NewQuotaLedger(store repository.QuotaStore, clk clock.Clock, loc *time.Location, logger *slog.Logger) QuotaLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &quotaLedger{
		store:  store,
		clock:  clk,
		loc:    loc,
		logger: logger,
	}
}

func (l *quotaLedger) Get(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error) {
	const op = "ledger.get"

	rec, err := l.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, l.storeError(err, op, userID)
	}
	return rec, nil
}

func (l *quotaLedger) ApplyDailyResetIfDue(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error) {
	const op = "ledger.apply_daily_reset"

	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		if !q.ApplyDailyReset(now, l.loc) {
			return repository.QuotaChange{NoOp: true}, nil
		}
		q.UpdatedAt = now
		return repository.QuotaChange{}, nil
	})
	if err != nil {
		return nil, l.storeError(err, op, userID)
	}
	return rec, nil
}

func (l *quotaLedger) ResetWithTerms(ctx context.Context, userID uuid.UUID, now time.Time, terms PlanTerms) (*domain.QuotaRecord, bool, error) {
	const op = "ledger.reset_with_terms"

	reset := false
	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		if !q.ApplyDailyReset(now, l.loc) {
			return repository.QuotaChange{NoOp: true}, nil
		}
		reset = true
		if terms.PlanName != "" {
			q.PlanName = terms.PlanName
		}
		q.DailyLimitMinutes = max(0, terms.DailyLimitMinutes)
		q.AccessExpiresAt = terms.AccessExpiresAt
		q.UpdatedAt = now
		return repository.QuotaChange{}, nil
	})
	if err != nil {
		return nil, false, l.storeError(err, op, userID)
	}

	if reset {
		l.logger.Debug("daily quota reset",
			"user_id", userID,
			"plan", rec.PlanName,
			"daily_limit", rec.DailyLimitMinutes,
		)
	}
	return rec, reset, nil
}

func (l *quotaLedger) Debit(ctx context.Context, userID uuid.UUID, minutes int, now time.Time) (*DebitResult, error) {
	const op = "ledger.debit"

	if minutes <= 0 {
		return nil, domain.Invalid(op, "minutes must be positive")
	}

	res := &DebitResult{}
	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		lapsed := q.Lapse(now)
		if q.IsBlocked() {
			res.WasBlocked = true
			res.Debit = domain.Debit{Requested: minutes}
			if lapsed {
				q.UpdatedAt = now
				return repository.QuotaChange{}, nil
			}
			return repository.QuotaChange{NoOp: true}, nil
		}

		res.Debit = q.Debit(minutes)
		q.UpdatedAt = now
		return repository.QuotaChange{
			Usage: domain.NewUsageEvent(q, res.Debit, domain.ConversationTypeChat, now),
		}, nil
	})
	if err != nil {
		return nil, l.storeError(err, op, userID)
	}
	res.Record = rec

	if res.Debit.Short() && !res.WasBlocked {
		l.logger.Info("debit exceeded remaining quota",
			"user_id", userID,
			"requested", minutes,
			"applied", res.Debit.Applied(),
		)
	}
	return res, nil
}

func (l *quotaLedger) CreditTopup(ctx context.Context, userID uuid.UUID, minutes int) (*domain.QuotaRecord, error) {
	const op = "ledger.credit_topup"

	if minutes <= 0 {
		return nil, domain.Invalid(op, "minutes must be positive")
	}

	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		q.CreditTopup(minutes)
		q.UpdatedAt = l.clock.Now()
		return repository.QuotaChange{}, nil
	})
	if err != nil {
		return nil, l.storeError(err, op, userID)
	}
	return rec, nil
}

func (l *quotaLedger) CreditTopupOnce(ctx context.Context, userID uuid.UUID, minutes int, reference string) (*domain.QuotaRecord, bool, error) {
	const op = "ledger.credit_topup_once"

	if minutes <= 0 {
		return nil, false, domain.Invalid(op, "minutes must be positive")
	}
	if reference == "" {
		return nil, false, domain.Invalid(op, "payment reference is required")
	}

	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		now := l.clock.Now()
		q.CreditTopup(minutes)
		q.UpdatedAt = now
		return repository.QuotaChange{
			Credit: &domain.TopupCredit{
				ProviderReference: reference,
				UserID:            userID,
				Minutes:           minutes,
				CreatedAt:         now,
			},
		}, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			current, getErr := l.Get(ctx, userID)
			if getErr != nil {
				return nil, false, getErr
			}
			return current, false, nil
		}
		return nil, false, l.storeError(err, op, userID)
	}
	return rec, true, nil
}

func (l *quotaLedger) RaiseLimit(ctx context.Context, userID uuid.UUID, terms PlanTerms) (*domain.QuotaRecord, error) {
	const op = "ledger.raise_limit"

	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		raise := terms.DailyLimitMinutes > q.DailyLimitMinutes
		extend := terms.AccessExpiresAt.After(q.AccessExpiresAt)
		if !raise && !extend {
			return repository.QuotaChange{NoOp: true}, nil
		}
		if raise {
			q.DailyLimitMinutes = terms.DailyLimitMinutes
			if terms.PlanName != "" {
				q.PlanName = terms.PlanName
			}
		}
		if extend {
			q.AccessExpiresAt = terms.AccessExpiresAt
		}
		q.UpdatedAt = l.clock.Now()
		return repository.QuotaChange{}, nil
	})
	if err != nil {
		return nil, l.storeError(err, op, userID)
	}
	return rec, nil
}

func (l *quotaLedger) Lapse(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.QuotaRecord, error) {
	const op = "ledger.lapse"

	lapsed := false
	rec, err := l.store.UpdateQuota(ctx, userID, func(q *domain.QuotaRecord) (repository.QuotaChange, error) {
		if !q.Lapse(now) {
			return repository.QuotaChange{NoOp: true}, nil
		}
		lapsed = true
		q.UpdatedAt = now
		return repository.QuotaChange{}, nil
	})
	if err != nil {
		return nil, l.storeError(err, op, userID)
	}

	if lapsed {
		l.logger.Info("plan access lapsed",
			"user_id", userID,
			"plan", rec.PlanName,
			"expired_at", rec.AccessExpiresAt,
		)
	}
	return rec, nil
}

func (l *quotaLedger) Provision(ctx context.Context, userID uuid.UUID, terms PlanTerms, now time.Time) (*domain.QuotaRecord, error) {
	const op = "ledger.provision"

	rec := &domain.QuotaRecord{
		UserID:            userID,
		PlanName:          terms.PlanName,
		DailyLimitMinutes: max(0, terms.DailyLimitMinutes),
		AccessExpiresAt:   terms.AccessExpiresAt,
		LastResetAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.store.CreateQuota(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.Conflict(op, "quota record already exists")
		}
		return nil, domain.Internal(err, op, "failed to create quota record")
	}

	l.logger.Info("quota record provisioned",
		"user_id", userID,
		"plan", rec.PlanName,
		"daily_limit", rec.DailyLimitMinutes,
	)
	return rec, nil
}

func (l *quotaLedger) storeError(err error, op string, userID uuid.UUID) error {
	var de *domain.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return domain.NotFound(op, "quota record", userID.String())
	default:
		return domain.Internal(err, op, "quota store failure")
	}
}
