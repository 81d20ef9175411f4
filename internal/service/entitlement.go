package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/DukeRupert/lingocoach/internal/repository"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ResolvedPlan is the plan a user is entitled to at a point in time.
type ResolvedPlan struct {
	PlanCode          string
	PlanName          string
	DailyLimitMinutes int
	ExpiresAt         time.Time
}

func (p *ResolvedPlan) terms() PlanTerms {
	return PlanTerms{
		PlanName:          p.PlanName,
		DailyLimitMinutes: p.DailyLimitMinutes,
		AccessExpiresAt:   p.ExpiresAt,
	}
}

// EntitlementResolver answers which coaching plan a user holds.
type EntitlementResolver interface {
	// Resolve returns the plan active at the given time. Returns an
	// ENOENTITLEMENT error when the user holds none.
	Resolve(ctx context.Context, userID uuid.UUID, at time.Time) (*ResolvedPlan, error)

	// Grant records a plan starting at the given time.
	Grant(ctx context.Context, userID uuid.UUID, planCode string, at time.Time) (*domain.Entitlement, error)

	// GrantOnce records a plan bought by the given payment. It reports
	// false, with a nil entitlement, when that payment was already granted.
	GrantOnce(ctx context.Context, userID uuid.UUID, planCode, reference string, at time.Time) (*domain.Entitlement, bool, error)
}

// =============================================================================
// Implementation
// =============================================================================

type entitlementResolver struct {
	store  repository.EntitlementStore
	logger *slog.Logger
}

// NewEntitlementResolver creates a new EntitlementResolver.
func NewEntitlementResolver(store repository.EntitlementStore, logger *slog.Logger) EntitlementResolver {
	return &entitlementResolver{
		store:  store,
		logger: logger,
	}
}

func (r *entitlementResolver) Resolve(ctx context.Context, userID uuid.UUID, at time.Time) (*ResolvedPlan, error) {
	const op = "entitlement.resolve"

	ent, err := r.store.ActiveEntitlement(ctx, userID, at)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NoActiveEntitlement(op)
		}
		return nil, domain.Internal(err, op, "failed to load entitlement")
	}

	return &ResolvedPlan{
		PlanCode:          ent.PlanCode,
		PlanName:          ent.PlanName,
		DailyLimitMinutes: ent.DailyMinutes,
		ExpiresAt:         ent.ExpiresAt,
	}, nil
}

func (r *entitlementResolver) Grant(ctx context.Context, userID uuid.UUID, planCode string, at time.Time) (*domain.Entitlement, error) {
	const op = "entitlement.grant"

	ent, _, err := r.grant(ctx, op, userID, planCode, "", at)
	return ent, err
}

func (r *entitlementResolver) GrantOnce(ctx context.Context, userID uuid.UUID, planCode, reference string, at time.Time) (*domain.Entitlement, bool, error) {
	const op = "entitlement.grant_once"

	if reference == "" {
		return nil, false, domain.Invalid(op, "payment reference is required")
	}
	return r.grant(ctx, op, userID, planCode, reference, at)
}

func (r *entitlementResolver) grant(ctx context.Context, op string, userID uuid.UUID, planCode, reference string, at time.Time) (*domain.Entitlement, bool, error) {
	plan, ok := domain.LookupPlan(planCode)
	if !ok {
		return nil, false, domain.Invalid(op, "unknown plan code")
	}

	ent := domain.NewEntitlement(userID, plan, at)
	ent.ProviderReference = reference
	if err := r.store.CreateEntitlement(ctx, ent); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			r.logger.Info("plan already granted", "user_id", userID, "reference", reference)
			return nil, false, nil
		}
		return nil, false, domain.Internal(err, op, "failed to save entitlement")
	}

	r.logger.Info("plan granted",
		"user_id", userID,
		"plan", plan.Code,
		"reference", reference,
		"expires_at", ent.ExpiresAt,
	)
	return ent, true, nil
}
