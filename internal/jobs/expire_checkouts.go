// Package jobs contains the recurring background jobs run by the worker.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/lingocoach/internal/service"
)

// JobTypeExpireCheckouts identifies the stale checkout sweep.
const JobTypeExpireCheckouts = "expire_checkouts"

// ExpireCheckoutsHandler releases slots held by bookings whose payment page
// was abandoned. Stripe's own expiry webhook normally does this; the sweep
// covers lost or delayed deliveries.
type ExpireCheckoutsHandler struct {
	checkout  service.CheckoutService
	olderThan time.Duration
	logger    *slog.Logger
}

// NewExpireCheckoutsHandler creates the sweep. A zero olderThan uses the
// checkout service's configured window.
func NewExpireCheckoutsHandler(
	checkout service.CheckoutService,
	olderThan time.Duration,
	logger *slog.Logger,
) *ExpireCheckoutsHandler {
	return &ExpireCheckoutsHandler{
		checkout:  checkout,
		olderThan: olderThan,
		logger:    logger,
	}
}

// Type returns the job type identifier.
func (h *ExpireCheckoutsHandler) Type() string {
	return JobTypeExpireCheckouts
}

// Handle runs one sweep.
func (h *ExpireCheckoutsHandler) Handle(ctx context.Context) error {
	n, err := h.checkout.ExpireStale(ctx, h.olderThan)
	if n > 0 {
		h.logger.Info("Expired stale checkouts", "count", n)
	}
	if err != nil {
		return fmt.Errorf("expire stale checkouts: %w", err)
	}
	return nil
}
