package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Postgres is a Store backed by PostgreSQL through database/sql and the
// pgx stdlib driver. Quota and booking updates lock the row with
// SELECT ... FOR UPDATE inside a transaction.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// withTx runs fn in a transaction, committing on success.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// Quotas
// =============================================================================

const quotaColumns = `user_id, plan_name, daily_limit_minutes, daily_used_minutes,
	topup_remaining_minutes, last_reset_at, version, created_at, updated_at, access_expires_at`

func scanQuota(row rowScanner) (*domain.QuotaRecord, error) {
	var (
		q         domain.QuotaRecord
		expiresAt sql.NullTime
	)
	err := row.Scan(&q.UserID, &q.PlanName, &q.DailyLimitMinutes, &q.DailyUsedMinutes,
		&q.TopupRemainingMinutes, &q.LastResetAt, &q.Version, &q.CreatedAt, &q.UpdatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		q.AccessExpiresAt = expiresAt.Time
	}
	return &q, nil
}

func (p *Postgres) GetQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM ai_quotas WHERE user_id = $1`, userID)
	return scanQuota(row)
}

func (p *Postgres) CreateQuota(ctx context.Context, q *domain.QuotaRecord) error {
	if q.Version == 0 {
		q.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ai_quotas (`+quotaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		q.UserID, q.PlanName, q.DailyLimitMinutes, q.DailyUsedMinutes,
		q.TopupRemainingMinutes, q.LastResetAt, q.Version, q.CreatedAt, q.UpdatedAt,
		nullTimeUnlessZero(q.AccessExpiresAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) UpdateQuota(ctx context.Context, userID uuid.UUID, fn QuotaUpdateFunc) (*domain.QuotaRecord, error) {
	var out *domain.QuotaRecord

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM ai_quotas WHERE user_id = $1 FOR UPDATE`, userID)
		q, err := scanQuota(row)
		if err != nil {
			return err
		}

		change, err := fn(q)
		if err != nil {
			return err
		}
		out = q
		if change.NoOp {
			return nil
		}

		if c := change.Credit; c != nil {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO topup_credits (provider_reference, user_id, minutes, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (provider_reference) DO NOTHING`,
				c.ProviderReference, c.UserID, c.Minutes, c.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert topup credit: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrDuplicate
			}
		}

		q.Version++
		_, err = tx.ExecContext(ctx, `
			UPDATE ai_quotas
			SET plan_name = $2, daily_limit_minutes = $3, daily_used_minutes = $4,
			    topup_remaining_minutes = $5, last_reset_at = $6, version = $7, updated_at = $8,
			    access_expires_at = $9
			WHERE user_id = $1`,
			q.UserID, q.PlanName, q.DailyLimitMinutes, q.DailyUsedMinutes,
			q.TopupRemainingMinutes, q.LastResetAt, q.Version, q.UpdatedAt,
			nullTimeUnlessZero(q.AccessExpiresAt))
		if err != nil {
			return fmt.Errorf("update quota: %w", err)
		}

		if e := change.Usage; e != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ai_usage_events (id, user_id, minutes, from_daily, from_topup, source,
					daily_remaining_after, topup_remaining_after, conversation_type, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				e.ID, e.UserID, e.Minutes, e.FromDaily, e.FromTopup, string(e.Source),
				e.DailyRemainingAfter, e.TopupRemainingAfter, e.ConversationType, e.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert usage event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) ListUsageEvents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, minutes, from_daily, from_topup, source,
		       daily_remaining_after, topup_remaining_after, conversation_type, created_at
		FROM ai_usage_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UsageEvent
	for rows.Next() {
		var e domain.UsageEvent
		var source string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Minutes, &e.FromDaily, &e.FromTopup, &source,
			&e.DailyRemainingAfter, &e.TopupRemainingAfter, &e.ConversationType, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Source = domain.UsageSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// Entitlements and learners
// =============================================================================

func (p *Postgres) ActiveEntitlement(ctx context.Context, userID uuid.UUID, at time.Time) (*domain.Entitlement, error) {
	var (
		e   domain.Entitlement
		ref sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan_code, plan_name, daily_minutes, starts_at, expires_at, created_at, provider_reference
		FROM entitlements
		WHERE user_id = $1 AND starts_at <= $2 AND expires_at > $2
		ORDER BY starts_at DESC
		LIMIT 1`, userID, at).
		Scan(&e.ID, &e.UserID, &e.PlanCode, &e.PlanName, &e.DailyMinutes, &e.StartsAt, &e.ExpiresAt, &e.CreatedAt, &ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ProviderReference = ref.String
	return &e, nil
}

func (p *Postgres) CreateEntitlement(ctx context.Context, e *domain.Entitlement) error {
	ref := sql.NullString{String: e.ProviderReference, Valid: e.ProviderReference != ""}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entitlements (id, user_id, plan_code, plan_name, daily_minutes, starts_at, expires_at, created_at, provider_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, e.PlanCode, e.PlanName, e.DailyMinutes, e.StartsAt, e.ExpiresAt, e.CreatedAt, ref)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) GetLearnerProfile(ctx context.Context, userID uuid.UUID) (*domain.LearnerProfile, error) {
	var lp domain.LearnerProfile
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, onboarding_completed
		FROM learner_profiles WHERE user_id = $1`, userID).
		Scan(&lp.UserID, &lp.DisplayName, &lp.OnboardingCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lp, nil
}

// =============================================================================
// Coaches
// =============================================================================

func (p *Postgres) GetCoach(ctx context.Context, coachID uuid.UUID) (*domain.CoachProfile, error) {
	var c domain.CoachProfile
	err := p.db.QueryRowContext(ctx, `
		SELECT id, display_name, trial_rate_cents, hourly_rate_cents, currency
		FROM coaches WHERE id = $1`, coachID).
		Scan(&c.ID, &c.DisplayName, &c.TrialRateCents, &c.HourlyRateCents, &c.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) WorkingHours(ctx context.Context, coachID uuid.UUID) ([]domain.WorkingHours, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT coach_id, weekday, start_minute, end_minute
		FROM coach_working_hours
		WHERE coach_id = $1
		ORDER BY weekday, start_minute`, coachID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkingHours
	for rows.Next() {
		var h domain.WorkingHours
		var weekday int16
		if err := rows.Scan(&h.CoachID, &weekday, &h.StartMinute, &h.EndMinute); err != nil {
			return nil, err
		}
		h.Weekday = time.Weekday(weekday)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) BlockedPeriods(ctx context.Context, coachID uuid.UUID, from, to time.Time) ([]domain.BlockedPeriod, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, coach_id, starts_at, ends_at, reason
		FROM coach_blocked_periods
		WHERE coach_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at`, coachID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BlockedPeriod
	for rows.Next() {
		var bp domain.BlockedPeriod
		if err := rows.Scan(&bp.ID, &bp.CoachID, &bp.StartsAt, &bp.EndsAt, &bp.Reason); err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// =============================================================================
// Bookings
// =============================================================================

const bookingColumns = `id, learner_id, coach_id, session_type, scheduled_at, duration_minutes,
	price_cents, currency, status, provider_reference, cancel_reason,
	created_at, updated_at, confirmed_at, cancelled_at`

func scanBooking(row rowScanner) (*domain.Booking, error) {
	var b domain.Booking
	var sessionType, status string
	var confirmedAt, cancelledAt sql.NullTime
	err := row.Scan(&b.ID, &b.LearnerID, &b.CoachID, &sessionType, &b.ScheduledAt, &b.DurationMinutes,
		&b.PriceCents, &b.Currency, &status, &b.ProviderReference, &b.CancelReason,
		&b.CreatedAt, &b.UpdatedAt, &confirmedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.SessionType = domain.SessionType(sessionType)
	b.Status = domain.BookingStatus(status)
	if confirmedAt.Valid {
		b.ConfirmedAt = &confirmedAt.Time
	}
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.Time
	}
	return &b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeUnlessZero(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *Postgres) CreateBooking(ctx context.Context, b *domain.Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.LearnerID, b.CoachID, string(b.SessionType), b.ScheduledAt, b.DurationMinutes,
		b.PriceCents, b.Currency, string(b.Status), b.ProviderReference, b.CancelReason,
		b.CreatedAt, b.UpdatedAt, nullTime(b.ConfirmedAt), nullTime(b.CancelledAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (p *Postgres) UpdateBooking(ctx context.Context, id uuid.UUID, fn BookingUpdateFunc) (*domain.Booking, error) {
	var out *domain.Booking

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
		b, err := scanBooking(row)
		if err != nil {
			return err
		}

		changed, err := fn(b)
		if err != nil {
			return err
		}
		out = b
		if !changed {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bookings
			SET status = $2, provider_reference = $3, cancel_reason = $4,
			    updated_at = $5, confirmed_at = $6, cancelled_at = $7
			WHERE id = $1`,
			b.ID, string(b.Status), b.ProviderReference, b.CancelReason,
			b.UpdatedAt, nullTime(b.ConfirmedAt), nullTime(b.CancelledAt))
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) queryBookings(ctx context.Context, query string, args ...any) ([]domain.Booking, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveBookingsForCoach(ctx context.Context, coachID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	return p.queryBookings(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE coach_id = $1
		  AND status IN ('pending_payment', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at`, coachID, from, to)
}

func (p *Postgres) StalePendingBookings(ctx context.Context, cutoff time.Time, limit int) ([]domain.Booking, error) {
	return p.queryBookings(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'pending_payment' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
}
