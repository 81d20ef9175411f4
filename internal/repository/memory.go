package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/DukeRupert/lingocoach/internal/domain"
	"github.com/google/uuid"
)

// Memory is an in-process Store. Updates to one quota record or booking are
// serialised by a per-key mutex; different keys never contend.
type Memory struct {
	quotaLocks   keyedMutex
	bookingLocks keyedMutex

	mu           sync.Mutex // guards the maps below
	quotas       map[uuid.UUID]domain.QuotaRecord
	usage        map[uuid.UUID][]domain.UsageEvent
	credits      map[string]domain.TopupCredit
	entitlements map[uuid.UUID][]domain.Entitlement
	learners     map[uuid.UUID]domain.LearnerProfile
	coaches      map[uuid.UUID]domain.CoachProfile
	hours        map[uuid.UUID][]domain.WorkingHours
	blocked      map[uuid.UUID][]domain.BlockedPeriod
	bookings     map[uuid.UUID]domain.Booking
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		quotas:       make(map[uuid.UUID]domain.QuotaRecord),
		usage:        make(map[uuid.UUID][]domain.UsageEvent),
		credits:      make(map[string]domain.TopupCredit),
		entitlements: make(map[uuid.UUID][]domain.Entitlement),
		learners:     make(map[uuid.UUID]domain.LearnerProfile),
		coaches:      make(map[uuid.UUID]domain.CoachProfile),
		hours:        make(map[uuid.UUID][]domain.WorkingHours),
		blocked:      make(map[uuid.UUID][]domain.BlockedPeriod),
		bookings:     make(map[uuid.UUID]domain.Booking),
	}
}

var _ Store = (*Memory)(nil)

// =============================================================================
// Quotas
// =============================================================================

func (m *Memory) GetQuota(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &q, nil
}

func (m *Memory) CreateQuota(ctx context.Context, q *domain.QuotaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.quotas[q.UserID]; ok {
		return ErrConflict
	}
	rec := *q
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.quotas[q.UserID] = rec
	q.Version = rec.Version
	return nil
}

func (m *Memory) UpdateQuota(ctx context.Context, userID uuid.UUID, fn QuotaUpdateFunc) (*domain.QuotaRecord, error) {
	unlock := m.quotaLocks.lock(userID.String())
	defer unlock()

	m.mu.Lock()
	q, ok := m.quotas[userID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	change, err := fn(&q)
	if err != nil {
		return nil, err
	}
	if change.NoOp {
		return &q, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c := change.Credit; c != nil {
		if _, dup := m.credits[c.ProviderReference]; dup {
			return nil, ErrDuplicate
		}
		m.credits[c.ProviderReference] = *c
	}
	q.Version++
	m.quotas[userID] = q
	if change.Usage != nil {
		m.usage[userID] = append(m.usage[userID], *change.Usage)
	}
	return &q, nil
}

func (m *Memory) ListUsageEvents(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.usage[userID]
	out := make([]domain.UsageEvent, 0, min(len(events), limit))
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

// =============================================================================
// Entitlements and learners
// =============================================================================

func (m *Memory) ActiveEntitlement(ctx context.Context, userID uuid.UUID, at time.Time) (*domain.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.Entitlement
	for i := range m.entitlements[userID] {
		e := m.entitlements[userID][i]
		if !e.ActiveAt(at) {
			continue
		}
		if best == nil || e.StartsAt.After(best.StartsAt) {
			best = &e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *Memory) CreateEntitlement(ctx context.Context, e *domain.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ProviderReference != "" {
		for _, grants := range m.entitlements {
			for _, g := range grants {
				if g.ProviderReference == e.ProviderReference {
					return ErrDuplicate
				}
			}
		}
	}
	m.entitlements[e.UserID] = append(m.entitlements[e.UserID], *e)
	return nil
}

func (m *Memory) GetLearnerProfile(ctx context.Context, userID uuid.UUID) (*domain.LearnerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.learners[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// SaveLearnerProfile inserts or replaces a learner profile.
func (m *Memory) SaveLearnerProfile(p domain.LearnerProfile) {
	m.mu.Lock()
	m.learners[p.UserID] = p
	m.mu.Unlock()
}

// =============================================================================
// Coaches
// =============================================================================

func (m *Memory) GetCoach(ctx context.Context, coachID uuid.UUID) (*domain.CoachProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coaches[coachID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) WorkingHours(ctx context.Context, coachID uuid.UUID) ([]domain.WorkingHours, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.hours[coachID]), nil
}

func (m *Memory) BlockedPeriods(ctx context.Context, coachID uuid.UUID, from, to time.Time) ([]domain.BlockedPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.BlockedPeriod
	for _, p := range m.blocked[coachID] {
		if p.Overlaps(from, to) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SaveCoach inserts or replaces a coach profile.
func (m *Memory) SaveCoach(c domain.CoachProfile) {
	m.mu.Lock()
	m.coaches[c.ID] = c
	m.mu.Unlock()
}

// SetWorkingHours replaces a coach's weekly schedule.
func (m *Memory) SetWorkingHours(coachID uuid.UUID, hours []domain.WorkingHours) {
	m.mu.Lock()
	m.hours[coachID] = slices.Clone(hours)
	m.mu.Unlock()
}

// AddBlockedPeriod takes time off a coach's calendar.
func (m *Memory) AddBlockedPeriod(p domain.BlockedPeriod) {
	m.mu.Lock()
	m.blocked[p.CoachID] = append(m.blocked[p.CoachID], p)
	m.mu.Unlock()
}

// =============================================================================
// Bookings
// =============================================================================

func (m *Memory) CreateBooking(ctx context.Context, b *domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[b.ID]; ok {
		return ErrConflict
	}
	if b.Status.HoldsSlot() {
		for _, other := range m.bookings {
			if other.CoachID == b.CoachID && other.Status.HoldsSlot() && other.ScheduledAt.Equal(b.ScheduledAt) {
				return ErrConflict
			}
		}
	}
	m.bookings[b.ID] = *b
	return nil
}

func (m *Memory) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *Memory) UpdateBooking(ctx context.Context, id uuid.UUID, fn BookingUpdateFunc) (*domain.Booking, error) {
	unlock := m.bookingLocks.lock(id.String())
	defer unlock()

	m.mu.Lock()
	b, ok := m.bookings[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	changed, err := fn(&b)
	if err != nil {
		return nil, err
	}
	if changed {
		m.mu.Lock()
		m.bookings[id] = b
		m.mu.Unlock()
	}
	return &b, nil
}

func (m *Memory) ActiveBookingsForCoach(ctx context.Context, coachID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Booking
	for _, b := range m.bookings {
		if b.CoachID == coachID && b.Status.HoldsSlot() && b.Overlaps(from, to) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b domain.Booking) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return out, nil
}

func (m *Memory) StalePendingBookings(ctx context.Context, cutoff time.Time, limit int) ([]domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Booking
	for _, b := range m.bookings {
		if b.Status == domain.BookingStatusPending && b.CreatedAt.Before(cutoff) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b domain.Booking) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Keyed mutex
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// lock blocks until key is free and returns its release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
