package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quota-dispatch/internal/models"
)

type memScope struct {
	limit int64
	used  int64
	held  int64
}

type memReservation struct {
	models.Reservation
	committedUnits int64
}

// Memory is a mutex-guarded Ledger for local development (LEDGER_DRIVER=memory)
// and tests. Semantics mirror the Postgres driver exactly.
type Memory struct {
	mu           sync.Mutex
	defaultLimit int64
	scopes       map[string]*memScope
	reservations map[string]*memReservation
}

func NewMemory(defaultLimit int64) *Memory {
	return &Memory{
		defaultLimit: defaultLimit,
		scopes:       make(map[string]*memScope),
		reservations: make(map[string]*memReservation),
	}
}

func scopeKey(tenantID, periodID string) string {
	return tenantID + "/" + periodID
}

func (l *Memory) scope(tenantID, periodID string) *memScope {
	key := scopeKey(tenantID, periodID)
	s, ok := l.scopes[key]
	if !ok {
		s = &memScope{limit: l.defaultLimit}
		l.scopes[key] = s
	}
	return s
}

func (l *Memory) Check(ctx context.Context, tenantID, periodID string, requestedUnits int64) (int64, bool, error) {
	snap, err := l.Snapshot(ctx, tenantID, periodID)
	if err != nil {
		return 0, false, err
	}
	return snap.AvailableUnits, requestedUnits <= snap.AvailableUnits, nil
}

func (l *Memory) Reserve(_ context.Context, tenantID, periodID string, units int64, ttl time.Duration) (models.Reservation, error) {
	if units <= 0 {
		return models.Reservation{}, fmt.Errorf("reserve: units must be positive, got %d", units)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.scope(tenantID, periodID)
	if s.used+s.held+units > s.limit {
		return models.Reservation{}, ErrInsufficientQuota
	}

	now := time.Now().UTC()
	res := models.Reservation{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		PeriodID:      periodID,
		ReservedUnits: units,
		State:         models.ReservationHeld,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	s.held += units
	l.reservations[res.ID] = &memReservation{Reservation: res}
	return res, nil
}

func (l *Memory) Commit(_ context.Context, reservationID string, actualUnits int64) (Settlement, error) {
	return l.settle(reservationID, models.ReservationCommitted, actualUnits)
}

func (l *Memory) Rollback(_ context.Context, reservationID string) (Settlement, error) {
	return l.settle(reservationID, models.ReservationRolledBack, 0)
}

func (l *Memory) settle(reservationID, target string, actualUnits int64) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[reservationID]
	if !ok {
		return Settlement{}, ErrReservationNotFound
	}
	if r.State != models.ReservationHeld {
		if r.State == target {
			return Settlement{
				ReservationID:  reservationID,
				State:          r.State,
				CommittedUnits: r.committedUnits,
				ReleasedUnits:  r.ReservedUnits - r.committedUnits,
				Repeated:       true,
			}, nil
		}
		return Settlement{}, ErrAlreadySettled
	}

	commitUnits, released := int64(0), r.ReservedUnits
	if target == models.ReservationCommitted {
		commitUnits, released = committedPortion(actualUnits, r.ReservedUnits)
	}

	s := l.scope(r.TenantID, r.PeriodID)
	s.held -= r.ReservedUnits
	s.used += commitUnits

	now := time.Now().UTC()
	r.State = target
	r.committedUnits = commitUnits
	r.SettledAt = &now

	return Settlement{
		ReservationID:  reservationID,
		State:          target,
		CommittedUnits: commitUnits,
		ReleasedUnits:  released,
	}, nil
}

func (l *Memory) ExpireDue(_ context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []*memReservation
	for _, r := range l.reservations {
		if r.State == models.ReservationHeld && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	expired := make([]models.Reservation, 0, len(due))
	for _, r := range due {
		s := l.scope(r.TenantID, r.PeriodID)
		s.held -= r.ReservedUnits
		settled := time.Now().UTC()
		r.State = models.ReservationExpired
		r.SettledAt = &settled
		expired = append(expired, r.Reservation)
	}
	return expired, nil
}

func (l *Memory) Snapshot(_ context.Context, tenantID, periodID string) (models.QuotaSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := models.QuotaSnapshot{TenantID: tenantID, PeriodID: periodID, LimitUnits: l.defaultLimit}
	if s, ok := l.scopes[scopeKey(tenantID, periodID)]; ok {
		snap.LimitUnits, snap.UsedUnits, snap.HeldUnits = s.limit, s.used, s.held
	}
	snap.AvailableUnits = snap.LimitUnits - snap.UsedUnits - snap.HeldUnits
	return snap, nil
}

func (l *Memory) SetLimit(_ context.Context, tenantID, periodID string, limitUnits int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scope(tenantID, periodID).limit = limitUnits
	return nil
}
