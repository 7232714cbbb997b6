package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"quota-dispatch/internal/models"
)

// Postgres implements Ledger on top of pgx. Scope rows are serialized with
// SELECT ... FOR UPDATE so concurrent reservations from multiple dispatchers
// cannot overcommit a period.
type Postgres struct {
	pool         *pgxpool.Pool
	defaultLimit int64
}

// NewPostgres wraps an existing pool. defaultLimit provisions scope rows the
// first time a tenant/period is seen.
func NewPostgres(pool *pgxpool.Pool, defaultLimit int64) *Postgres {
	return &Postgres{pool: pool, defaultLimit: defaultLimit}
}

func (l *Postgres) Check(ctx context.Context, tenantID, periodID string, requestedUnits int64) (int64, bool, error) {
	snap, err := l.Snapshot(ctx, tenantID, periodID)
	if err != nil {
		return 0, false, err
	}
	return snap.AvailableUnits, requestedUnits <= snap.AvailableUnits, nil
}

func (l *Postgres) Reserve(ctx context.Context, tenantID, periodID string, units int64, ttl time.Duration) (models.Reservation, error) {
	if units <= 0 {
		return models.Reservation{}, fmt.Errorf("reserve: units must be positive, got %d", units)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO quota_ledger (tenant_id, period_id, limit_units, used_units, held_units)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (tenant_id, period_id) DO NOTHING
	`, tenantID, periodID, l.defaultLimit)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("provision ledger scope: %w", err)
	}

	var limit, used, held int64
	err = tx.QueryRow(ctx, `
		SELECT limit_units, used_units, held_units FROM quota_ledger
		WHERE tenant_id = $1 AND period_id = $2
		FOR UPDATE
	`, tenantID, periodID).Scan(&limit, &used, &held)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("lock ledger scope: %w", err)
	}

	if used+held+units > limit {
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

	if _, err := tx.Exec(ctx, `
		UPDATE quota_ledger SET held_units = held_units + $3
		WHERE tenant_id = $1 AND period_id = $2
	`, tenantID, periodID, units); err != nil {
		return models.Reservation{}, fmt.Errorf("increment held units: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations (id, tenant_id, period_id, reserved_units, state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ID, res.TenantID, res.PeriodID, res.ReservedUnits, res.State, res.ExpiresAt, res.CreatedAt); err != nil {
		return models.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("commit reserve: %w", err)
	}
	return res, nil
}

func (l *Postgres) Commit(ctx context.Context, reservationID string, actualUnits int64) (Settlement, error) {
	return l.settle(ctx, reservationID, models.ReservationCommitted, actualUnits)
}

func (l *Postgres) Rollback(ctx context.Context, reservationID string) (Settlement, error) {
	return l.settle(ctx, reservationID, models.ReservationRolledBack, 0)
}

// settle drives both commit and rollback: lock the reservation, decide
// idempotent repeat vs conflict, then adjust the scope row.
func (l *Postgres) settle(ctx context.Context, reservationID, target string, actualUnits int64) (Settlement, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Settlement{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		tenantID, periodID, state string
		reserved                  int64
		committed                 pgtype.Int8
	)
	err = tx.QueryRow(ctx, `
		SELECT tenant_id, period_id, state, reserved_units, committed_units
		FROM reservations WHERE id = $1
		FOR UPDATE
	`, reservationID).Scan(&tenantID, &periodID, &state, &reserved, &committed)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, ErrReservationNotFound
	}
	if err != nil {
		return Settlement{}, fmt.Errorf("lock reservation: %w", err)
	}

	if state != models.ReservationHeld {
		if state == target {
			return Settlement{
				ReservationID:  reservationID,
				State:          state,
				CommittedUnits: committed.Int64,
				ReleasedUnits:  reserved - committed.Int64,
				Repeated:       true,
			}, nil
		}
		return Settlement{}, ErrAlreadySettled
	}

	commitUnits, released := int64(0), reserved
	if target == models.ReservationCommitted {
		commitUnits, released = committedPortion(actualUnits, reserved)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_ledger
		SET held_units = held_units - $3, used_units = used_units + $4
		WHERE tenant_id = $1 AND period_id = $2
	`, tenantID, periodID, reserved, commitUnits); err != nil {
		return Settlement{}, fmt.Errorf("settle ledger scope: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET state = $2, committed_units = $3, settled_at = NOW()
		WHERE id = $1
	`, reservationID, target, commitUnits); err != nil {
		return Settlement{}, fmt.Errorf("settle reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, fmt.Errorf("commit settle: %w", err)
	}
	return Settlement{
		ReservationID:  reservationID,
		State:          target,
		CommittedUnits: commitUnits,
		ReleasedUnits:  released,
	}, nil
}

func (l *Postgres) ExpireDue(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, tenant_id, period_id, reserved_units, expires_at, created_at
		FROM reservations
		WHERE state = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, models.ReservationHeld, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due reservations: %w", err)
	}

	var expired []models.Reservation
	for rows.Next() {
		var r models.Reservation
		if err := rows.Scan(&r.ID, &r.TenantID, &r.PeriodID, &r.ReservedUnits, &r.ExpiresAt, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		r.State = models.ReservationExpired
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due reservations: %w", err)
	}

	for _, r := range expired {
		if _, err := tx.Exec(ctx, `
			UPDATE quota_ledger SET held_units = held_units - $3
			WHERE tenant_id = $1 AND period_id = $2
		`, r.TenantID, r.PeriodID, r.ReservedUnits); err != nil {
			return nil, fmt.Errorf("release expired hold: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE reservations SET state = $2, settled_at = NOW() WHERE id = $1
		`, r.ID, models.ReservationExpired); err != nil {
			return nil, fmt.Errorf("mark reservation expired: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit expiry: %w", err)
	}
	return expired, nil
}

func (l *Postgres) Snapshot(ctx context.Context, tenantID, periodID string) (models.QuotaSnapshot, error) {
	snap := models.QuotaSnapshot{TenantID: tenantID, PeriodID: periodID, LimitUnits: l.defaultLimit}
	err := l.pool.QueryRow(ctx, `
		SELECT limit_units, used_units, held_units FROM quota_ledger
		WHERE tenant_id = $1 AND period_id = $2
	`, tenantID, periodID).Scan(&snap.LimitUnits, &snap.UsedUnits, &snap.HeldUnits)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaSnapshot{}, fmt.Errorf("query ledger scope: %w", err)
	}
	snap.AvailableUnits = snap.LimitUnits - snap.UsedUnits - snap.HeldUnits
	return snap, nil
}

func (l *Postgres) SetLimit(ctx context.Context, tenantID, periodID string, limitUnits int64) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO quota_ledger (tenant_id, period_id, limit_units, used_units, held_units)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (tenant_id, period_id) DO UPDATE SET limit_units = EXCLUDED.limit_units
	`, tenantID, periodID, limitUnits)
	if err != nil {
		return fmt.Errorf("set limit: %w", err)
	}
	return nil
}
