// Package ledger tracks per-tenant, per-period quota: committed usage plus
// time-boxed reservations held during job execution. Every mutation preserves
// used_units + held_units <= limit_units for its scope.
package ledger

import (
	"context"
	"errors"
	"time"

	"quota-dispatch/internal/models"
)

var (
	// ErrInsufficientQuota rejects a reserve that would exceed the period limit.
	ErrInsufficientQuota = errors.New("ledger: insufficient quota")
	// ErrAlreadySettled rejects commit/rollback on a reservation that reached a
	// different terminal state (expired, or the opposite settlement).
	ErrAlreadySettled = errors.New("ledger: reservation already settled")
	// ErrReservationNotFound is returned for unknown reservation ids.
	ErrReservationNotFound = errors.New("ledger: reservation not found")
)

// Settlement reports the outcome of a commit or rollback. Repeated settlements
// of the same kind are no-ops that return the prior result with Repeated set.
type Settlement struct {
	ReservationID  string
	State          string
	CommittedUnits int64
	ReleasedUnits  int64
	Repeated       bool
}

// Ledger is the quota accounting contract shared by the Postgres and in-memory
// drivers. All mutations on one (tenant, period) scope are serialized by the
// implementation.
type Ledger interface {
	// Check reports whether a reserve of requestedUnits would currently be
	// allowed, without mutating anything. Advisory only: Reserve re-verifies
	// under the scope lock.
	Check(ctx context.Context, tenantID, periodID string, requestedUnits int64) (available int64, allowed bool, err error)
	// Reserve atomically verifies used+held+units <= limit and creates a held
	// reservation. The scope row is provisioned with the default limit on first use.
	Reserve(ctx context.Context, tenantID, periodID string, units int64, ttl time.Duration) (models.Reservation, error)
	// Commit moves min(actualUnits, reserved) from held to used and releases the
	// remainder. Idempotent for already-committed reservations.
	Commit(ctx context.Context, reservationID string, actualUnits int64) (Settlement, error)
	// Rollback releases the full hold without touching used units. Idempotent for
	// already-rolled-back reservations.
	Rollback(ctx context.Context, reservationID string) (Settlement, error)
	// ExpireDue force-expires held reservations past their TTL and returns them so
	// callers can fail the attached jobs.
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	// Snapshot is a read-only view of one scope; it never mutates state.
	Snapshot(ctx context.Context, tenantID, periodID string) (models.QuotaSnapshot, error)
	// SetLimit upserts the period budget for a scope.
	SetLimit(ctx context.Context, tenantID, periodID string, limitUnits int64) error
}

func committedPortion(actual, reserved int64) (committed, released int64) {
	committed = actual
	if committed > reserved {
		committed = reserved
	}
	if committed < 0 {
		committed = 0
	}
	return committed, reserved - committed
}
