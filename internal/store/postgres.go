package store

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

// ErrJobNotFound is returned when a job id resolves to nothing.
var ErrJobNotFound = errors.New("store: job not found")

// Store wraps pgxpool for Postgres persistence of jobs and receipts.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool so the Postgres ledger can share it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	IdempotencyKey string
	TenantID       string
	PeriodID       string
	Pipeline       string
	PayloadRef     string
	ReservationID  string
	EstimatedUnits int64
	MaxAttempts    int
	Callback       models.CallbackConfig
}

// CreateJob inserts a job row with a single conditional insert on the unique
// idempotency key. The boolean reports whether this call created the row; when
// false, the returned job is the existing winner of the race.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, idempotency_key, tenant_id, period_id, pipeline, payload_ref,
			status, reservation_id, estimated_units, attempts, max_attempts,
			channel, fallback_channel, recipient, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, p.IdempotencyKey, p.TenantID, p.PeriodID, p.Pipeline, p.PayloadRef,
		models.StatusQueued, p.ReservationID, p.EstimatedUnits, p.MaxAttempts,
		p.Callback.Channel, p.Callback.FallbackChannel, p.Callback.Recipient, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
		}
		return existing, false, nil
	}

	resID := p.ReservationID
	return models.Job{
		ID:             id,
		IdempotencyKey: p.IdempotencyKey,
		TenantID:       p.TenantID,
		PeriodID:       p.PeriodID,
		Pipeline:       p.Pipeline,
		PayloadRef:     p.PayloadRef,
		Status:         models.StatusQueued,
		ReservationID:  &resID,
		EstimatedUnits: p.EstimatedUnits,
		MaxAttempts:    p.MaxAttempts,
		Callback:       p.Callback,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, true, nil
}

const jobColumns = `
	id, idempotency_key, tenant_id, period_id, pipeline, payload_ref, status,
	reservation_id, estimated_units, actual_units, result_ref, attempts, max_attempts,
	failure_reason, channel, fallback_channel, recipient,
	created_at, started_at, finished_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var reservationID, resultRef, failReason pgtype.Text
	var actualUnits pgtype.Int8
	var startedAt, finishedAt pgtype.Timestamptz
	err := row.Scan(&job.ID, &job.IdempotencyKey, &job.TenantID, &job.PeriodID,
		&job.Pipeline, &job.PayloadRef, &job.Status, &reservationID,
		&job.EstimatedUnits, &actualUnits, &resultRef, &job.Attempts, &job.MaxAttempts,
		&failReason, &job.Callback.Channel, &job.Callback.FallbackChannel, &job.Callback.Recipient,
		&job.CreatedAt, &startedAt, &finishedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ReservationID = textPtr(reservationID)
	job.ResultRef = textPtr(resultRef)
	job.FailureReason = textPtr(failReason)
	if actualUnits.Valid {
		job.ActualUnits = &actualUnits.Int64
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// FindByIdempotencyKey returns the job bound to the key if present.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key))
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// FindByReservation locates the non-terminal job holding a reservation, used by
// the expiry sweep to fail abandoned work.
func (s *Store) FindByReservation(ctx context.Context, reservationID string) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+` FROM jobs
		WHERE reservation_id = $1 AND status IN ($2, $3)
	`, reservationID, models.StatusQueued, models.StatusRunning))
	if errors.Is(err, ErrJobNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MarkRunning transitions queued -> running, stamping started_at exactly once.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusRunning)
	return err
}

// MarkSucceeded records the execution outcome and detaches the settled reservation.
func (s *Store) MarkSucceeded(ctx context.Context, id string, actualUnits int64, resultRef string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, actual_units = $3, result_ref = $4, reservation_id = NULL,
			failure_reason = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusSucceeded, actualUnits, emptyToNil(resultRef))
	return err
}

// MarkFailed records a terminal failure and detaches the settled reservation.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, failure_reason = $3, reservation_id = NULL,
			finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, reason)
	return err
}

// UpdateAttempts bumps the attempt counter after a transient failure and puts
// the job back in queued state for its scheduled retry.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, reason)
	return err
}

// MarkDelivered transitions succeeded/failed -> delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDelivered)
	return err
}

// MarkDeliveryFailed transitions to delivery_failed once retries are exhausted.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, failure_reason = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDeliveryFailed, reason)
	return err
}

// SaveReceipt writes the terminal delivery receipt for a job. Receipts are
// immutable; a second write for the same job is rejected by the primary key.
func (s *Store) SaveReceipt(ctx context.Context, r models.DeliveryReceipt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_receipts (job_id, channel, attempted_channel, status, error_reason, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.JobID, r.Channel, r.AttemptedChannel, r.Status, r.ErrorReason, r.DeliveredAt)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// GetReceipt returns the receipt for a job if delivery has reached a terminal state.
func (s *Store) GetReceipt(ctx context.Context, jobID string) (models.DeliveryReceipt, bool, error) {
	var (
		r      models.DeliveryReceipt
		reason pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, channel, attempted_channel, status, error_reason, delivered_at
		FROM delivery_receipts WHERE job_id = $1
	`, jobID).Scan(&r.JobID, &r.Channel, &r.AttemptedChannel, &r.Status, &reason, &r.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeliveryReceipt{}, false, nil
	}
	if err != nil {
		return models.DeliveryReceipt{}, false, fmt.Errorf("query receipt: %w", err)
	}
	r.ErrorReason = textPtr(reason)
	return r, true, nil
}

// AppendDeliveryAttempt logs one delivery attempt behind the eventual receipt.
func (s *Store) AppendDeliveryAttempt(ctx context.Context, a models.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (job_id, attempt, channel, mode, ok, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.JobID, a.Attempt, a.Channel, a.Mode, a.OK, a.Error, a.At)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
