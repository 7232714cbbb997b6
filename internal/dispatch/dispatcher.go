// Package dispatch orchestrates the submission and completion paths: the
// idempotency check, quota reservation, durable job creation, execution
// handoff, quota settlement, and the single delivery trigger per job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/executor"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/models"
	"quota-dispatch/internal/store"
	"quota-dispatch/internal/telemetry"
)

var (
	// ErrInvalidSubmission rejects requests missing required fields.
	ErrInvalidSubmission = errors.New("dispatch: invalid submission")
)

// JobStore is the slice of the Postgres store the dispatcher needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	FindByReservation(ctx context.Context, reservationID string) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkSucceeded(ctx context.Context, id string, actualUnits int64, resultRef string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, reason string) error
}

// Queue is the execution handoff surface.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	Remove(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, jobID string) error
}

// Deliverer hands a settled job to the delivery router. The dispatcher calls
// it exactly once per job, after quota settlement.
type Deliverer interface {
	Deliver(ctx context.Context, job models.Job)
}

// Dispatcher ties the ledger, job store, and queue together.
type Dispatcher struct {
	cfg       config.Config
	store     JobStore
	ledger    ledger.Ledger
	queue     Queue
	deliverer Deliverer
	log       *zap.Logger
}

func New(cfg config.Config, st JobStore, l ledger.Ledger, q Queue, d Deliverer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, store: st, ledger: l, queue: q, deliverer: d, log: log}
}

// SubmitRequest is the synchronous submission contract.
type SubmitRequest struct {
	IdempotencyKey string
	TenantID       string
	PeriodID       string
	Pipeline       string
	PayloadRef     string
	EstimatedUnits int64
	Callback       models.CallbackConfig
}

// SubmitResult carries the job plus whether the idempotency index answered.
type SubmitResult struct {
	Job       models.Job
	Duplicate bool
}

// Submit implements the exactly-once submission path. A duplicate key returns
// the existing job without a new reservation. Otherwise quota is reserved
// first; only then is the job durably created and enqueued. The loser of a
// concurrent same-key race observes the winner's row and rolls its own
// reservation back.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.IdempotencyKey == "" || req.TenantID == "" || req.PeriodID == "" {
		return SubmitResult{}, fmt.Errorf("%w: idempotency_key, tenant_id and period_id are required", ErrInvalidSubmission)
	}
	if req.EstimatedUnits <= 0 {
		return SubmitResult{}, fmt.Errorf("%w: estimated_units must be positive", ErrInvalidSubmission)
	}

	if existing, found, err := d.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return SubmitResult{}, err
	} else if found {
		telemetry.DuplicateSubmissions.Inc()
		return SubmitResult{Job: existing, Duplicate: true}, nil
	}

	res, err := d.ledger.Reserve(ctx, req.TenantID, req.PeriodID, req.EstimatedUnits, d.cfg.ReservationTTL)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientQuota) {
			telemetry.QuotaRejections.Inc()
		}
		return SubmitResult{}, err
	}

	job, created, err := d.store.CreateJob(ctx, store.CreateJobParams{
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.TenantID,
		PeriodID:       req.PeriodID,
		Pipeline:       req.Pipeline,
		PayloadRef:     req.PayloadRef,
		ReservationID:  res.ID,
		EstimatedUnits: req.EstimatedUnits,
		MaxAttempts:    d.cfg.PipelineMaxRetries + 1,
		Callback:       req.Callback,
	})
	if err != nil {
		d.releaseReservation(ctx, res.ID)
		return SubmitResult{}, err
	}
	if !created {
		// Lost the race on the key. The winner holds its own reservation.
		d.releaseReservation(ctx, res.ID)
		telemetry.DuplicateSubmissions.Inc()
		return SubmitResult{Job: job, Duplicate: true}, nil
	}

	if err := d.queue.Enqueue(ctx, job.ID); err != nil {
		d.releaseReservation(ctx, res.ID)
		if markErr := d.store.MarkFailed(ctx, job.ID, "enqueue_failed"); markErr != nil {
			d.log.Error("mark enqueue failure", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		return SubmitResult{}, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.Submissions.Inc()
	d.log.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", req.TenantID),
		zap.String("period_id", req.PeriodID),
		zap.Int64("estimated_units", req.EstimatedUnits))
	return SubmitResult{Job: job}, nil
}

func (d *Dispatcher) releaseReservation(ctx context.Context, reservationID string) {
	if _, err := d.ledger.Rollback(ctx, reservationID); err != nil && !errors.Is(err, ledger.ErrAlreadySettled) {
		d.log.Error("release reservation", zap.String("reservation_id", reservationID), zap.Error(err))
	}
}

// HandleResult settles quota for one execution attempt and, on a terminal
// outcome, triggers delivery exactly once. Transient errors are retried with
// backoff against the original reservation until attempts run out.
//
// A late result for an already-expired reservation returns
// ledger.ErrAlreadySettled and leaves both ledger and job untouched.
func (d *Dispatcher) HandleResult(ctx context.Context, job models.Job, result executor.Result, execErr error) error {
	if execErr == nil {
		return d.completeSuccess(ctx, job, result)
	}

	attempts := job.Attempts + 1
	if executor.IsTransient(execErr) && attempts < job.MaxAttempts {
		backoff := backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, attempts)
		if err := d.store.UpdateAttempts(ctx, job.ID, attempts, execErr.Error()); err != nil {
			return fmt.Errorf("record retry attempt: %w", err)
		}
		if err := d.queue.Schedule(ctx, job.ID, time.Now().Add(backoff)); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		telemetry.PipelineRetries.Inc()
		d.log.Warn("pipeline transient failure, retry scheduled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(execErr))
		return nil
	}

	reason := models.ReasonPipelineFatal
	if executor.IsTransient(execErr) {
		reason = models.ReasonRetriesExhausted
	}
	return d.completeFailure(ctx, job, reason, execErr)
}

func (d *Dispatcher) completeSuccess(ctx context.Context, job models.Job, result executor.Result) error {
	if d.cfg.QuotaHardCap && result.ActualUnits > job.EstimatedUnits {
		d.log.Warn("hard cap exceeded, treating success as failure",
			zap.String("job_id", job.ID),
			zap.Int64("actual_units", result.ActualUnits),
			zap.Int64("estimated_units", job.EstimatedUnits))
		return d.completeFailure(ctx, job, models.ReasonQuotaHardCap,
			fmt.Errorf("actual units %d exceed estimate %d", result.ActualUnits, job.EstimatedUnits))
	}

	if job.ReservationID == nil {
		return ledger.ErrAlreadySettled
	}
	settle, err := d.ledger.Commit(ctx, *job.ReservationID, result.ActualUnits)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadySettled) {
			d.log.Warn("late completion rejected, reservation already settled",
				zap.String("job_id", job.ID),
				zap.String("reservation_id", *job.ReservationID))
		}
		return err
	}
	telemetry.Commits.Inc()

	if result.ActualUnits > job.EstimatedUnits {
		// Over-consumption is a billing concern, not an execution blocker.
		telemetry.QuotaOverages.Inc()
		d.log.Warn("actual units exceeded estimate",
			zap.String("job_id", job.ID),
			zap.Int64("actual_units", result.ActualUnits),
			zap.Int64("estimated_units", job.EstimatedUnits),
			zap.Int64("overage_units", result.ActualUnits-job.EstimatedUnits))
	}

	if err := d.store.MarkSucceeded(ctx, job.ID, result.ActualUnits, result.ResultRef); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	d.log.Info("job succeeded",
		zap.String("job_id", job.ID),
		zap.Int64("committed_units", settle.CommittedUnits),
		zap.Int64("released_units", settle.ReleasedUnits))

	job.Status = models.StatusSucceeded
	job.ActualUnits = &result.ActualUnits
	if result.ResultRef != "" {
		job.ResultRef = &result.ResultRef
	}
	d.deliver(ctx, job)
	return nil
}

func (d *Dispatcher) completeFailure(ctx context.Context, job models.Job, reason string, execErr error) error {
	if job.ReservationID == nil {
		return ledger.ErrAlreadySettled
	}
	if _, err := d.ledger.Rollback(ctx, *job.ReservationID); err != nil {
		if errors.Is(err, ledger.ErrAlreadySettled) {
			d.log.Warn("late failure rejected, reservation already settled",
				zap.String("job_id", job.ID),
				zap.String("reservation_id", *job.ReservationID))
		}
		return err
	}
	telemetry.Rollbacks.Inc()
	telemetry.PipelineFailures.Inc()

	if err := d.store.MarkFailed(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := d.queue.DLQPush(ctx, job.ID); err != nil {
		d.log.Error("dlq push", zap.String("job_id", job.ID), zap.Error(err))
	}
	d.log.Info("job failed, quota rolled back",
		zap.String("job_id", job.ID),
		zap.String("reason", reason),
		zap.Error(execErr))

	job.Status = models.StatusFailed
	job.FailureReason = &reason
	d.deliver(ctx, job)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, job models.Job) {
	if d.deliverer == nil || job.Callback.Channel == "" {
		return
	}
	d.deliverer.Deliver(ctx, job)
}

// FailExpired marks the jobs attached to force-expired reservations as failed
// and drops them from the queue. Called by the worker after each ledger sweep.
func (d *Dispatcher) FailExpired(ctx context.Context, expired []models.Reservation) {
	for _, res := range expired {
		telemetry.ReservationsExpired.Inc()
		job, found, err := d.store.FindByReservation(ctx, res.ID)
		if err != nil {
			d.log.Error("lookup job for expired reservation",
				zap.String("reservation_id", res.ID), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		if err := d.store.MarkFailed(ctx, job.ID, models.ReasonReservationExpired); err != nil {
			d.log.Error("fail expired job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := d.queue.Remove(ctx, job.ID); err != nil {
			d.log.Error("remove expired job from queue", zap.String("job_id", job.ID), zap.Error(err))
		}
		d.log.Warn("reservation expired, job failed",
			zap.String("job_id", job.ID),
			zap.String("reservation_id", res.ID),
			zap.Int64("released_units", res.ReservedUnits))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
