// Package worker drives the asynchronous half of the dispatcher: it leases
// jobs from the queue, runs the registered pipeline executor, and reports the
// outcome back for quota settlement and delivery. It also owns the two
// housekeeping sweeps: queue lease reclaim and reservation expiry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/executor"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/models"
	"quota-dispatch/internal/queue"
	"quota-dispatch/internal/telemetry"
)

type jobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) error
}

type resultHandler interface {
	HandleResult(ctx context.Context, job models.Job, result executor.Result, execErr error) error
	FailExpired(ctx context.Context, expired []models.Reservation)
}

// Processor is the worker execution loop.
type Processor struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	store     jobStore
	ledger    ledger.Ledger
	handler   resultHandler
	registry  *executor.Registry
	log       *zap.Logger
	lastSweep time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st jobStore, l ledger.Ledger, h resultHandler, reg *executor.Registry, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{cfg: cfg, queue: q, store: st, ledger: l, handler: h, registry: reg, log: log}
}

// Run executes Tick until context cancellation, sleeping the poll interval
// whenever the queue comes back empty.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Tick(ctx)
		if err != nil {
			p.log.Error("worker tick", zap.Error(err))
		}
		if !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// Tick performs one loop iteration: housekeeping, then at most one job. It
// reports whether a job was processed.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	p.housekeep(ctx)

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Unknown or racing row; drop the lease and move on.
		_ = p.queue.Ack(ctx, jobID)
		return true, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Terminal() {
		// The expiry sweep settled this job while it sat in the queue.
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}

	if err := p.store.MarkRunning(ctx, job.ID); err != nil {
		_ = p.queue.Ack(ctx, jobID)
		return true, fmt.Errorf("mark running: %w", err)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Long pipelines outlive the default lease; extend up front from the
	// caller's own estimate.
	if est := p.estimateDuration(job); est > p.cfg.VisibilityTimeout/2 {
		_ = p.queue.ExtendLease(ctx, job.ID, est+p.cfg.VisibilityTimeout)
	}

	result, execErr := p.execute(ctx, job)
	_ = p.queue.Ack(ctx, job.ID)

	if err := p.handler.HandleResult(ctx, job, result, execErr); err != nil {
		if errors.Is(err, ledger.ErrAlreadySettled) {
			p.log.Warn("discarding late result", zap.String("job_id", job.ID))
			return true, nil
		}
		return true, fmt.Errorf("handle result for %s: %w", job.ID, err)
	}
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job models.Job) (executor.Result, error) {
	exec, ok := p.registry.Lookup(job.Pipeline)
	if !ok {
		return executor.Result{}, fmt.Errorf("no executor registered for pipeline %q", job.Pipeline)
	}
	return exec.Execute(ctx, job)
}

func (p *Processor) estimateDuration(job models.Job) time.Duration {
	return time.Duration(job.EstimatedUnits) * time.Duration(p.cfg.EstimatedSecondsPerUnit) * time.Second
}

// housekeep promotes scheduled retries, reclaims timed-out leases, runs the
// reservation expiry sweep, and refreshes the depth gauge.
func (p *Processor) housekeep(ctx context.Context) {
	now := time.Now()

	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Error("promote scheduled", zap.Error(err))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Error("requeue expired leases", zap.Error(err))
	} else if len(reclaimed) > 0 {
		p.log.Warn("reclaimed timed-out leases", zap.Int("count", len(reclaimed)))
	}

	if now.Sub(p.lastSweep) >= p.cfg.SweepInterval {
		p.lastSweep = now
		expired, err := p.ledger.ExpireDue(ctx, now, p.cfg.SweepBatchSize)
		if err != nil {
			p.log.Error("reservation expiry sweep", zap.Error(err))
		} else if len(expired) > 0 {
			p.handler.FailExpired(ctx, expired)
		}
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}
