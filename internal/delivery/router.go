// Package delivery routes completed jobs to their callback channel, with a
// degraded-mode retry on the same channel and an optional fallback channel.
// Every attempt is logged; exactly one terminal receipt is written per job.
package delivery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"quota-dispatch/internal/models"
	"quota-dispatch/internal/telemetry"
)

// ErrChannelUnavailable means the requested channel is not bound or the
// recipient opted out; no delivery attempt is made.
var ErrChannelUnavailable = errors.New("delivery: channel unavailable")

// ReceiptStore is the slice of the job store the router writes through.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r models.DeliveryReceipt) error
	AppendDeliveryAttempt(ctx context.Context, a models.DeliveryAttempt) error
	MarkDelivered(ctx context.Context, id string) error
	MarkDeliveryFailed(ctx context.Context, id string, reason string) error
}

// Router attempts delivery per the policy in the package doc.
type Router struct {
	channels    map[string]Channel
	store       ReceiptStore
	cap         *FrequencyCap
	optOuts     *OptOuts
	render      RenderFunc
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
}

// RouterOptions configure retry budget and recipient safeguards. Cap and
// OptOuts are optional; nil disables the check.
type RouterOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Cap         *FrequencyCap
	OptOuts     *OptOuts
	Render      RenderFunc
}

func NewRouter(store ReceiptStore, channels []Channel, opts RouterOptions, log *zap.Logger) *Router {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Render == nil {
		opts.Render = DefaultRender
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		channels:    byName,
		store:       store,
		cap:         opts.Cap,
		optOuts:     opts.OptOuts,
		render:      opts.Render,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		log:         log,
	}
}

// Deliver runs one delivery attempt sequence for a completed job. It is the
// dispatch.Deliverer implementation and is called exactly once per job.
func (r *Router) Deliver(ctx context.Context, job models.Job) {
	cb := job.Callback

	ch, bound := r.channels[cb.Channel]
	if !bound || cb.Recipient == "" {
		r.finishFailed(ctx, job, cb.Channel, ErrChannelUnavailable.Error())
		return
	}
	if r.optOuts != nil {
		out, err := r.optOuts.OptedOut(ctx, cb.Channel, cb.Recipient)
		if err != nil {
			r.log.Error("opt-out lookup", zap.String("job_id", job.ID), zap.Error(err))
		} else if out {
			r.finishFailed(ctx, job, cb.Channel, ErrChannelUnavailable.Error())
			return
		}
	}

	if r.cap != nil {
		allowed, err := r.cap.Allow(ctx, cb.Recipient)
		if err != nil {
			r.log.Error("frequency cap lookup", zap.String("job_id", job.ID), zap.Error(err))
		} else if !allowed {
			r.writeReceipt(ctx, models.DeliveryReceipt{
				JobID:            job.ID,
				Channel:          cb.Channel,
				AttemptedChannel: cb.Channel,
				Status:           models.ReceiptSkippedFreqCap,
				DeliveredAt:      time.Now().UTC(),
			})
			r.log.Info("delivery skipped by frequency cap",
				zap.String("job_id", job.ID), zap.String("recipient", cb.Recipient))
			return
		}
	}

	attempt := 0
	if r.tryChannel(ctx, job, ch, cb.Recipient, &attempt) {
		r.finishDelivered(ctx, job, cb.Channel, cb.Channel, models.ReceiptSuccess)
		return
	}

	// The primary channel is unreachable. Switch channels only when the caller
	// configured an explicit fallback.
	if cb.FallbackChannel != "" {
		if fb, ok := r.channels[cb.FallbackChannel]; ok {
			if r.tryChannel(ctx, job, fb, cb.Recipient, &attempt) {
				r.finishDelivered(ctx, job, cb.Channel, cb.FallbackChannel, models.ReceiptFallbackUsed)
				return
			}
		}
	}

	r.finishFailed(ctx, job, cb.Channel, "delivery_failed_after_retries")
}

// tryChannel spends the per-channel retry budget: the first attempt sends the
// rich payload, later attempts degrade to text when the channel supports it.
func (r *Router) tryChannel(ctx context.Context, job models.Job, ch Channel, recipient string, attempt *int) bool {
	for i := 0; i < r.maxAttempts; i++ {
		mode := ModeRich
		if i > 0 && ch.SupportsDegraded() {
			mode = ModeText
		}
		*attempt++

		err := ch.Send(ctx, recipient, r.render(job, mode))
		row := models.DeliveryAttempt{
			JobID:   job.ID,
			Attempt: *attempt,
			Channel: ch.Name(),
			Mode:    mode,
			OK:      err == nil,
			At:      time.Now().UTC(),
		}
		if err != nil {
			row.Error = err.Error()
		}
		if storeErr := r.store.AppendDeliveryAttempt(ctx, row); storeErr != nil {
			r.log.Error("record delivery attempt", zap.String("job_id", job.ID), zap.Error(storeErr))
		}
		if err == nil {
			return true
		}
		r.log.Warn("delivery attempt failed",
			zap.String("job_id", job.ID),
			zap.String("channel", ch.Name()),
			zap.String("mode", mode),
			zap.Int("attempt", *attempt),
			zap.Error(err))

		if i < r.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(r.backoff * time.Duration(i+1)):
			}
		}
	}
	return false
}

func (r *Router) finishDelivered(ctx context.Context, job models.Job, requested, attempted, status string) {
	r.writeReceipt(ctx, models.DeliveryReceipt{
		JobID:            job.ID,
		Channel:          requested,
		AttemptedChannel: attempted,
		Status:           status,
		DeliveredAt:      time.Now().UTC(),
	})
	if err := r.store.MarkDelivered(ctx, job.ID); err != nil {
		r.log.Error("mark delivered", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.log.Info("job delivered",
		zap.String("job_id", job.ID),
		zap.String("channel", attempted),
		zap.String("status", status))
}

func (r *Router) finishFailed(ctx context.Context, job models.Job, requested, reason string) {
	r.writeReceipt(ctx, models.DeliveryReceipt{
		JobID:            job.ID,
		Channel:          requested,
		AttemptedChannel: requested,
		Status:           models.ReceiptFailed,
		ErrorReason:      &reason,
		DeliveredAt:      time.Now().UTC(),
	})
	if err := r.store.MarkDeliveryFailed(ctx, job.ID, reason); err != nil {
		r.log.Error("mark delivery failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.log.Warn("job delivery failed",
		zap.String("job_id", job.ID),
		zap.String("channel", requested),
		zap.String("reason", reason))
}

func (r *Router) writeReceipt(ctx context.Context, receipt models.DeliveryReceipt) {
	telemetry.Deliveries.WithLabelValues(receipt.Status).Inc()
	if err := r.store.SaveReceipt(ctx, receipt); err != nil {
		r.log.Error("save receipt", zap.String("job_id", receipt.JobID), zap.Error(err))
	}
}
