package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/executor"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/models"
	"quota-dispatch/internal/store"
)

// fakeJobStore mimics the conditional-insert semantics of the Postgres store.
type fakeJobStore struct {
	mu    sync.Mutex
	byKey map[string]string
	jobs  map[string]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{byKey: make(map[string]string), jobs: make(map[string]*models.Job)}
}

func (f *fakeJobStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[p.IdempotencyKey]; ok {
		return *f.jobs[id], false, nil
	}
	resID := p.ReservationID
	now := time.Now().UTC()
	job := &models.Job{
		ID:             uuid.New().String(),
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
	}
	f.byKey[p.IdempotencyKey] = job.ID
	f.jobs[job.ID] = job
	return *job, true, nil
}

func (f *fakeJobStore) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[key]; ok {
		return *f.jobs[id], true, nil
	}
	return models.Job{}, false, nil
}

func (f *fakeJobStore) FindByReservation(_ context.Context, reservationID string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ReservationID != nil && *j.ReservationID == reservationID && !j.Terminal() {
			return *j, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return *j, nil
	}
	return models.Job{}, store.ErrJobNotFound
}

func (f *fakeJobStore) MarkSucceeded(_ context.Context, id string, actualUnits int64, resultRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = models.StatusSucceeded
	j.ActualUnits = &actualUnits
	j.ReservationID = nil
	if resultRef != "" {
		j.ResultRef = &resultRef
	}
	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, id string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = models.StatusFailed
	j.FailureReason = &reason
	j.ReservationID = nil
	return nil
}

func (f *fakeJobStore) UpdateAttempts(_ context.Context, id string, attempts int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Status = models.StatusQueued
	j.Attempts = attempts
	j.FailureReason = &reason
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []string
	scheduled []string
	removed   []string
	dlq       []string
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) Schedule(_ context.Context, jobID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, jobID)
	return nil
}

func (f *fakeQueue) Remove(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, jobID)
	return nil
}

func (f *fakeQueue) DLQPush(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, jobID)
	return nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (f *fakeDeliverer) Deliver(_ context.Context, job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

type harness struct {
	dispatcher *Dispatcher
	store      *fakeJobStore
	ledger     *ledger.Memory
	queue      *fakeQueue
	deliverer  *fakeDeliverer
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	if cfg.QuotaDefaultLimit == 0 {
		cfg.QuotaDefaultLimit = 60
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = time.Minute
	}
	if cfg.PipelineMaxRetries == 0 {
		cfg.PipelineMaxRetries = 2
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = time.Millisecond
		cfg.BackoffMax = 10 * time.Millisecond
	}
	h := &harness{
		store:     newFakeJobStore(),
		ledger:    ledger.NewMemory(cfg.QuotaDefaultLimit),
		queue:     &fakeQueue{},
		deliverer: &fakeDeliverer{},
	}
	h.dispatcher = New(cfg, h.store, h.ledger, h.queue, h.deliverer, nil)
	return h
}

func submitReq(key string) SubmitRequest {
	return SubmitRequest{
		IdempotencyKey: key,
		TenantID:       "acme",
		PeriodID:       "2026-08",
		Pipeline:       "simulate",
		PayloadRef:     "{}",
		EstimatedUnits: 15,
		Callback:       models.CallbackConfig{Channel: "webhook", Recipient: "http://example.test/hook"},
	}
}

func TestSubmitReservesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{})

	res, err := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Duplicate || res.Job.Status != models.StatusQueued {
		t.Fatalf("result = %+v", res)
	}
	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.HeldUnits != 15 {
		t.Fatalf("held = %d, want 15", snap.HeldUnits)
	}
	if len(h.queue.enqueued) != 1 || h.queue.enqueued[0] != res.Job.ID {
		t.Fatalf("enqueued = %v", h.queue.enqueued)
	}
}

func TestSubmitInsufficientQuotaCreatesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{QuotaDefaultLimit: 60})

	req := submitReq("sess-1:v1")
	req.EstimatedUnits = 70
	if _, err := h.dispatcher.Submit(ctx, req); !errors.Is(err, ledger.ErrInsufficientQuota) {
		t.Fatalf("want ErrInsufficientQuota, got %v", err)
	}
	if _, found, _ := h.store.FindByIdempotencyKey(ctx, "sess-1:v1"); found {
		t.Fatal("job created despite quota rejection")
	}
	if len(h.queue.enqueued) != 0 {
		t.Fatalf("enqueued = %v", h.queue.enqueued)
	}
}

// Concurrent submissions with one key produce exactly one job and one held
// reservation; every caller sees the same job id.
func TestSubmitExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{QuotaDefaultLimit: 1000})

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
			if err != nil {
				t.Errorf("submit %d: %v", n, err)
				return
			}
			ids[n] = res.Job.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("callers observed different jobs: %v", ids)
		}
	}
	if len(h.queue.enqueued) != 1 {
		t.Fatalf("enqueued %d times", len(h.queue.enqueued))
	}
	// Losers rolled their reservations back; exactly one hold remains.
	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.HeldUnits != 15 {
		t.Fatalf("held = %d, want 15", snap.HeldUnits)
	}
}

func TestHandleResultSuccessSettlesAndDelivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{})

	res, _ := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	job, _ := h.store.GetJob(ctx, res.Job.ID)

	if err := h.dispatcher.HandleResult(ctx, job, executor.Result{ActualUnits: 12, ResultRef: "s3://out/1"}, nil); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.UsedUnits != 12 || snap.HeldUnits != 0 {
		t.Fatalf("ledger after commit: %+v", snap)
	}
	final, _ := h.store.GetJob(ctx, job.ID)
	if final.Status != models.StatusSucceeded || final.ActualUnits == nil || *final.ActualUnits != 12 {
		t.Fatalf("job = %+v", final)
	}
	if len(h.deliverer.jobs) != 1 || h.deliverer.jobs[0].ID != job.ID {
		t.Fatalf("delivery handoffs = %v", h.deliverer.jobs)
	}
}

func TestHandleResultFatalRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{})

	res, _ := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	job, _ := h.store.GetJob(ctx, res.Job.ID)

	if err := h.dispatcher.HandleResult(ctx, job, executor.Result{}, errors.New("pipeline exploded")); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.UsedUnits != 0 || snap.HeldUnits != 0 {
		t.Fatalf("failed work consumed quota: %+v", snap)
	}
	final, _ := h.store.GetJob(ctx, job.ID)
	if final.Status != models.StatusFailed || *final.FailureReason != models.ReasonPipelineFatal {
		t.Fatalf("job = %+v", final)
	}
	if len(h.queue.dlq) != 1 {
		t.Fatalf("dlq = %v", h.queue.dlq)
	}
	if len(h.deliverer.jobs) != 1 {
		t.Fatalf("failure outcome not handed to delivery")
	}
}

func TestHandleResultTransientRetriesSameReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{PipelineMaxRetries: 2})

	res, _ := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	job, _ := h.store.GetJob(ctx, res.Job.ID)
	originalRes := *job.ReservationID

	transient := executor.Transient(errors.New("upstream busy"))
	if err := h.dispatcher.HandleResult(ctx, job, executor.Result{}, transient); err != nil {
		t.Fatalf("first transient: %v", err)
	}
	if len(h.queue.scheduled) != 1 {
		t.Fatalf("retry not scheduled: %v", h.queue.scheduled)
	}

	retried, _ := h.store.GetJob(ctx, job.ID)
	if retried.Attempts != 1 || retried.Status != models.StatusQueued {
		t.Fatalf("job after transient = %+v", retried)
	}
	if retried.ReservationID == nil || *retried.ReservationID != originalRes {
		t.Fatal("retry re-reserved quota")
	}
	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.HeldUnits != 15 {
		t.Fatalf("hold released during retry: %+v", snap)
	}

	// Exhaust the budget: max_attempts = retries + 1 = 3.
	retried.Attempts = 2
	if err := h.dispatcher.HandleResult(ctx, retried, executor.Result{}, transient); err != nil {
		t.Fatalf("exhausting attempt: %v", err)
	}
	final, _ := h.store.GetJob(ctx, job.ID)
	if final.Status != models.StatusFailed || *final.FailureReason != models.ReasonRetriesExhausted {
		t.Fatalf("job after exhaustion = %+v", final)
	}
	snap, _ = h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.HeldUnits != 0 || snap.UsedUnits != 0 {
		t.Fatalf("exhausted retries left quota held: %+v", snap)
	}
}

// A held reservation expires before the pipeline reports back; the late
// completion must be rejected and the ledger left untouched.
func TestLateCompletionAfterExpiryRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{ReservationTTL: -time.Second})

	res, _ := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	job, _ := h.store.GetJob(ctx, res.Job.ID)

	expired, err := h.ledger.ExpireDue(ctx, time.Now(), 10)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expire: %v %v", expired, err)
	}
	h.dispatcher.FailExpired(ctx, expired)

	swept, _ := h.store.GetJob(ctx, job.ID)
	if swept.Status != models.StatusFailed || *swept.FailureReason != models.ReasonReservationExpired {
		t.Fatalf("job after sweep = %+v", swept)
	}
	if len(h.queue.removed) != 1 {
		t.Fatalf("swept job not removed from queue: %v", h.queue.removed)
	}

	err = h.dispatcher.HandleResult(ctx, job, executor.Result{ActualUnits: 15}, nil)
	if !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Fatalf("late completion: want ErrAlreadySettled, got %v", err)
	}
	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.UsedUnits != 0 || snap.HeldUnits != 0 {
		t.Fatalf("late completion mutated ledger: %+v", snap)
	}
}

func TestHardCapPolicyFailsOverage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{QuotaHardCap: true})

	res, _ := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	job, _ := h.store.GetJob(ctx, res.Job.ID)

	if err := h.dispatcher.HandleResult(ctx, job, executor.Result{ActualUnits: 40}, nil); err != nil {
		t.Fatalf("handle result: %v", err)
	}
	final, _ := h.store.GetJob(ctx, job.ID)
	if final.Status != models.StatusFailed || *final.FailureReason != models.ReasonQuotaHardCap {
		t.Fatalf("job = %+v", final)
	}
	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.UsedUnits != 0 {
		t.Fatalf("hard-capped job consumed quota: %+v", snap)
	}
}

func TestOverageHonoredByDefault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Config{})

	res, _ := h.dispatcher.Submit(ctx, submitReq("sess-1:v1"))
	job, _ := h.store.GetJob(ctx, res.Job.ID)

	if err := h.dispatcher.HandleResult(ctx, job, executor.Result{ActualUnits: 40}, nil); err != nil {
		t.Fatalf("handle result: %v", err)
	}
	final, _ := h.store.GetJob(ctx, job.ID)
	if final.Status != models.StatusSucceeded {
		t.Fatalf("overage should be honored: %+v", final)
	}
	// Usage is capped at the reserved amount.
	snap, _ := h.ledger.Snapshot(ctx, "acme", "2026-08")
	if snap.UsedUnits != 15 {
		t.Fatalf("used = %d, want reservation cap 15", snap.UsedUnits)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}
