package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/executor"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/models"
	"quota-dispatch/internal/queue"
)

type memStore struct {
	jobs map[string]*models.Job
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	if j, ok := m.jobs[id]; ok {
		return *j, nil
	}
	return models.Job{}, errors.New("not found")
}

func (m *memStore) MarkRunning(_ context.Context, id string) error {
	m.jobs[id].Status = models.StatusRunning
	return nil
}

type recordingHandler struct {
	results []executor.Result
	errs    []error
	expired [][]models.Reservation
}

func (h *recordingHandler) HandleResult(_ context.Context, _ models.Job, result executor.Result, execErr error) error {
	h.results = append(h.results, result)
	h.errs = append(h.errs, execErr)
	return nil
}

func (h *recordingHandler) FailExpired(_ context.Context, expired []models.Reservation) {
	h.expired = append(h.expired, expired)
}

type staticExecutor struct {
	result executor.Result
	err    error
}

func (e *staticExecutor) Execute(_ context.Context, _ models.Job) (executor.Result, error) {
	return e.result, e.err
}

func newTestProcessor(t *testing.T, exec executor.Executor) (*Processor, *queue.RedisQueue, *memStore, *recordingHandler, *ledger.Memory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, queue.Options{VisibilityTimeout: time.Minute})

	st := &memStore{jobs: make(map[string]*models.Job)}
	h := &recordingHandler{}
	l := ledger.NewMemory(100)

	reg := executor.NewRegistry()
	if exec != nil {
		reg.Register("test", exec)
	}

	cfg := config.Config{
		WorkerPollInterval: time.Millisecond,
		VisibilityTimeout:  time.Minute,
		ScheduledBatchSize: 10,
		SweepInterval:      time.Nanosecond,
		SweepBatchSize:     10,
	}
	return NewProcessor(cfg, q, st, l, h, reg, nil), q, st, h, l
}

func TestTickProcessesOneJob(t *testing.T) {
	ctx := context.Background()
	want := executor.Result{ActualUnits: 4, ResultRef: "ref"}
	p, q, st, h, _ := newTestProcessor(t, &staticExecutor{result: want})

	st.jobs["job-1"] = &models.Job{ID: "job-1", Pipeline: "test", Status: models.StatusQueued}
	_ = q.Enqueue(ctx, "job-1")

	worked, err := p.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("tick: worked=%v err=%v", worked, err)
	}
	if len(h.results) != 1 || h.results[0] != want {
		t.Fatalf("results = %+v", h.results)
	}
	if h.errs[0] != nil {
		t.Fatalf("unexpected exec error: %v", h.errs[0])
	}
	if st.jobs["job-1"].Status != models.StatusRunning {
		t.Fatalf("job not marked running: %s", st.jobs["job-1"].Status)
	}
}

func TestTickSkipsTerminalJob(t *testing.T) {
	ctx := context.Background()
	p, q, st, h, _ := newTestProcessor(t, &staticExecutor{})

	st.jobs["job-1"] = &models.Job{ID: "job-1", Pipeline: "test", Status: models.StatusFailed}
	_ = q.Enqueue(ctx, "job-1")

	worked, err := p.Tick(ctx)
	if err != nil || !worked {
		t.Fatalf("tick: worked=%v err=%v", worked, err)
	}
	if len(h.results) != 0 {
		t.Fatalf("terminal job executed: %+v", h.results)
	}
}

func TestTickReportsMissingExecutor(t *testing.T) {
	ctx := context.Background()
	p, q, st, h, _ := newTestProcessor(t, nil)

	st.jobs["job-1"] = &models.Job{ID: "job-1", Pipeline: "test", Status: models.StatusQueued}
	_ = q.Enqueue(ctx, "job-1")

	if _, err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.errs) != 1 || h.errs[0] == nil {
		t.Fatalf("missing executor should surface as exec error: %v", h.errs)
	}
}

func TestHousekeepRunsExpirySweep(t *testing.T) {
	ctx := context.Background()
	p, _, _, h, l := newTestProcessor(t, &staticExecutor{})

	if _, err := l.Reserve(ctx, "acme", "2026-08", 10, -time.Second); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.expired) != 1 || len(h.expired[0]) != 1 {
		t.Fatalf("sweep did not fail expired reservations: %+v", h.expired)
	}
}
