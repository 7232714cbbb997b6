package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"quota-dispatch/internal/models"
)

// simulatePayload drives the simulated pipeline. The payload_ref is inline
// JSON for this executor, which exists for load and integration testing.
type simulatePayload struct {
	Fail              bool  `json:"fail"`
	TransientFailures int   `json:"transient_failures"`
	DurationMs        int   `json:"duration_ms"`
	ActualUnits       int64 `json:"actual_units"`
}

// Simulated is a payload-driven executor: it can sleep, fail fatally, or fail
// transiently a fixed number of times before succeeding.
type Simulated struct {
	mu       sync.Mutex
	failures map[string]int
}

func NewSimulated() *Simulated {
	return &Simulated{failures: make(map[string]int)}
}

func (s *Simulated) Execute(ctx context.Context, job models.Job) (Result, error) {
	var p simulatePayload
	if err := json.Unmarshal([]byte(job.PayloadRef), &p); err != nil {
		return Result{}, fmt.Errorf("decode simulate payload: %w", err)
	}

	if p.DurationMs > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Duration(p.DurationMs) * time.Millisecond):
		}
	}

	if p.Fail {
		return Result{}, errors.New("simulated fatal failure")
	}

	if p.TransientFailures > 0 {
		s.mu.Lock()
		seen := s.failures[job.ID]
		if seen < p.TransientFailures {
			s.failures[job.ID] = seen + 1
			s.mu.Unlock()
			return Result{}, Transient(fmt.Errorf("simulated transient failure %d of %d", seen+1, p.TransientFailures))
		}
		delete(s.failures, job.ID)
		s.mu.Unlock()
	}

	units := p.ActualUnits
	if units == 0 {
		units = job.EstimatedUnits
	}
	return Result{ActualUnits: units, ResultRef: "simulate://" + job.ID}, nil
}
