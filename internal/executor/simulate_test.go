package executor

import (
	"context"
	"testing"

	"quota-dispatch/internal/models"
)

func TestSimulatedSuccessDefaultsToEstimate(t *testing.T) {
	s := NewSimulated()
	job := models.Job{ID: "job-1", PayloadRef: `{}`, EstimatedUnits: 7}

	res, err := s.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ActualUnits != 7 {
		t.Fatalf("actual = %d, want estimate 7", res.ActualUnits)
	}
	if res.ResultRef != "simulate://job-1" {
		t.Fatalf("result ref = %q", res.ResultRef)
	}
}

func TestSimulatedFatalFailure(t *testing.T) {
	s := NewSimulated()
	job := models.Job{ID: "job-1", PayloadRef: `{"fail":true}`}

	if _, err := s.Execute(context.Background(), job); err == nil || IsTransient(err) {
		t.Fatalf("want fatal error, got %v", err)
	}
}

func TestSimulatedTransientThenSuccess(t *testing.T) {
	s := NewSimulated()
	job := models.Job{ID: "job-1", PayloadRef: `{"transient_failures":2,"actual_units":3}`, EstimatedUnits: 5}

	for i := 0; i < 2; i++ {
		if _, err := s.Execute(context.Background(), job); !IsTransient(err) {
			t.Fatalf("attempt %d: want transient, got %v", i+1, err)
		}
	}
	res, err := s.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if res.ActualUnits != 3 {
		t.Fatalf("actual = %d, want 3", res.ActualUnits)
	}
}
