package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions are totally ordered
// per job: queued -> running -> {succeeded|failed} -> {delivered|delivery_failed}.
const (
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusSucceeded      = "succeeded"
	StatusFailed         = "failed"
	StatusDelivered      = "delivered"
	StatusDeliveryFailed = "delivery_failed"
)

// Reservation states.
const (
	ReservationHeld       = "held"
	ReservationCommitted  = "committed"
	ReservationRolledBack = "rolled_back"
	ReservationExpired    = "expired"
)

// Terminal failure reasons recorded on the job.
const (
	ReasonReservationExpired = "reservation_expired"
	ReasonPipelineFatal      = "pipeline_fatal_failure"
	ReasonRetriesExhausted   = "pipeline_retries_exhausted"
	ReasonQuotaHardCap       = "quota_hard_cap_exceeded"
)

// Delivery receipt statuses.
const (
	ReceiptSuccess        = "success"
	ReceiptFallbackUsed   = "fallback_used"
	ReceiptFailed         = "failed"
	ReceiptSkippedFreqCap = "skipped_frequency_cap"
)

// CallbackConfig tells the delivery router where the result goes.
type CallbackConfig struct {
	Channel         string `json:"channel"`
	FallbackChannel string `json:"fallback_channel,omitempty"`
	Recipient       string `json:"recipient"`
}

// Job is the durable record of one unit of work, keyed by an idempotency key.
// Jobs are never deleted; a new key version supersedes the old job.
type Job struct {
	ID             string         `json:"job_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	TenantID       string         `json:"tenant_id"`
	PeriodID       string         `json:"period_id"`
	Pipeline       string         `json:"pipeline"`
	PayloadRef     string         `json:"payload_ref"`
	Status         string         `json:"status"`
	ReservationID  *string        `json:"reservation_id,omitempty"`
	EstimatedUnits int64          `json:"estimated_units"`
	ActualUnits    *int64         `json:"actual_units,omitempty"`
	ResultRef      *string        `json:"result_ref,omitempty"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	Callback       CallbackConfig `json:"callback"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job has settled quota (no further execution).
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusSucceeded, StatusFailed, StatusDelivered, StatusDeliveryFailed:
		return true
	}
	return false
}

// Reservation is a time-boxed hold against a tenant's quota for one job.
type Reservation struct {
	ID            string     `json:"reservation_id"`
	TenantID      string     `json:"tenant_id"`
	PeriodID      string     `json:"period_id"`
	ReservedUnits int64      `json:"reserved_units"`
	State         string     `json:"state"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// QuotaSnapshot is the read-only view of one ledger scope.
type QuotaSnapshot struct {
	TenantID       string `json:"tenant_id"`
	PeriodID       string `json:"period_id"`
	LimitUnits     int64  `json:"limit_units"`
	UsedUnits      int64  `json:"used_units"`
	HeldUnits      int64  `json:"held_units"`
	AvailableUnits int64  `json:"available_units"`
}

// DeliveryReceipt reflects the final outcome of a job's delivery attempt
// sequence. Immutable once written.
type DeliveryReceipt struct {
	JobID            string    `json:"job_id"`
	Channel          string    `json:"channel"`
	AttemptedChannel string    `json:"attempted_channel"`
	Status           string    `json:"status"`
	ErrorReason      *string   `json:"error_reason,omitempty"`
	DeliveredAt      time.Time `json:"delivered_at"`
}

// DeliveryAttempt is one row in the attempt log behind a receipt.
type DeliveryAttempt struct {
	JobID   string    `json:"job_id"`
	Attempt int       `json:"attempt"`
	Channel string    `json:"channel"`
	Mode    string    `json:"mode"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
