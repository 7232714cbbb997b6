// Package api exposes the synchronous HTTP surface: job submission, job
// status, and tenant quota administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"quota-dispatch/internal/config"
	"quota-dispatch/internal/dispatch"
	"quota-dispatch/internal/ledger"
	"quota-dispatch/internal/models"
	"quota-dispatch/internal/store"
	"quota-dispatch/internal/telemetry"
)

// Submitter is the submission entrypoint, implemented by dispatch.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (dispatch.SubmitResult, error)
}

// JobReader loads jobs and their delivery receipts for the status endpoint.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetReceipt(ctx context.Context, jobID string) (models.DeliveryReceipt, bool, error)
}

// Limiter throttles submissions per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, float64, error)
}

// QueueDepth reports how many jobs sit ahead of a new submission.
type QueueDepth interface {
	ReadyDepth(ctx context.Context) (int64, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg        config.Config
	submitter  Submitter
	jobs       JobReader
	ledger     ledger.Ledger
	limiter    Limiter
	queueDepth QueueDepth
	log        *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, sub Submitter, jobs JobReader, l ledger.Ledger, limiter Limiter, depth QueueDepth, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		submitter:  sub,
		jobs:       jobs,
		ledger:     l,
		limiter:    limiter,
		queueDepth: depth,
		log:        log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/jobs", s.handleSubmit)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/tenants/{tenant}/quota", s.handleGetQuota)
	r.Put("/v1/tenants/{tenant}/quota", s.handleSetQuota)
	return r
}

type submitRequest struct {
	IdempotencyKey string                `json:"idempotency_key"`
	TenantID       string                `json:"tenant_id"`
	PeriodID       string                `json:"period_id"`
	Pipeline       string                `json:"pipeline"`
	PayloadRef     string                `json:"payload_ref"`
	EstimatedUnits int64                 `json:"estimated_units"`
	Callback       models.CallbackConfig `json:"callback"`
}

type submitResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	StatusURL            string `json:"status_url"`
	Duplicate            bool   `json:"duplicate"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.TenantID == "" {
		req.TenantID = tenantFromRequest(r)
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.TenantID)
		if err != nil {
			s.log.Error("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate_limit_error", "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "submission rate limit exceeded")
			return
		}
	}

	result, err := s.submitter.Submit(r.Context(), dispatch.SubmitRequest{
		IdempotencyKey: req.IdempotencyKey,
		TenantID:       req.TenantID,
		PeriodID:       req.PeriodID,
		Pipeline:       req.Pipeline,
		PayloadRef:     req.PayloadRef,
		EstimatedUnits: req.EstimatedUnits,
		Callback:       req.Callback,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidSubmission):
			writeError(w, http.StatusBadRequest, "invalid_submission", err.Error())
		case errors.Is(err, ledger.ErrInsufficientQuota):
			writeError(w, http.StatusUnprocessableEntity, "insufficient_quota",
				fmt.Sprintf("tenant %s has insufficient quota for period %s", req.TenantID, req.PeriodID))
		default:
			s.log.Error("submit", zap.String("tenant_id", req.TenantID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "submission failed")
		}
		return
	}

	code := http.StatusAccepted
	if result.Duplicate {
		// The original submission already answered; replay its identity.
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{
		JobID:                result.Job.ID,
		Status:               result.Job.Status,
		StatusURL:            fmt.Sprintf("%s/v1/jobs/%s", s.cfg.BaseURL, result.Job.ID),
		Duplicate:            result.Duplicate,
		EstimatedWaitSeconds: s.estimatedWait(r),
	})
}

// estimatedWait is a coarse hint derived from queue depth; zero when the
// depth cannot be read.
func (s *Server) estimatedWait(r *http.Request) int64 {
	if s.queueDepth == nil {
		return 0
	}
	depth, err := s.queueDepth.ReadyDepth(r.Context())
	if err != nil {
		return 0
	}
	return depth * int64(s.cfg.EstimatedSecondsPerUnit)
}

type jobResponse struct {
	models.Job
	EstimatedFinishTime *time.Time              `json:"estimated_finish_time,omitempty"`
	Receipt             *models.DeliveryReceipt `json:"delivery_receipt,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such job")
			return
		}
		s.log.Error("get job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "job lookup failed")
		return
	}

	resp := jobResponse{Job: job}
	if job.Terminal() {
		if receipt, found, err := s.jobs.GetReceipt(r.Context(), job.ID); err == nil && found {
			resp.Receipt = &receipt
		}
	} else {
		eta := s.estimatedFinish(job)
		resp.EstimatedFinishTime = &eta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) estimatedFinish(job models.Job) time.Time {
	base := job.CreatedAt
	if job.StartedAt != nil {
		base = *job.StartedAt
	}
	return base.Add(time.Duration(job.EstimatedUnits) * time.Duration(s.cfg.EstimatedSecondsPerUnit) * time.Second)
}

type quotaResponse struct {
	models.QuotaSnapshot
	RequestedUnits *int64 `json:"requested_units,omitempty"`
	Allowed        *bool  `json:"allowed,omitempty"`
}

// handleGetQuota returns the ledger snapshot for one scope. An optional
// requested=N parameter adds an advisory allowed flag for that amount.
func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	period := r.URL.Query().Get("period")
	if period == "" {
		writeError(w, http.StatusBadRequest, "missing_period", "period query parameter is required")
		return
	}
	snap, err := s.ledger.Snapshot(r.Context(), tenant, period)
	if err != nil {
		s.log.Error("quota snapshot", zap.String("tenant_id", tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "quota lookup failed")
		return
	}

	resp := quotaResponse{QuotaSnapshot: snap}
	if raw := r.URL.Query().Get("requested"); raw != "" {
		requested, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || requested < 0 {
			writeError(w, http.StatusBadRequest, "invalid_requested", "requested must be a non-negative integer")
			return
		}
		_, allowed, err := s.ledger.Check(r.Context(), tenant, period, requested)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "quota check failed")
			return
		}
		resp.RequestedUnits = &requested
		resp.Allowed = &allowed
	}
	writeJSON(w, http.StatusOK, resp)
}

type setQuotaRequest struct {
	PeriodID   string `json:"period_id"`
	LimitUnits int64  `json:"limit_units"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req setQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.PeriodID == "" || req.LimitUnits < 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "period_id and a non-negative limit_units are required")
		return
	}
	if err := s.ledger.SetLimit(r.Context(), tenant, req.PeriodID, req.LimitUnits); err != nil {
		s.log.Error("set limit", zap.String("tenant_id", tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update limit")
		return
	}
	snap, err := s.ledger.Snapshot(r.Context(), tenant, req.PeriodID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read back scope")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
