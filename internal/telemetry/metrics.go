package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions          = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_submissions_total", Help: "Jobs accepted for execution"})
	DuplicateSubmissions = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_duplicate_submissions_total", Help: "Submissions answered from the idempotency index"})
	QuotaRejections      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_quota_rejections_total", Help: "Submissions rejected with insufficient quota"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_rejects_total", Help: "Requests rejected by the submission rate limiter"})
	Commits              = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_quota_commits_total", Help: "Reservations committed to usage"})
	Rollbacks            = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_quota_rollbacks_total", Help: "Reservations rolled back"})
	ReservationsExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_reservations_expired_total", Help: "Held reservations force-expired by the sweep"})
	QuotaOverages        = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_quota_overages_total", Help: "Completions whose actual units exceeded the estimate"})
	PipelineRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_pipeline_retries_total", Help: "Transient pipeline failures scheduled for retry"})
	PipelineFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_pipeline_failures_total", Help: "Jobs that failed terminally"})

	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_deliveries_total",
		Help: "Delivery receipts by terminal status",
	}, []string{"status"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Ready queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			DuplicateSubmissions,
			QuotaRejections,
			RateLimitRejects,
			Commits,
			Rollbacks,
			ReservationsExpired,
			QuotaOverages,
			PipelineRetries,
			PipelineFailures,
			Deliveries,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
