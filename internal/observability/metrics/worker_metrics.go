package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/casc/pkg/db"
	"gorm.io/gorm"
)

const (
	WorkerJobReasonDeadlineExceeded     = "deadline_exceeded"
	WorkerJobReasonDBLockTimeout        = "db_lock_timeout"
	WorkerJobReasonSerializationFailure = "serialization_failure"
	WorkerJobReasonUniqueViolation      = "unique_violation"
	WorkerJobReasonUnknown              = "unknown"
)

const (
	WebhookOutcomeSuccess   = "success"
	WebhookOutcomeRetry     = "retry"
	WebhookOutcomeFailed    = "failed"
	WebhookOutcomeRejected4 = "rejected_4xx"
)

// WorkerMetrics captures background worker health: job latency, failures and
// webhook delivery outcomes.
type WorkerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	webhookAttempt *prometheus.CounterVec
	outboxBacklog  prometheus.Gauge
	state          *prometheus.GaugeVec
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the singleton worker metrics registry.
func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

// WorkerWithConfig returns the singleton worker metrics registry using config labels.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

// ResetWorkerMetricsForTest resets the worker metrics singleton for tests.
func ResetWorkerMetricsForTest() {
	workerMetricsOnce = sync.Once{}
	workerMetrics = nil
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &WorkerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "casc_worker_job_runs_total",
			Help:        "Worker job runs by name.",
			ConstLabels: labels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "casc_worker_job_duration_seconds",
			Help:        "Worker job latency.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: labels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "casc_worker_job_timeouts_total",
			Help:        "Worker job runs that hit their deadline.",
			ConstLabels: labels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "casc_worker_job_errors_total",
			Help:        "Worker job errors by low-cardinality reason.",
			ConstLabels: labels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "casc_worker_batch_processed_total",
			Help:        "Items processed by worker jobs.",
			ConstLabels: labels,
		}, []string{"job", "resource"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "casc_worker_runloop_lag_seconds",
			Help:        "Worker run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: labels,
		}),
		webhookAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "casc_webhook_attempts_total",
			Help:        "Webhook delivery attempts by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		outboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "casc_outbox_claimed_last_batch",
			Help:        "Outbox events claimed by the last dispatch run.",
			ConstLabels: labels,
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "casc_worker_state",
			Help:        "1 for the worker's current lifecycle state.",
			ConstLabels: labels,
		}, []string{"state"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.runLoopLag,
		m.webhookAttempt,
		m.outboxBacklog,
		m.state,
	)
	return m
}

func (m *WorkerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *WorkerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyWorkerJobReason(err)).Inc()
}

func (m *WorkerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *WorkerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(duration, 0).Seconds())
}

func (m *WorkerMetrics) IncWebhookAttempt(outcome string) {
	if m == nil {
		return
	}
	m.webhookAttempt.WithLabelValues(outcome).Inc()
}

func (m *WorkerMetrics) SetOutboxClaimed(count int) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(float64(count))
}

// SetState marks state as current and clears the others.
func (m *WorkerMetrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(s).Set(value)
	}
}

// ClassifyWorkerJobReason maps worker job errors to low-cardinality reasons.
func ClassifyWorkerJobReason(err error) string {
	switch {
	case err == nil:
		return WorkerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return WorkerJobReasonDeadlineExceeded
	case db.PGCode(err) == "55P03":
		return WorkerJobReasonDBLockTimeout
	case db.PGCode(err) == "40001":
		return WorkerJobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), db.PGCode(err) == "23505":
		return WorkerJobReasonUniqueViolation
	default:
		return WorkerJobReasonUnknown
	}
}
