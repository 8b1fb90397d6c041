package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	"gorm.io/gorm"
)

// Error reasons on recovery_scheduler_job_errors_total.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonLeaseLost            = "lease_lost"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonDeadlock             = "deadlock"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonDB                   = "db"
	SchedulerJobReasonUnknown              = "unknown"
)

// Reasons an invoice was left for a later sweep.
const (
	SchedulerBatchDeferredReasonBackoff   = "backoff_pending"
	SchedulerBatchDeferredReasonLeaseHeld = "lease_held"
	SchedulerBatchDeferredReasonLostRace  = "lost_race"
)

// Outcomes of a dunning retry.
const (
	DunningOutcomeRecovered = "recovered"
	DunningOutcomeDeclined  = "declined"
	DunningOutcomeClosed    = "closed"
)

// Row locks taken by the recovery engine.
const (
	LockResourceInvoiceForRetry = "invoice_for_retry"
	LockResourceSubscription    = "subscription_for_outcome"
)

var (
	latencyBuckets  = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	lockWaitBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// SchedulerMetrics are the Prometheus series for the dunning scheduler, the
// row locks it contends on and the recovery backlog.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	dunning        *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	dbLockWait     *prometheus.HistogramVec

	failedInvoices      prometheus.Gauge
	atRiskSubscriptions prometheus.Gauge
	recoveryRate        prometheus.Gauge
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide instance on the default registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig is Scheduler with service and env const labels. Only the
// first call's labels take effect.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// NewSchedulerMetricsForTest builds an unshared instance on registerer.
func NewSchedulerMetricsForTest(registerer prometheus.Registerer) *SchedulerMetrics {
	return newSchedulerMetrics(registerer, Config{ServiceName: "recovery", Environment: "test"})
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{
		"service": orDefault(cfg.ServiceName, "recovery"),
		"env":     orDefault(cfg.Environment, "unknown"),
	}
	reg := promauto{registerer: registerer, labels: labels}

	return &SchedulerMetrics{
		jobRuns:        reg.counter("recovery_scheduler_job_runs_total", "Scheduler job runs by name.", "job"),
		jobDuration:    reg.histogram("recovery_scheduler_job_duration_seconds", "Scheduler job latency.", latencyBuckets, "job"),
		jobTimeouts:    reg.counter("recovery_scheduler_job_timeouts_total", "Scheduler jobs that hit their timeout.", "job"),
		jobErrors:      reg.counter("recovery_scheduler_job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		batchProcessed: reg.counter("recovery_scheduler_batch_processed_total", "Items processed by scheduler jobs.", "job", "resource"),
		batchDeferred:  reg.counter("recovery_scheduler_batch_deferred_total", "Items left for a later sweep, by reason.", "job", "reason"),
		dunning:        reg.counter("recovery_dunning_outcomes_total", "Dunning retries by outcome.", "outcome"),
		runLoopLag:     reg.single("recovery_scheduler_runloop_lag_seconds", "Run loop delay beyond the configured interval.", latencyBuckets),
		dbLockWait: reg.histogram("recovery_db_lock_wait_seconds",
			"Wait for SELECT FOR UPDATE row locks.", lockWaitBuckets, "resource"),
		failedInvoices:      reg.gauge("recovery_failed_invoices", "Invoices currently FAILED."),
		atRiskSubscriptions: reg.gauge("recovery_at_risk_subscriptions", "Subscriptions currently AT_RISK."),
		recoveryRate:        reg.gauge("recovery_rate_percent", "Recovered / (recovered + failed) invoices, in percent."),
	}
}

// promauto registers collectors with shared const labels.
type promauto struct {
	registerer prometheus.Registerer
	labels     prometheus.Labels
}

func (p promauto) counter(name, help string, labelNames ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: p.labels}, labelNames)
	p.registerer.MustRegister(c)
	return c
}

func (p promauto) histogram(name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets, ConstLabels: p.labels}, labelNames)
	p.registerer.MustRegister(h)
	return h
}

func (p promauto) single(name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets, ConstLabels: p.labels})
	p.registerer.MustRegister(h)
	return h
}

func (p promauto) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: p.labels})
	p.registerer.MustRegister(g)
	return g
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts err under its ClassifySchedulerJobReason reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// RecordDunningOutcome counts one completed dunning retry.
func (m *SchedulerMetrics) RecordDunningOutcome(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.dunning.WithLabelValues(outcome).Inc()
}

// ObserveRunLoopLag records how late a tick started. Early ticks count as zero.
func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(lag, 0).Seconds())
}

func (m *SchedulerMetrics) ObserveDBLockWait(resource string, wait time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(wait.Seconds())
}

// SetRecoveryBacklog publishes the latest dashboard snapshot.
func (m *SchedulerMetrics) SetRecoveryBacklog(failedInvoices, atRiskSubscriptions int64, recoveryRate float64) {
	if m == nil {
		return
	}
	m.failedInvoices.Set(float64(failedInvoices))
	m.atRiskSubscriptions.Set(float64(atRiskSubscriptions))
	m.recoveryRate.Set(recoveryRate)
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed where
// this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	return ClassifySchedulerJobReason(err) != SchedulerJobReasonUnknown
}

// ClassifySchedulerJobReason maps a job error to a fixed label value.
func ClassifySchedulerJobReason(err error) string {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, ratelimit.ErrLeaseLost) {
		return SchedulerJobReasonLeaseLost
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return SchedulerJobReasonUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return SchedulerJobReasonDBLockTimeout
		case "40P01":
			return SchedulerJobReasonDeadlock
		case "40001":
			return SchedulerJobReasonSerializationFailure
		case "23505":
			return SchedulerJobReasonUniqueViolation
		default:
			return SchedulerJobReasonDB
		}
	}

	for _, dbErr := range []error{gorm.ErrInvalidDB, gorm.ErrInvalidTransaction, gorm.ErrInvalidData, gorm.ErrMissingWhereClause} {
		if errors.Is(err, dbErr) {
			return SchedulerJobReasonDB
		}
	}
	return SchedulerJobReasonUnknown
}
