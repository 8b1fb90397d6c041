package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/recovery/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetricsForTest(registry)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), metrics: m}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "recovery",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getMetricValue(t, registry, "recovery_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "recovery",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getMetricValue(t, registry, "recovery_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobSwallowsLostLease(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetricsForTest(registry)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), metrics: m}
	err = s.runJob(context.Background(), JobDunningRetry, 10, time.Minute, func(context.Context) error {
		return fmt.Errorf("sweep: %w", ratelimit.ErrLeaseLost)
	})
	if err != nil {
		t.Fatalf("expected lost lease to be swallowed, got %v", err)
	}

	labels := map[string]string{
		"service": "recovery",
		"env":     "test",
		"job":     JobDunningRetry,
		"reason":  obsmetrics.SchedulerJobReasonLeaseLost,
	}
	if got := getMetricValue(t, registry, "recovery_scheduler_job_errors_total", labels); got != 1 {
		t.Fatalf("expected lease_lost count 1, got %v", got)
	}

	err = s.runJob(context.Background(), JobDunningRetry, 10, time.Minute, func(context.Context) error {
		return errors.New("boom")
	})
	if err == nil || err.Error() != "dunning_retry: boom" {
		t.Fatalf("expected wrapped job error, got %v", err)
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	if !s.isJobEnabled(JobDunningRetry) {
		t.Fatalf("expected every job enabled by default")
	}

	s.cfg.EnabledJobs = []string{"RECOVERY_GAUGES"}
	if s.isJobEnabled(JobDunningRetry) {
		t.Fatalf("expected dunning_retry disabled")
	}
	if !s.isJobEnabled(JobRecoveryGauges) {
		t.Fatalf("expected recovery_gauges enabled case-insensitively")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 20 * time.Minute}.withDefaults()
	if cfg.RunInterval != time.Minute || cfg.BatchSize != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LeaseTTL != 40*time.Minute {
		t.Fatalf("expected lease to outlive the job timeout, got %v", cfg.LeaseTTL)
	}
}

func TestNextAttempt(t *testing.T) {
	failedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := config.DefaultRecoveryConfig()
	inv := &invoicedomain.Invoice{ID: 1, FailedAt: &failedAt, UpdatedAt: failedAt}

	attempt, due, ok := nextAttempt(policy, inv, nil)
	if !ok || attempt != 1 || !due.Equal(failedAt.Add(24*time.Hour)) {
		t.Fatalf("unexpected first attempt: %d %v %v", attempt, due, ok)
	}

	retries := []paymentdomain.PaymentRetry{
		{AttemptNumber: 1, CreatedAt: failedAt.Add(25 * time.Hour)},
	}
	attempt, due, ok = nextAttempt(policy, inv, retries)
	if !ok || attempt != 2 || !due.Equal(failedAt.Add(25*time.Hour+72*time.Hour)) {
		t.Fatalf("unexpected second attempt: %d %v %v", attempt, due, ok)
	}

	retries = append(retries,
		paymentdomain.PaymentRetry{AttemptNumber: 2},
		paymentdomain.PaymentRetry{AttemptNumber: 3},
	)
	if _, _, ok := nextAttempt(policy, inv, retries); ok {
		t.Fatalf("expected spent budget to stop scheduling")
	}
}

func TestDunningRetryKey(t *testing.T) {
	if got := DunningRetryKey(snowflake.ID(42), 2); got != "dunning:42:2" {
		t.Fatalf("unexpected key %q", got)
	}
}

func getMetricValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !labelsMatch(metric.GetLabel(), labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func TestJobRunTalliesRetryOutcomes(t *testing.T) {
	run := &jobRun{job: JobDunningRetry}
	run.RecordRetry(&recoverydomain.PaymentResult{Success: true})
	run.RecordRetry(&recoverydomain.PaymentResult{SubscriptionStatus: subscriptiondomain.SubscriptionStatusAtRisk})
	run.RecordRetry(&recoverydomain.PaymentResult{SubscriptionStatus: subscriptiondomain.SubscriptionStatusClosed})
	run.RecordRetry(nil)
	run.Defer(obsmetrics.SchedulerBatchDeferredReasonBackoff)
	run.Defer(obsmetrics.SchedulerBatchDeferredReasonBackoff)

	if run.processed != 3 || run.recovered != 1 || run.declined != 2 || run.closed != 1 {
		t.Fatalf("unexpected tallies: %+v", run)
	}
	if run.deferred[obsmetrics.SchedulerBatchDeferredReasonBackoff] != 2 {
		t.Fatalf("expected 2 backoff deferrals, got %v", run.deferred)
	}

	var nilRun *jobRun
	nilRun.RecordRetry(&recoverydomain.PaymentResult{Success: true})
	nilRun.Defer("x")
}

func TestDunningOutcome(t *testing.T) {
	cases := map[string]*recoverydomain.PaymentResult{
		obsmetrics.DunningOutcomeRecovered: {Success: true, SubscriptionStatus: subscriptiondomain.SubscriptionStatusActive},
		obsmetrics.DunningOutcomeDeclined:  {SubscriptionStatus: subscriptiondomain.SubscriptionStatusAtRisk},
		obsmetrics.DunningOutcomeClosed:    {SubscriptionStatus: subscriptiondomain.SubscriptionStatusClosed},
	}
	for want, result := range cases {
		if got := dunningOutcome(result); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
