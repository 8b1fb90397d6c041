package scheduler

import (
	"context"
	"sort"
	"time"

	obscontext "github.com/smallbiznis/recovery/internal/observability/context"
	obslogger "github.com/smallbiznis/recovery/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recovery/internal/observability/metrics"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"go.uber.org/zap"
)

// jobRun tallies one scheduler job invocation for its finish log line.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	processed int
	errors    int
	recovered int
	declined  int
	closed    int
	deferred  map[string]int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errors++
}

// RecordRetry counts a completed retry by its outcome.
func (r *jobRun) RecordRetry(result *recoverydomain.PaymentResult) {
	if r == nil || result == nil {
		return
	}
	r.processed++
	switch dunningOutcome(result) {
	case obsmetrics.DunningOutcomeRecovered:
		r.recovered++
	case obsmetrics.DunningOutcomeClosed:
		r.declined++
		r.closed++
	default:
		r.declined++
	}
}

// dunningOutcome labels a retry result. A decline that closed the
// subscription counts as closed.
func dunningOutcome(result *recoverydomain.PaymentResult) string {
	switch {
	case result.Success:
		return obsmetrics.DunningOutcomeRecovered
	case result.SubscriptionStatus == subscriptiondomain.SubscriptionStatusClosed:
		return obsmetrics.DunningOutcomeClosed
	default:
		return obsmetrics.DunningOutcomeDeclined
	}
}

func (r *jobRun) Defer(reason string) {
	if r == nil {
		return
	}
	if r.deferred == nil {
		r.deferred = make(map[string]int)
	}
	r.deferred[reason]++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithCorrelationID(ctx, run.runID)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errors),
	}
	if run.job == JobDunningRetry {
		fields = append(fields,
			zap.Int("recovered_count", run.recovered),
			zap.Int("declined_count", run.declined),
			zap.Int("closed_count", run.closed),
		)
	}
	if len(run.deferred) > 0 {
		reasons := make([]string, 0, len(run.deferred))
		for reason := range run.deferred {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fields = append(fields, zap.Int("deferred_"+reason, run.deferred[reason]))
		}
	}

	log := s.logger(ctx)
	if run.errors > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

// logSchedulerError counts the error against run. The invoice, when there is
// one, comes from the scoped context.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	job := ""
	if run != nil {
		run.IncError()
		job = run.job
	}
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.String("recovery_kind", string(recoverydomain.KindOf(err))),
		zap.Error(err),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err) || recoverydomain.IsRetryable(err)),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}
