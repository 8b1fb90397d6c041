package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/config"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	obscontext "github.com/smallbiznis/recovery/internal/observability/context"
	obsmetrics "github.com/smallbiznis/recovery/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	"go.uber.org/zap"
)

const (
	dunningLeaseKey = "recovery:scheduler:dunning_retry"
	resourceInvoice = "invoice"
)

// DunningRetryKey is the idempotency key the sweep uses for an attempt, so a
// sweep that crashes after charging never charges the same attempt twice.
func DunningRetryKey(invoiceID snowflake.ID, attempt int) string {
	return fmt.Sprintf("dunning:%s:%d", invoiceID.String(), attempt)
}

// DunningRetryJob retries FAILED invoices whose backoff has elapsed. With a
// Redis locker only the lease holder sweeps.
func (s *Scheduler) DunningRetryJob(ctx context.Context) error {
	if s.locker == nil {
		return s.dunningSweep(ctx)
	}
	held, err := s.locker.WithLease(ctx, dunningLeaseKey, s.cfg.LeaseTTL, s.dunningSweep)
	if err != nil {
		return err
	}
	if !held {
		s.metrics.IncBatchDeferred(JobDunningRetry, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
		if run := jobRunFromContext(ctx); run != nil {
			run.Defer(obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
		}
		s.logger(ctx).Debug("scheduler.dunning.lease_held")
	}
	return nil
}

func (s *Scheduler) dunningSweep(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDunningRetry, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	policy := s.recoveryCfg.Get()
	now := s.clock.Now()
	db := s.db.WithContext(ctx)
	var afterID snowflake.ID
	var jobErr error

	for {
		if ctx.Err() != nil {
			// ErrLeaseLost when another replica took the sweep over
			return context.Cause(ctx)
		}

		invoices, err := s.invoiceRepo.ListByStatus(ctx, db, invoicedomain.InvoiceStatusFailed, afterID, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dunning.list_failed", err)
			return err
		}
		if len(invoices) == 0 {
			break
		}
		afterID = invoices[len(invoices)-1].ID

		ids := make([]snowflake.ID, 0, len(invoices))
		for _, inv := range invoices {
			ids = append(ids, inv.ID)
		}
		retries, err := s.ledgerRepo.ListRetriesByInvoiceIDs(ctx, db, ids)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dunning.ledger_failed", err)
			return err
		}
		byInvoice := make(map[snowflake.ID][]paymentdomain.PaymentRetry, len(invoices))
		for _, retry := range retries {
			byInvoice[retry.InvoiceID] = append(byInvoice[retry.InvoiceID], retry)
		}

		for i := range invoices {
			inv := &invoices[i]
			attempt, due, ok := nextAttempt(policy, inv, byInvoice[inv.ID])
			if !ok {
				continue
			}
			if now.Before(due) {
				s.metrics.IncBatchDeferred(JobDunningRetry, obsmetrics.SchedulerBatchDeferredReasonBackoff)
				run.Defer(obsmetrics.SchedulerBatchDeferredReasonBackoff)
				continue
			}
			if err := s.retryInvoice(ctx, run, inv.ID, attempt); err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}

		if len(invoices) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) retryInvoice(ctx context.Context, run *jobRun, invoiceID snowflake.ID, attempt int) error {
	ctx = obscontext.WithInvoiceID(ctx, invoiceID.String())
	result, err := s.recoverySvc.RetryPayment(ctx, recoverydomain.RetryPaymentRequest{
		InvoiceID:      invoiceID.String(),
		IdempotencyKey: DunningRetryKey(invoiceID, attempt),
	})
	if err != nil {
		if errors.Is(err, recoverydomain.ErrInvalidState) || errors.Is(err, recoverydomain.ErrRetryBudgetExhausted) {
			// a manual retry got there first
			s.metrics.IncBatchDeferred(JobDunningRetry, obsmetrics.SchedulerBatchDeferredReasonLostRace)
			run.Defer(obsmetrics.SchedulerBatchDeferredReasonLostRace)
			s.logger(ctx).Debug("scheduler.dunning.lost_race",
				zap.Int("attempt_number", attempt),
				zap.String("kind", string(recoverydomain.KindOf(err))),
			)
			return nil
		}
		s.logSchedulerError(ctx, run, "scheduler.dunning.retry_failed", err,
			zap.Int("attempt_number", attempt),
		)
		return err
	}

	run.RecordRetry(result)
	s.metrics.RecordDunningOutcome(dunningOutcome(result))
	s.metrics.AddBatchProcessed(JobDunningRetry, resourceInvoice, 1)
	s.logger(ctx).Info("scheduler.dunning.retried",
		zap.Int("attempt_number", result.AttemptNumber),
		zap.Bool("success", result.Success),
		zap.Bool("replayed", result.Replayed),
		zap.String("invoice_status", string(result.InvoiceStatus)),
		zap.Int("retries_remaining", result.RetriesRemaining),
	)
	return nil
}

// nextAttempt returns the next attempt number and when it becomes due. ok is
// false once the budget is spent.
func nextAttempt(policy config.RecoveryConfig, inv *invoicedomain.Invoice, retries []paymentdomain.PaymentRetry) (int, time.Time, bool) {
	used := len(retries)
	if used >= policy.MaxRetries {
		return 0, time.Time{}, false
	}

	last := inv.UpdatedAt
	if inv.FailedAt != nil {
		last = *inv.FailedAt
	}
	for _, retry := range retries {
		if retry.CreatedAt.After(last) {
			last = retry.CreatedAt
		}
	}

	attempt := used + 1
	return attempt, last.Add(policy.BackoffFor(attempt)), true
}
