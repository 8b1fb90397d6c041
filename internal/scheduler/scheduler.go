package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/recovery/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	dashboarddomain "github.com/smallbiznis/recovery/internal/recoverydashboard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	RecoverySvc    recoverydomain.Service
	DashboardSvc   dashboarddomain.Service
	InvoiceRepo    invoicedomain.Repository
	LedgerRepo     paymentdomain.LedgerRepository
	RecoveryConfig *config.RecoveryConfigHolder
	Locker         *ratelimit.Locker            `optional:"true"`
	Metrics        *obsmetrics.SchedulerMetrics `optional:"true"`
	Config         Config                       `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	recoverySvc  recoverydomain.Service
	dashboardSvc dashboarddomain.Service
	invoiceRepo  invoicedomain.Repository
	ledgerRepo   paymentdomain.LedgerRepository
	recoveryCfg  *config.RecoveryConfigHolder
	locker       *ratelimit.Locker
	metrics      *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.RecoverySvc == nil || p.DashboardSvc == nil || p.InvoiceRepo == nil || p.LedgerRepo == nil {
		return nil, ErrInvalidConfig
	}
	schedMetrics := p.Metrics
	if schedMetrics == nil {
		schedMetrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		recoverySvc:  p.RecoverySvc,
		dashboardSvc: p.DashboardSvc,
		invoiceRepo:  p.InvoiceRepo,
		ledgerRepo:   p.LedgerRepo,
		recoveryCfg:  p.RecoveryConfig,
		locker:       p.Locker,
		metrics:      schedMetrics,
	}, nil
}

// job is one unit of RunOnce.
type job struct {
	name      string
	batchSize int
	timeout   time.Duration
	run       func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: JobDunningRetry, batchSize: s.cfg.BatchSize, timeout: s.cfg.JobTimeout, run: s.DunningRetryJob},
		{name: JobRecoveryGauges, batchSize: 1, timeout: 30 * time.Second, run: s.RecoveryGaugesJob},
	}
}

// runJob bounds fn by timeout and records its run, duration and error
// metrics. Timeouts and lost leases are logged and swallowed; the next tick
// picks the work up again.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	log := s.logger(ctx).With(zap.String("job", name), zap.String("run_id", run.runID))
	switch {
	case errors.Is(err, ratelimit.ErrLeaseLost):
		log.Warn("job lease lost", zap.Error(err))
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.metrics.IncJobTimeout(name)
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

// RunOnce runs every enabled job in order and joins their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		if err := s.runJob(ctx, j.name, j.batchSize, j.timeout, j.run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunForever ticks every RunInterval until ctx is done. A tick that overruns
// the interval shows up as run loop lag.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	due := time.Now()

	for {
		s.metrics.ObserveRunLoopLag(time.Since(due))
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		due = due.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// isJobEnabled matches case-insensitively. No configured jobs means all.
func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	return slices.ContainsFunc(s.cfg.EnabledJobs, func(enabled string) bool {
		return strings.EqualFold(strings.TrimSpace(enabled), name)
	})
}

// RecoveryGaugesJob publishes the dashboard headline numbers as gauges.
func (s *Scheduler) RecoveryGaugesJob(ctx context.Context) error {
	dashboard, err := s.dashboardSvc.GetRecoveryDashboard(ctx, dashboarddomain.DashboardRequest{Days: 1, Limit: 1})
	if err != nil {
		return err
	}
	s.metrics.SetRecoveryBacklog(dashboard.FailedInvoices, dashboard.AtRiskSubscriptions, dashboard.RecoveryRate)
	return nil
}
