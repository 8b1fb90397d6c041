package main

import (
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	"github.com/smallbiznis/recovery/internal/gateway"
	"github.com/smallbiznis/recovery/internal/idgen"
	"github.com/smallbiznis/recovery/internal/invoice"
	"github.com/smallbiznis/recovery/internal/observability"
	"github.com/smallbiznis/recovery/internal/payment"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	"github.com/smallbiznis/recovery/internal/recovery"
	"github.com/smallbiznis/recovery/internal/recoverydashboard"
	"github.com/smallbiznis/recovery/internal/scheduler"
	"github.com/smallbiznis/recovery/internal/subscription"
	"github.com/smallbiznis/recovery/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		idgen.Module,
		db.Module,
		clock.Module,

		// RetryPayment and the dashboard gauges
		invoice.Module,
		subscription.Module,
		payment.Module,
		gateway.Module,
		recovery.Module,
		recoverydashboard.Module,
		ratelimit.Module,

		fx.Decorate(forceScheduler),
		scheduler.Module,
	)
	app.Run()
}

// forceScheduler ignores SCHEDULER_ENABLED: this binary exists only to run the loop.
func forceScheduler(cfg config.Config) config.Config {
	cfg.Scheduler.Enabled = true
	return cfg
}
