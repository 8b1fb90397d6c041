package main

import (
	"github.com/smallbiznis/recovery/internal/churn"
	"github.com/smallbiznis/recovery/internal/clock"
	"github.com/smallbiznis/recovery/internal/config"
	"github.com/smallbiznis/recovery/internal/gateway"
	"github.com/smallbiznis/recovery/internal/idgen"
	"github.com/smallbiznis/recovery/internal/invoice"
	"github.com/smallbiznis/recovery/internal/migration"
	"github.com/smallbiznis/recovery/internal/observability"
	"github.com/smallbiznis/recovery/internal/payment"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	"github.com/smallbiznis/recovery/internal/recovery"
	"github.com/smallbiznis/recovery/internal/recoverydashboard"
	"github.com/smallbiznis/recovery/internal/scheduler"
	"github.com/smallbiznis/recovery/internal/seed"
	"github.com/smallbiznis/recovery/internal/server"
	"github.com/smallbiznis/recovery/internal/subscription"
	"github.com/smallbiznis/recovery/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		idgen.Module,
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,

		// Stores
		invoice.Module,
		subscription.Module,
		payment.Module,

		// Functional Domains
		gateway.Module,
		recovery.Module,
		churn.Module,
		recoverydashboard.Module,
		ratelimit.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}
