package seed

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/recovery/internal/clock"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	"github.com/smallbiznis/recovery/internal/migration"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	dashboarddomain "github.com/smallbiznis/recovery/internal/recoverydashboard/domain"
	dashboardservice "github.com/smallbiznis/recovery/internal/recoverydashboard/service"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/recovery/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestEnsureDemoDataIsIdempotent(t *testing.T) {
	db := setupDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

	seeded, err := EnsureDemoData(context.Background(), db, node, now)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = EnsureDemoData(context.Background(), db, node, now)
	require.NoError(t, err)
	assert.False(t, seeded)

	var invoices, failed, atRisk, payments int64
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Count(&invoices).Error)
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Where("status = ?", invoicedomain.InvoiceStatusFailed).Count(&failed).Error)
	require.NoError(t, db.Model(&subscriptiondomain.Subscription{}).Where("status = ?", subscriptiondomain.SubscriptionStatusAtRisk).Count(&atRisk).Error)
	require.NoError(t, db.Model(&paymentdomain.Payment{}).Count(&payments).Error)
	assert.Equal(t, int64(len(demoAccounts)), invoices)
	assert.Equal(t, int64(2), failed)
	assert.Equal(t, int64(2), atRisk)
	assert.Equal(t, int64(3), payments)
}

func TestDemoDataFeedsDashboard(t *testing.T) {
	db := setupDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)

	_, err = EnsureDemoData(context.Background(), db, node, now)
	require.NoError(t, err)

	svc := dashboardservice.New(dashboardservice.Params{
		DB:               db,
		Log:              zaptest.NewLogger(t),
		Clock:            clk,
		SubscriptionRepo: subscriptionrepo.Provide(),
	})
	dash, err := svc.GetRecoveryDashboard(context.Background(), dashboarddomain.DashboardRequest{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), dash.FailedInvoices)
	assert.Equal(t, int64(22800), dash.AtRiskRevenue)
	assert.Equal(t, int64(2), dash.AtRiskSubscriptions)
	require.Len(t, dash.AtRisk, 2)
	assert.Equal(t, int64(19900), dash.AtRisk[0].OutstandingAmount)
}
