package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recovery/internal/clock"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	dashboarddomain "github.com/smallbiznis/recovery/internal/recoverydashboard/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dayLayout = "2006-01-02"

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	SubscriptionRepo subscriptiondomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	subscriptionRepo subscriptiondomain.Repository
}

func New(p Params) dashboarddomain.Service {
	svcClock := p.Clock
	if svcClock == nil {
		svcClock = &clock.SystemClock{}
	}
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("recoverydashboard.service"),
		clock:            svcClock,
		subscriptionRepo: p.SubscriptionRepo,
	}
}

type totalsRow struct {
	Count  int64 `gorm:"column:count"`
	Amount int64 `gorm:"column:amount"`
}

type ledgerRow struct {
	CreatedAt time.Time                   `gorm:"column:created_at"`
	Status    paymentdomain.PaymentStatus `gorm:"column:status"`
	AmountDue int64                       `gorm:"column:amount_due"`
}

type outstandingRow struct {
	SubscriptionID    snowflake.ID `gorm:"column:subscription_id"`
	FailedInvoices    int64        `gorm:"column:failed_invoices"`
	OutstandingAmount int64        `gorm:"column:outstanding_amount"`
	Currency          string       `gorm:"column:currency"`
}

func (s *Service) GetRecoveryDashboard(ctx context.Context, req dashboarddomain.DashboardRequest) (*dashboarddomain.Dashboard, error) {
	days, limit, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	start := startOfDay(now).AddDate(0, 0, -(days - 1))

	dashboard := &dashboarddomain.Dashboard{
		Days:        days,
		GeneratedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var failed totalsRow
		if err := tx.Raw(`
			SELECT COUNT(*) AS count, COALESCE(SUM(amount_due), 0) AS amount
			FROM invoices
			WHERE status = ? AND deleted_at IS NULL`,
			string(invoicedomain.InvoiceStatusFailed),
		).Scan(&failed).Error; err != nil {
			return err
		}

		var recovered totalsRow
		if err := tx.Raw(`
			SELECT COUNT(*) AS count, COALESCE(SUM(i.amount_due), 0) AS amount
			FROM invoices i
			WHERE i.status = ? AND i.deleted_at IS NULL
			  AND EXISTS (
				SELECT 1 FROM payment_retries r
				WHERE r.invoice_id = i.id AND r.status = ?
			  )`,
			string(invoicedomain.InvoiceStatusPaid),
			string(paymentdomain.PaymentStatusSuccess),
		).Scan(&recovered).Error; err != nil {
			return err
		}

		var atRiskCount int64
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("status = ?", subscriptiondomain.SubscriptionStatusAtRisk).
			Count(&atRiskCount).Error; err != nil {
			return err
		}

		var ledger []ledgerRow
		if err := tx.Table("payment_retries AS r").
			Select("r.created_at AS created_at, r.status AS status, i.amount_due AS amount_due").
			Joins("JOIN invoices i ON i.id = r.invoice_id").
			Where("r.created_at >= ? AND i.deleted_at IS NULL", start).
			Order("r.created_at ASC").
			Scan(&ledger).Error; err != nil {
			return err
		}

		atRisk, err := s.atRiskEntries(ctx, tx, limit)
		if err != nil {
			return err
		}

		dashboard.FailedInvoices = failed.Count
		dashboard.AtRiskRevenue = failed.Amount
		dashboard.RecoveredInvoices = recovered.Count
		dashboard.RecoveredRevenue = recovered.Amount
		dashboard.AtRiskSubscriptions = atRiskCount
		dashboard.Timeline = buildTimeline(start, days, ledger)
		dashboard.AtRisk = atRisk
		return nil
	})
	if err != nil {
		var recErr *recoverydomain.Error
		if errors.As(err, &recErr) {
			return nil, recErr
		}
		s.log.Error("recovery dashboard read failed", zap.Error(err))
		return nil, recoverydomain.Wrap(recoverydomain.KindTransactionAborted, "recovery dashboard read failed", err)
	}

	dashboard.RecoveryRate = dashboarddomain.RecoveryRate(dashboard.RecoveredInvoices, dashboard.FailedInvoices)
	return dashboard, nil
}

// atRiskEntries ranks AT_RISK subscriptions by the FAILED invoice amount
// still owed on them.
func (s *Service) atRiskEntries(ctx context.Context, tx *gorm.DB, limit int) ([]dashboarddomain.AtRiskEntry, error) {
	subs, err := s.subscriptionRepo.ListByStatuses(ctx, tx, []subscriptiondomain.SubscriptionStatus{
		subscriptiondomain.SubscriptionStatusAtRisk,
	})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return []dashboarddomain.AtRiskEntry{}, nil
	}

	var rows []outstandingRow
	if err := tx.Raw(`
		SELECT subscription_id,
		       COUNT(*) AS failed_invoices,
		       COALESCE(SUM(amount_due), 0) AS outstanding_amount,
		       MIN(currency) AS currency
		FROM invoices
		WHERE status = ? AND subscription_id IS NOT NULL AND deleted_at IS NULL
		GROUP BY subscription_id`,
		string(invoicedomain.InvoiceStatusFailed),
	).Scan(&rows).Error; err != nil {
		return nil, err
	}
	outstanding := make(map[snowflake.ID]outstandingRow, len(rows))
	for _, row := range rows {
		outstanding[row.SubscriptionID] = row
	}

	type rankedEntry struct {
		id    snowflake.ID
		entry dashboarddomain.AtRiskEntry
	}
	ranked := make([]rankedEntry, 0, len(subs))
	for _, sub := range subs {
		row := outstanding[sub.ID]
		ranked = append(ranked, rankedEntry{
			id: sub.ID,
			entry: dashboarddomain.AtRiskEntry{
				SubscriptionID:    sub.ID.String(),
				CustomerID:        sub.CustomerID.String(),
				FailedInvoices:    row.FailedInvoices,
				OutstandingAmount: row.OutstandingAmount,
				Currency:          row.Currency,
				AtRiskSince:       sub.AtRiskAt,
			},
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].entry.OutstandingAmount != ranked[j].entry.OutstandingAmount {
			return ranked[i].entry.OutstandingAmount > ranked[j].entry.OutstandingAmount
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]dashboarddomain.AtRiskEntry, 0, len(ranked))
	for _, item := range ranked {
		out = append(out, item.entry)
	}
	return out, nil
}

func buildTimeline(start time.Time, days int, ledger []ledgerRow) []dashboarddomain.TimelineBucket {
	buckets := make([]dashboarddomain.TimelineBucket, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format(dayLayout)
		buckets[i].Date = date
		index[date] = i
	}

	for _, row := range ledger {
		i, ok := index[row.CreatedAt.UTC().Format(dayLayout)]
		if !ok {
			continue
		}
		bucket := &buckets[i]
		bucket.Attempts++
		if row.Status == paymentdomain.PaymentStatusSuccess {
			bucket.Successes++
			bucket.RecoveredAmount += row.AmountDue
		} else {
			bucket.Failures++
		}
	}
	return buckets
}

func normalizeRequest(req dashboarddomain.DashboardRequest) (int, int, error) {
	days := req.Days
	if days == 0 {
		days = dashboarddomain.DefaultDays
	}
	if days < 0 || days > dashboarddomain.MaxDays {
		return 0, 0, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "days is out of range", map[string]any{
			"days": req.Days,
			"max":  dashboarddomain.MaxDays,
		})
	}

	limit := req.Limit
	if limit == 0 {
		limit = dashboarddomain.DefaultLimit
	}
	if limit < 0 || limit > dashboarddomain.MaxLimit {
		return 0, 0, recoverydomain.NewError(recoverydomain.KindInvalidRequest, "limit is out of range", map[string]any{
			"limit": req.Limit,
			"max":   dashboarddomain.MaxLimit,
		})
	}
	return days, limit, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
