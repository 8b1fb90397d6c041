// Package domain defines the payment recovery dashboard read model.
package domain

import (
	"context"
	"time"
)

const (
	DefaultDays  = 30
	MaxDays      = 365
	DefaultLimit = 10
	MaxLimit     = 100
)

type DashboardRequest struct {
	Days  int
	Limit int
}

// Dashboard is a point-in-time snapshot of failed-payment recovery.
type Dashboard struct {
	FailedInvoices      int64   `json:"failed_invoices"`
	RecoveredInvoices   int64   `json:"recovered_invoices"`
	AtRiskRevenue       int64   `json:"at_risk_revenue"`
	RecoveredRevenue    int64   `json:"recovered_revenue"`
	AtRiskSubscriptions int64   `json:"at_risk_subscriptions"`
	RecoveryRate        float64 `json:"recovery_rate"`

	Days     int              `json:"days"`
	Timeline []TimelineBucket `json:"timeline"`
	AtRisk   []AtRiskEntry    `json:"at_risk"`

	GeneratedAt time.Time `json:"generated_at"`
}

// TimelineBucket aggregates retry ledger rows for one UTC day.
type TimelineBucket struct {
	Date            string `json:"date"`
	Attempts        int64  `json:"attempts"`
	Successes       int64  `json:"successes"`
	Failures        int64  `json:"failures"`
	RecoveredAmount int64  `json:"recovered_amount"`
}

type AtRiskEntry struct {
	SubscriptionID    string     `json:"subscription_id"`
	CustomerID        string     `json:"customer_id"`
	FailedInvoices    int64      `json:"failed_invoices"`
	OutstandingAmount int64      `json:"outstanding_amount"`
	Currency          string     `json:"currency,omitempty"`
	AtRiskSince       *time.Time `json:"at_risk_since,omitempty"`
}

type Service interface {
	GetRecoveryDashboard(ctx context.Context, req DashboardRequest) (*Dashboard, error)
}
