// Package domain defines churn risk signals, scores and the scoring rules.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
)

type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

var levelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// ParseLevel accepts an empty string as LOW.
func ParseLevel(raw string) (Level, bool) {
	if raw == "" {
		return LevelLow, true
	}
	level := Level(raw)
	_, ok := levelRank[level]
	return level, ok
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

const (
	SignalFailedPayments    = "failed_payments"
	SignalLatePayments      = "late_payments"
	SignalOverdueInvoices   = "overdue_invoices"
	SignalSubscriptionAge   = "subscription_age"
	SignalPaymentInactivity = "payment_inactivity"
	SignalExpiration        = "expiration"
)

// Signals is everything the scorer needs about one subscription and its customer.
type Signals struct {
	SubscriptionID snowflake.ID
	CustomerID     snowflake.ID
	Status         subscriptiondomain.SubscriptionStatus
	StartAt        time.Time
	EndAt          *time.Time

	InvoiceCount       int
	FailedPayments     int
	LatePayments       int
	TotalPayments      int
	OverdueInvoices    int
	OldestOverdueAt    *time.Time
	OverdueAmount      int64
	Currency           string
	LastSuccessfulPaid *time.Time
}

type Factor struct {
	Signal string `json:"signal"`
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

type Score struct {
	SubscriptionID  string                                `json:"subscription_id"`
	CustomerID      string                                `json:"customer_id"`
	Status          subscriptiondomain.SubscriptionStatus `json:"status"`
	Score           int                                   `json:"score"`
	Level           Level                                 `json:"level"`
	Factors         []Factor                              `json:"factors"`
	Recommendations []string                              `json:"recommendations"`
	ComputedAt      time.Time                             `json:"computed_at"`
}

type ScoreAllRequest struct {
	MinLevel Level
	Limit    int
}

type Service interface {
	ScoreSubscription(ctx context.Context, subscriptionID string) (*Score, error)
	ScoreAllAtRisk(ctx context.Context, req ScoreAllRequest) ([]Score, error)
}
