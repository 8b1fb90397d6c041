// Package domain contains persistence models and lifecycle rules for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusDraft     SubscriptionStatus = "DRAFT"
	SubscriptionStatusQuotation SubscriptionStatus = "QUOTATION"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusAtRisk    SubscriptionStatus = "AT_RISK"
	SubscriptionStatusClosed    SubscriptionStatus = "CLOSED"
)

const ClosedReasonPaymentFailure = "payment_failure"

// Subscription captures a customer's recurring agreement for a product.
type Subscription struct {
	ID           snowflake.ID       `gorm:"primaryKey"`
	CustomerID   snowflake.ID       `gorm:"not null;index"`
	ProductID    snowflake.ID       `gorm:"not null;index"`
	Status       SubscriptionStatus `gorm:"type:text;not null;index"`
	ClosedReason *string            `gorm:"type:text"`
	StartAt      time.Time          `gorm:"not null"`
	EndAt        *time.Time         `gorm:""`
	ActivatedAt  *time.Time         `gorm:""`
	AtRiskAt     *time.Time         `gorm:""`
	ClosedAt     *time.Time         `gorm:""`
	Metadata     datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt    time.Time          `gorm:"not null"`
	UpdatedAt    time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// LifecycleUpdate is the set of columns written by a lifecycle transition.
type LifecycleUpdate struct {
	Status       SubscriptionStatus
	ClosedReason *string
	ActivatedAt  *time.Time
	AtRiskAt     *time.Time
	ClosedAt     *time.Time
	UpdatedAt    time.Time
}
