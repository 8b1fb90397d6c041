// Package domain contains persistence models and lifecycle rules for invoices.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusConfirmed InvoiceStatus = "CONFIRMED"
	InvoiceStatusFailed    InvoiceStatus = "FAILED"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
)

// Invoice is a billable amount owed by a customer, optionally tied to a subscription.
type Invoice struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	CustomerID     snowflake.ID      `gorm:"not null;index"`
	SubscriptionID *snowflake.ID     `gorm:"index"`
	InvoiceNumber  string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	Status         InvoiceStatus     `gorm:"type:text;not null;default:'DRAFT';index"`
	AmountDue      int64             `gorm:"not null;default:0"`
	Currency       string            `gorm:"type:text;not null"`
	DueAt          *time.Time        `gorm:""`
	PaidAt         *time.Time        `gorm:""`
	FailedAt       *time.Time        `gorm:""`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null"`
	UpdatedAt      time.Time         `gorm:"not null"`
	DeletedAt      gorm.DeletedAt    `gorm:"index"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// IsOverdue reports whether the invoice is unpaid past its due date.
func (i Invoice) IsOverdue(now time.Time) bool {
	if i.DueAt == nil {
		return false
	}
	if i.Status != InvoiceStatusConfirmed && i.Status != InvoiceStatusFailed {
		return false
	}
	return i.DueAt.Before(now)
}

// StatusUpdate carries the timestamps written alongside a status change.
type StatusUpdate struct {
	Status    InvoiceStatus
	PaidAt    *time.Time
	FailedAt  *time.Time
	UpdatedAt time.Time
}
