// Package domain contains payment records and the per-invoice retry ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Payment is a settled or declined charge against an invoice.
type Payment struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	InvoiceID       snowflake.ID   `json:"invoice_id" gorm:"not null;index"`
	Amount          int64          `json:"amount" gorm:"not null"`
	Currency        string         `json:"currency" gorm:"type:text;not null"`
	Method          string         `json:"method" gorm:"type:text;not null"`
	Status          PaymentStatus  `json:"status" gorm:"type:text;not null;index"`
	TransactionRef  string         `json:"transaction_ref" gorm:"type:text"`
	GatewayResponse datatypes.JSON `json:"gateway_response" gorm:"type:jsonb"`
	FailureReason   *string        `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null;index"`
}

func (Payment) TableName() string { return "payments" }

// PaymentRetry is one append-only ledger row. AttemptNumber is 1-based and
// contiguous per invoice.
type PaymentRetry struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	InvoiceID       snowflake.ID   `json:"invoice_id" gorm:"not null;uniqueIndex:ux_payment_retries_attempt,priority:1;uniqueIndex:ux_payment_retries_idempotency,priority:1"`
	AttemptNumber   int            `json:"attempt_number" gorm:"not null;uniqueIndex:ux_payment_retries_attempt,priority:2"`
	Status          PaymentStatus  `json:"status" gorm:"type:text;not null"`
	Method          string         `json:"method" gorm:"type:text;not null"`
	TransactionRef  string         `json:"transaction_ref" gorm:"type:text"`
	GatewayResponse datatypes.JSON `json:"gateway_response" gorm:"type:jsonb"`
	ErrorMessage    *string        `json:"error_message,omitempty" gorm:"type:text"`
	IdempotencyKey  *string        `json:"idempotency_key,omitempty" gorm:"type:text;uniqueIndex:ux_payment_retries_idempotency,priority:2"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null;index"`
}

func (PaymentRetry) TableName() string { return "payment_retries" }

func (r PaymentRetry) Succeeded() bool { return r.Status == PaymentStatusSuccess }
