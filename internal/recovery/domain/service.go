// Package domain defines the payment recovery contract.
package domain

import (
	"context"
	"time"

	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
)

type Service interface {
	ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (*PaymentResult, error)
	RetryPayment(ctx context.Context, req RetryPaymentRequest) (*PaymentResult, error)
	GetRetryHistory(ctx context.Context, invoiceID string) (*RetryHistory, error)
}

type ProcessPaymentRequest struct {
	InvoiceID string `json:"-"`
	Method    string `json:"method"`
}

type RetryPaymentRequest struct {
	InvoiceID      string `json:"-"`
	Method         string `json:"method"`
	IdempotencyKey string `json:"idempotency_key"`
}

// PaymentResult is the outcome of a first charge or a retry. A declined
// charge is Success=false with Error set and a nil Go error.
type PaymentResult struct {
	Success            bool                                  `json:"success"`
	InvoiceID          string                                `json:"invoice_id"`
	AttemptNumber      int                                   `json:"attempt_number,omitempty"`
	MaxRetries         int                                   `json:"max_retries"`
	RetriesRemaining   int                                   `json:"retries_remaining"`
	InvoiceStatus      invoicedomain.InvoiceStatus           `json:"invoice_status"`
	SubscriptionID     string                                `json:"subscription_id,omitempty"`
	SubscriptionStatus subscriptiondomain.SubscriptionStatus `json:"subscription_status,omitempty"`
	TransactionRef     string                                `json:"transaction_ref,omitempty"`
	PaymentID          string                                `json:"payment_id,omitempty"`
	Replayed           bool                                  `json:"replayed,omitempty"`
	Error              *OutcomeError                         `json:"error,omitempty"`
}

type RetryAttempt struct {
	ID             string                      `json:"id"`
	AttemptNumber  int                         `json:"attempt_number"`
	Status         paymentdomain.PaymentStatus `json:"status"`
	Method         string                      `json:"method"`
	TransactionRef string                      `json:"transaction_ref,omitempty"`
	ErrorMessage   *string                     `json:"error_message,omitempty"`
	IdempotencyKey *string                     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
}

type RetryHistory struct {
	InvoiceID        string                      `json:"invoice_id"`
	InvoiceStatus    invoicedomain.InvoiceStatus `json:"invoice_status"`
	MaxRetries       int                         `json:"max_retries"`
	RetriesUsed      int                         `json:"retries_used"`
	RetriesRemaining int                         `json:"retries_remaining"`
	Attempts         []RetryAttempt              `json:"attempts"`
}
