// Package gateway defines the payment gateway contract and a simulated gateway.
package gateway

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// ChargeRequest is a single charge against an invoice.
type ChargeRequest struct {
	InvoiceID      snowflake.ID
	Amount         int64
	Currency       string
	Method         string
	IdempotencyKey string
}

// ChargeResult is the gateway's verdict. A declined charge is Success=false
// with a FailureReason, not an error.
type ChargeResult struct {
	Success        bool
	TransactionRef string
	Response       map[string]any
	FailureReason  string
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}
