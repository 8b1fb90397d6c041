package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	ListPaymentsByInvoiceIDs(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]Payment, error)
}

// LedgerRepository stores the retry ledger. Callers must hold the invoice row
// lock between CountRetries and AppendRetry.
type LedgerRepository interface {
	CountRetries(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error)
	AppendRetry(ctx context.Context, db *gorm.DB, retry *PaymentRetry) error
	ListRetries(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentRetry, error)
	ListRetriesByInvoiceIDs(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]PaymentRetry, error)
	FindRetryByIdempotencyKey(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, key string) (*PaymentRetry, error)
}
