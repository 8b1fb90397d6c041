package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/recovery/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func ProvideLedger() paymentdomain.LedgerRepository {
	return &repo{}
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *paymentdomain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) ListPaymentsByInvoiceIDs(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]paymentdomain.Payment, error) {
	if len(invoiceIDs) == 0 {
		return nil, nil
	}
	var payments []paymentdomain.Payment
	err := db.WithContext(ctx).
		Where("invoice_id IN ?", invoiceIDs).
		Order("created_at ASC, id ASC").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) CountRetries(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&paymentdomain.PaymentRetry{}).
		Where("invoice_id = ?", invoiceID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *repo) AppendRetry(ctx context.Context, db *gorm.DB, retry *paymentdomain.PaymentRetry) error {
	return db.WithContext(ctx).Create(retry).Error
}

func (r *repo) ListRetries(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]paymentdomain.PaymentRetry, error) {
	var retries []paymentdomain.PaymentRetry
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("attempt_number ASC").
		Find(&retries).Error
	if err != nil {
		return nil, err
	}
	return retries, nil
}

func (r *repo) ListRetriesByInvoiceIDs(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]paymentdomain.PaymentRetry, error) {
	if len(invoiceIDs) == 0 {
		return nil, nil
	}
	var retries []paymentdomain.PaymentRetry
	err := db.WithContext(ctx).
		Where("invoice_id IN ?", invoiceIDs).
		Order("invoice_id ASC, attempt_number ASC").
		Find(&retries).Error
	if err != nil {
		return nil, err
	}
	return retries, nil
}

func (r *repo) FindRetryByIdempotencyKey(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, key string) (*paymentdomain.PaymentRetry, error) {
	if key == "" {
		return nil, nil
	}
	var retry paymentdomain.PaymentRetry
	err := db.WithContext(ctx).
		Where("invoice_id = ? AND idempotency_key = ?", invoiceID, key).
		Take(&retry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &retry, nil
}
