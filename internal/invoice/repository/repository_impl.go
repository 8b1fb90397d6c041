package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/recovery/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Create(invoice).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FindByIDForUpdate row-locks the invoice until the surrounding transaction ends.
// Soft-deleted invoices are treated as absent.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update invoicedomain.StatusUpdate) error {
	values := map[string]any{
		"status":     update.Status,
		"updated_at": update.UpdatedAt,
	}
	if update.PaidAt != nil {
		values["paid_at"] = *update.PaidAt
	}
	if update.FailedAt != nil {
		values["failed_at"] = *update.FailedAt
	}

	result := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ?", id).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at ASC, id ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// ListByStatus pages through invoices with the given status by ascending id.
func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status invoicedomain.InvoiceStatus, afterID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("status = ? AND id > ?", status, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
