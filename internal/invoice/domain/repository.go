package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, update StatusUpdate) error
	ListByCustomer(ctx context.Context, db *gorm.DB, customerID snowflake.ID) ([]Invoice, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status InvoiceStatus, afterID snowflake.ID, limit int) ([]Invoice, error)
}
