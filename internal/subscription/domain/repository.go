package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	UpdateLifecycle(ctx context.Context, db *gorm.DB, id snowflake.ID, update LifecycleUpdate) error
	ListByStatuses(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus) ([]Subscription, error)
}
