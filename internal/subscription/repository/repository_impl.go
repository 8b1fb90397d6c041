package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/recovery/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.take(db.WithContext(ctx), id)
}

// FindByIDForUpdate row-locks the subscription for the rest of the
// transaction. Callers lock the invoice first.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.take(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

// take returns nil, nil when no subscription has id.
func (r *repo) take(q *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	switch err := q.Where("id = ?", id).Take(&subscription).Error; {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, id snowflake.ID, update subscriptiondomain.LifecycleUpdate) error {
	values := map[string]any{
		"status":     update.Status,
		"updated_at": update.UpdatedAt,
	}
	if update.ClosedReason != nil {
		values["closed_reason"] = *update.ClosedReason
	}
	if update.ActivatedAt != nil {
		values["activated_at"] = *update.ActivatedAt
	}
	if update.AtRiskAt != nil {
		values["at_risk_at"] = *update.AtRiskAt
	}
	if update.ClosedAt != nil {
		values["closed_at"] = *update.ClosedAt
	}

	result := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
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

func (r *repo) ListByStatuses(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.SubscriptionStatus) ([]subscriptiondomain.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
