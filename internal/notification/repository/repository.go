package repository

import (
	"context"

	"github.com/smallbiznis/brokerpay/internal/notification/domain"
	"gorm.io/gorm"
)

const defaultListLimit = 100

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, n *domain.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *repository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Notification, error) {
	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}

	stmt := r.db.WithContext(ctx).Where("audience = ?", filter.Audience)
	if filter.BrokerID != nil {
		stmt = stmt.Where("broker_id = ?", *filter.BrokerID)
	}

	var items []domain.Notification
	err := stmt.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&items).Error
	return items, err
}
