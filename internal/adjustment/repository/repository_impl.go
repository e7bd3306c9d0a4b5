package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) FindPendingItems(ctx context.Context, ids []snowflake.ID) ([]domain.PendingItem, error) {
	var items []domain.PendingItem
	if len(ids) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repository) InsertPendingItems(ctx context.Context, items []domain.PendingItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *repository) DeletePendingItems(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.PendingItem{}).Error
}

func (r *repository) UpdatePendingItems(ctx context.Context, ids []snowflake.ID, update domain.PendingItemUpdate) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&domain.PendingItem{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":             update.Status,
			"assigned_broker_id": update.AssignedBrokerID,
			"assigned_at":        update.AssignedAt,
			"updated_at":         update.UpdatedAt,
		}).Error
}

func (r *repository) FindRawItems(ctx context.Context, ids []snowflake.ID) ([]domain.RawItem, error) {
	var items []domain.RawItem
	if len(ids) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repository) UpdateRawItemsBroker(ctx context.Context, ids []snowflake.ID, brokerID *snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&domain.RawItem{}).
		Where("id IN ?", ids).
		Update("broker_id", brokerID).Error
}

func (r *repository) InsertReport(ctx context.Context, report *domain.AdjustmentReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

func (r *repository) FindReport(ctx context.Context, id snowflake.ID) (*domain.AdjustmentReport, error) {
	var report domain.AdjustmentReport
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

func (r *repository) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.AdjustmentReport, error) {
	var reports []domain.AdjustmentReport
	stmt := r.db.WithContext(ctx).Model(&domain.AdjustmentReport{})
	if filter.BrokerID != nil {
		stmt = stmt.Where("broker_id = ?", *filter.BrokerID)
	}
	if filter.Status != nil {
		stmt = stmt.Where("status = ?", *filter.Status)
	}
	if filter.PaymentMode != nil {
		stmt = stmt.Where("payment_mode = ?", *filter.PaymentMode)
	}
	if len(filter.IDs) > 0 {
		stmt = stmt.Where("id IN ?", filter.IDs)
	}
	err := stmt.Order("created_at DESC").Order("id DESC").Find(&reports).Error
	return reports, err
}

func (r *repository) UpdateReport(ctx context.Context, id snowflake.ID, expectedVersion int64, update domain.ReportUpdate) error {
	values := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": update.UpdatedAt,
	}
	if update.Status != nil {
		values["status"] = *update.Status
	}
	if update.TotalAmount != nil {
		values["total_amount"] = *update.TotalAmount
	}
	if update.AdminNotes != nil {
		values["admin_notes"] = *update.AdminNotes
	}
	if update.ReviewedAt != nil {
		values["reviewed_at"] = *update.ReviewedAt
	}
	if update.ReviewedBy != nil {
		values["reviewed_by"] = *update.ReviewedBy
	}
	if update.PaidDate != nil {
		values["paid_date"] = *update.PaidDate
	}

	result := r.db.WithContext(ctx).
		Model(&domain.AdjustmentReport{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (r *repository) DeleteReport(ctx context.Context, id snowflake.ID, expectedVersion int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND version = ?", id, expectedVersion).Delete(&domain.AdjustmentReport{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}
		return tx.Where("report_id = ?", id).Delete(&domain.AdjustmentReportItem{}).Error
	})
}

func (r *repository) DeleteReports(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_id IN ?", ids).Delete(&domain.AdjustmentReportItem{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&domain.AdjustmentReport{}).Error
	})
}

func (r *repository) InsertReportItems(ctx context.Context, items []domain.AdjustmentReportItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

func (r *repository) ListReportItems(ctx context.Context, reportIDs []snowflake.ID) ([]domain.AdjustmentReportItem, error) {
	var items []domain.AdjustmentReportItem
	if len(reportIDs) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Where("report_id IN ?", reportIDs).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

func (r *repository) FindMemberships(ctx context.Context, pendingItemIDs []snowflake.ID) ([]domain.AdjustmentReportItem, error) {
	var items []domain.AdjustmentReportItem
	if len(pendingItemIDs) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Joins("JOIN adjustment_reports ON adjustment_reports.id = adjustment_report_items.report_id").
		Where("adjustment_report_items.pending_item_id IN ?", pendingItemIDs).
		Where("adjustment_reports.status <> ?", domain.ReportStatusRejected).
		Find(&items).Error
	return items, err
}

func (r *repository) DeleteReportItems(ctx context.Context, reportID snowflake.ID, pendingItemIDs []snowflake.ID) error {
	if len(pendingItemIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("report_id = ? AND pending_item_id IN ?", reportID, pendingItemIDs).
		Delete(&domain.AdjustmentReportItem{}).Error
}

func (r *repository) UpdateReportItem(ctx context.Context, reportID, itemID snowflake.ID, overridePercent decimal.NullDecimal, brokerCommission decimal.Decimal) error {
	result := r.db.WithContext(ctx).
		Model(&domain.AdjustmentReportItem{}).
		Where("id = ? AND report_id = ?", itemID, reportID).
		Updates(map[string]any{
			"override_percent":  overridePercent,
			"broker_commission": brokerCommission,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (r *repository) ReparentReportItems(ctx context.Context, fromReportIDs []snowflake.ID, toReportID snowflake.ID) error {
	if len(fromReportIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&domain.AdjustmentReportItem{}).
		Where("report_id IN ?", fromReportIDs).
		Update("report_id", toReportID).Error
}

func (r *repository) FindBroker(ctx context.Context, id snowflake.ID) (*domain.Broker, error) {
	var broker domain.Broker
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&broker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &broker, nil
}

func (r *repository) FindBrokers(ctx context.Context, ids []snowflake.ID) ([]domain.Broker, error) {
	var brokers []domain.Broker
	if len(ids) == 0 {
		return brokers, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&brokers).Error
	return brokers, err
}
