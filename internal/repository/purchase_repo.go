package repository

import (
	"context"
	"errors"
	"time"

	"topupmall/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPurchaseNotFound      = errors.New("购买记录不存在")
	ErrPurchaseStatusInvalid = errors.New("购买单状态不合法")
)

type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

func (r *PurchaseRepository) Create(ctx context.Context, record *model.PurchaseRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *PurchaseRepository) GetByPurchaseNo(ctx context.Context, purchaseNo string) (*model.PurchaseRecord, error) {
	var record model.PurchaseRecord
	err := r.db.WithContext(ctx).Where("purchase_no = ?", purchaseNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *PurchaseRepository) GetByRequestID(ctx context.Context, requestID string) (*model.PurchaseRecord, error) {
	var record model.PurchaseRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// StatusUpdate 状态迁移时一并落库的附加字段
type StatusUpdate struct {
	FulfillmentStatus string
	StatusMessage     string
	LedgerEntryNo     string
}

// UpdateStatus 按状态机做 CAS 迁移：WHERE status = from 保证不覆盖并发写入
func (r *PurchaseRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, purchaseNo string, fromStatus, toStatus string, extra *StatusUpdate) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrPurchaseStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if extra != nil {
		if extra.FulfillmentStatus != "" {
			updates["fulfillment_status"] = extra.FulfillmentStatus
		}
		if extra.StatusMessage != "" {
			updates["status_message"] = extra.StatusMessage
		}
		if extra.LedgerEntryNo != "" {
			updates["ledger_entry_no"] = extra.LedgerEntryNo
		}
	}

	result := tx.WithContext(ctx).
		Model(&model.PurchaseRecord{}).
		Where("purchase_no = ? AND status = ?", purchaseNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPurchaseStatusInvalid
	}

	return nil
}

// FinalizeWithOutbox 状态迁移与事件落库在同一个本地事务内（事务性发件箱）
func (r *PurchaseRepository) FinalizeWithOutbox(ctx context.Context, purchaseNo string, fromStatus, toStatus string, extra *StatusUpdate, msg *model.OutboxMessage) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := r.UpdateStatus(ctx, tx, purchaseNo, fromStatus, toStatus, extra); err != nil {
			return err
		}
		if msg != nil {
			if err := tx.WithContext(ctx).Create(msg).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStuckProcessing 查询长时间停留在 PROCESSING 的购买单，供对账任务兜底
func (r *PurchaseRepository) GetStuckProcessing(ctx context.Context, beforeTime time.Time, limit int) ([]*model.PurchaseRecord, error) {
	var records []*model.PurchaseRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.PurchaseStatusProcessing, beforeTime).
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *PurchaseRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PurchaseRecord, int64, error) {
	var records []*model.PurchaseRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PurchaseRecord{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
