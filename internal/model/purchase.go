package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PurchaseStatusPending    = "PENDING"    // 已创建，尚未扣款
	PurchaseStatusProcessing = "PROCESSING" // 已扣款，等待外部发货
	PurchaseStatusCompleted  = "COMPLETED"  // 发货成功（终态）
	PurchaseStatusFailed     = "FAILED"     // 失败（终态，扣过款则已补偿退回）
	PurchaseStatusRefunded   = "REFUNDED"   // 已退款
)

// ValidStatusTransitions 购买单状态机
// PENDING/PROCESSING 是中间态；COMPLETED 和 FAILED 是终态；
// REFUNDED 仅能从 FAILED（补偿路径）或 COMPLETED（主动退款）到达
var ValidStatusTransitions = map[string][]string{
	PurchaseStatusPending:    {PurchaseStatusProcessing, PurchaseStatusFailed},
	PurchaseStatusProcessing: {PurchaseStatusCompleted, PurchaseStatusFailed},
	PurchaseStatusCompleted:  {PurchaseStatusRefunded},
	PurchaseStatusFailed:     {PurchaseStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

const (
	FulfillmentStatusSuccess = "SUCCESS"
	FulfillmentStatusFailed  = "FAILED"
)

// PurchaseRecord 购买记录表
// 每次购买尝试一条记录，单价在扣款时刻快照，后续改价不回溯影响历史记录
type PurchaseRecord struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PurchaseNo        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"purchase_no"`
	RequestID         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID，客户端生成
	UserID            int64           `gorm:"index;not null" json:"user_id"`
	ProductID         int64           `gorm:"not null" json:"product_id"`
	Quantity          int             `gorm:"not null" json:"quantity"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"unit_price"`    // 下单时刻的单价快照
	TotalAmount       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total_amount"`  // unit_price * quantity
	Status            string          `gorm:"type:varchar(20);index;not null" json:"status"`    // 状态机见 ValidStatusTransitions
	FulfillmentStatus string          `gorm:"type:varchar(20)" json:"fulfillment_status"`       // 外部发货结果（可空）
	StatusMessage     string          `gorm:"type:varchar(256)" json:"status_message"`          // 失败原因等人类可读信息
	LedgerEntryNo     string          `gorm:"type:varchar(64)" json:"ledger_entry_no"`          // 扣款流水号（可空）
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PurchaseRecord) TableName() string {
	return "purchase_record"
}
