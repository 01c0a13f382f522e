package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	EntryKindDeposit           = "DEPOSIT"            // 充值入账
	EntryKindWithdrawal        = "WITHDRAWAL"         // 提现出账
	EntryKindPurchaseDeduction = "PURCHASE_DEDUCTION" // 购买扣款
	EntryKindRefundCredit      = "REFUND_CREDIT"      // 退款/补偿入账
	EntryKindPendingDeposit    = "PENDING_DEPOSIT"    // 在途入账（预留）
)

// ============================================================================
// 钱包流水实体
// ============================================================================

// LedgerEntry 钱包流水表
// 记录钱包的每一笔资金变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 金额带符号：入账为正，出账为负
// 3. external_ref 在同一钱包内唯一 —— 数据库层面的幂等兜底
//    （充值用支付网关的 payment_ref，退款用 REFUND:<purchase_no>）
type LedgerEntry struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo           string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"`                               // 流水号（全局唯一）
	WalletID          int64           `gorm:"not null;index;uniqueIndex:uk_wallet_external_ref,priority:1" json:"wallet_id"`       // 所属钱包
	Kind              string          `gorm:"type:varchar(32);not null" json:"kind"`                                               // 流水类型
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`                                           // 金额（入账为正，出账为负）
	ExternalRef       *string         `gorm:"type:varchar(128);uniqueIndex:uk_wallet_external_ref,priority:2" json:"external_ref"` // 幂等参考号（可空）
	RelatedPurchaseNo string          `gorm:"type:varchar(64);index" json:"related_purchase_no,omitempty"`                         // 关联购买单号（可空）
	Description       string          `gorm:"type:varchar(256)" json:"description"`                                                // 备注
	CreatedAt         time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entry"
}

// ExternalRefOf 构造流水的幂等参考号指针，空串表示无参考号
func ExternalRefOf(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}
