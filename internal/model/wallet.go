package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet 用户钱包表
// 每个用户一个钱包，balance 是流水表金额求和的缓存值
//
// 【重要】余额一致性约束：
// 任意时刻（未处于变更事务中）必须满足 balance == sum(ledger_entry.amount)
// 余额只能通过 WalletGuard 变更，每次变更与流水写入在同一个本地事务内完成
type Wallet struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64           `gorm:"uniqueIndex;not null" json:"user_id"`                  // 用户ID（1:1）
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"` // 当前余额（流水求和的缓存）
	Currency  string          `gorm:"type:varchar(8);not null;default:CNY" json:"currency"` // 币种
	Version   int             `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}
