package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product 商品表（目录侧协作方，本服务只读价格和上架状态）
type Product struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string          `gorm:"type:varchar(128);not null" json:"name"`
	Price       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"price"`
	IsAvailable bool            `gorm:"not null;default:true" json:"is_available"` // 是否上架
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Product) TableName() string {
	return "product"
}

// User 用户表（目录侧协作方，本服务只做 username -> user_id 解析）
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "user"
}
