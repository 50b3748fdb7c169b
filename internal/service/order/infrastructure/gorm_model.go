package infrastructure

import (
	"database/sql"
	"time"
)

// StockModel 对应数据库中的 stock_ledger 表
type StockModel struct {
	ProductID string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Total     int
	Available int
	Locked    int
	Deducted  int
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (StockModel) TableName() string {
	return "stock_ledger"
}

// OrderModel 对应数据库中的 orders 表
type OrderModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	ProductID        string `gorm:"size:64;index"`
	Quantity         int
	ReservedQuantity int
	BuyerID          string `gorm:"size:64;index"`
	BuyerName        string `gorm:"size:255"`
	Status           string `gorm:"size:20;index"`
	Resolution       string `gorm:"size:20"`
	CancelReason     string `gorm:"size:20"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           sql.NullTime
	FulfilledAt      sql.NullTime
	CancelledAt      sql.NullTime
}

func (OrderModel) TableName() string {
	return "orders"
}
