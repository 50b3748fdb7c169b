package port

import (
	"context"

	"stockflow/internal/service/order/domain"
)

// StockLedger 是库存账本的出站端口。
// 每个方法对同一商品的其他操作都是原子的。
type StockLedger interface {
	// Reserve 预占库存: available -= qty, locked += qty
	Reserve(ctx context.Context, productID string, qty int) error

	// Confirm 确认扣减: locked -= qty, deducted += qty, total -= qty
	Confirm(ctx context.Context, productID string, qty int) error

	// Release 是 Reserve 的补偿操作: available += qty, locked -= qty
	Release(ctx context.Context, productID string, qty int) error

	ResetAll(ctx context.Context, catalog []domain.CatalogItem) error

	// Snapshot 返回按商品 id 排序的库存快照
	Snapshot(ctx context.Context) ([]domain.Stock, error)

	Get(ctx context.Context, productID string) (domain.Stock, error)
}
