// internal/service/order/domain/repository.go
package domain

import "context"

// StockRepository 是库存快照的持久化接口, 由基础设施层实现。
type StockRepository interface {
	// LoadAll 读取最近一次保存的全部库存记录
	LoadAll(ctx context.Context) ([]Stock, error)

	// SaveAll 用 stocks 整体覆盖已保存的记录 (last write wins)
	SaveAll(ctx context.Context, stocks []Stock) error
}

// OrderRepository 定义了订单聚合的持久化接口。
type OrderRepository interface {
	LoadAll(ctx context.Context) ([]*Order, error)

	// Save 保存一个订单聚合（用于创建或更新）。
	Save(ctx context.Context, order *Order) error

	// FindByID 读取单个订单, 不存在时返回 ErrNotFound 类错误
	FindByID(ctx context.Context, id string) (*Order, error)

	DeleteAll(ctx context.Context) error
}
