package infrastructure

import (
	"context"
	"sort"
	"sync"

	"stockflow/internal/service/order/domain"
)

// MemoryStore 同时实现 StockRepository 和 OrderRepository, 数据只保存在进程内。
// 用于 store.driver=memory 的本地运行。
type MemoryStore struct {
	mu     sync.RWMutex
	stocks []domain.Stock
	orders map[string]*domain.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*domain.Order)}
}

func (m *MemoryStore) LoadAll(context.Context) ([]domain.Stock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Stock(nil), m.stocks...), nil
}

func (m *MemoryStore) SaveAll(_ context.Context, stocks []domain.Stock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks = append([]domain.Stock(nil), stocks...)
	return nil
}

// Orders 返回订单视图, 与库存共享同一把锁
func (m *MemoryStore) Orders() *MemoryOrderStore {
	return &MemoryOrderStore{m: m}
}

// MemoryOrderStore 是 MemoryStore 的订单仓储视图
type MemoryOrderStore struct {
	m *MemoryStore
}

func (s *MemoryOrderStore) LoadAll(context.Context) ([]*domain.Order, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	out := make([]*domain.Order, 0, len(s.m.orders))
	for _, o := range s.m.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryOrderStore) Save(_ context.Context, order *domain.Order) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) FindByID(_ context.Context, id string) (*domain.Order, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	o, ok := s.m.orders[id]
	if !ok {
		return nil, domain.NotFound("order %s not found", id)
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) DeleteAll(context.Context) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.orders = make(map[string]*domain.Order)
	return nil
}
