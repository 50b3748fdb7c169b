package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/domain"
)

type cell struct {
	mu    sync.Mutex
	stock domain.Stock
}

// MemoryLedger 是进程内的库存账本。
// 每个商品一把锁; map 本身由 RWMutex 保护, 只有 ResetAll 会写锁。
// 变更后异步地把快照写入 StockRepository, 锁内不做任何 I/O。
type MemoryLedger struct {
	mu      sync.RWMutex
	cells   map[string]*cell
	metrics *metrics.Metrics
	flusher *flusher
}

type Option func(*MemoryLedger)

// WithRepository 开启后台持久化, retry 为写入失败后的重试间隔
func WithRepository(repo domain.StockRepository, retry time.Duration) Option {
	return func(l *MemoryLedger) {
		l.flusher = newFlusher(repo, l.snapshot, retry)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *MemoryLedger) { l.metrics = m }
}

func NewMemoryLedger(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{cells: make(map[string]*cell)}
	for _, opt := range opts {
		opt(l)
	}
	if l.flusher != nil {
		go l.flusher.run()
	}
	return l
}

// Restore 从 StockRepository 恢复计数; 仓库为空时用 fallback 目录初始化。
func (l *MemoryLedger) Restore(ctx context.Context, fallback []domain.CatalogItem) error {
	if l.flusher == nil {
		return l.ResetAll(ctx, fallback)
	}
	stocks, err := l.flusher.repo.LoadAll(ctx)
	if err != nil {
		return domain.Internal(err, "load stock records")
	}
	if len(stocks) == 0 {
		logger.Ctx(ctx).Info().Int("products", len(fallback)).Msg("stock repository empty, seeding from catalog")
		return l.ResetAll(ctx, fallback)
	}

	cells := make(map[string]*cell, len(stocks))
	for _, s := range stocks {
		if err := s.CheckInvariants(); err != nil {
			return err
		}
		if _, dup := cells[s.ID]; dup {
			return domain.Internal(nil, "duplicate stock record %s", s.ID)
		}
		cells[s.ID] = &cell{stock: s}
	}
	l.mu.Lock()
	l.cells = cells
	l.mu.Unlock()
	logger.Ctx(ctx).Info().Int("products", len(cells)).Msg("stock ledger restored")
	return nil
}

func (l *MemoryLedger) Reserve(_ context.Context, productID string, qty int) error {
	return l.mutate("reserve", productID, qty, func(s *domain.Stock) error {
		if qty > s.Available {
			return domain.InsufficientStock(productID, qty, s.Available)
		}
		s.Available -= qty
		s.Locked += qty
		return nil
	})
}

func (l *MemoryLedger) Confirm(_ context.Context, productID string, qty int) error {
	return l.mutate("confirm", productID, qty, func(s *domain.Stock) error {
		if qty > s.Locked {
			return domain.Internal(nil, "confirm %d exceeds locked %d for product %s", qty, s.Locked, productID)
		}
		s.Locked -= qty
		s.Deducted += qty
		s.Total -= qty
		return nil
	})
}

func (l *MemoryLedger) Release(_ context.Context, productID string, qty int) error {
	return l.mutate("release", productID, qty, func(s *domain.Stock) error {
		if qty > s.Locked {
			return domain.Internal(nil, "release %d exceeds locked %d for product %s", qty, s.Locked, productID)
		}
		s.Locked -= qty
		s.Available += qty
		return nil
	})
}

// mutate 在商品锁内执行 fn。fn 返回错误时记录保持不变。
func (l *MemoryLedger) mutate(op, productID string, qty int, fn func(*domain.Stock) error) error {
	err := l.doMutate(productID, qty, fn)
	l.metrics.ObserveLedgerOp(op, resultLabel(err))
	if err == nil {
		l.markDirty()
	}
	return err
}

func (l *MemoryLedger) doMutate(productID string, qty int, fn func(*domain.Stock) error) error {
	if qty <= 0 {
		return domain.InvalidArgument("quantity must be positive, got %d", qty)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.cells[productID]
	if !ok {
		return domain.NotFound("product %s not found", productID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.stock
	if err := fn(&next); err != nil {
		return err
	}
	c.stock = next
	return nil
}

func (l *MemoryLedger) ResetAll(ctx context.Context, catalog []domain.CatalogItem) error {
	if err := domain.ValidateCatalog(catalog); err != nil {
		l.metrics.ObserveLedgerOp("reset", resultLabel(err))
		return err
	}
	cells := make(map[string]*cell, len(catalog))
	for _, it := range catalog {
		cells[it.ID] = &cell{stock: domain.NewStock(it.ID, it.Name, it.Total)}
	}
	l.mu.Lock()
	l.cells = cells
	l.mu.Unlock()

	l.metrics.ObserveLedgerOp("reset", resultLabel(nil))
	l.markDirty()
	logger.Ctx(ctx).Info().Int("products", len(cells)).Msg("stock ledger reset")
	return nil
}

func (l *MemoryLedger) Snapshot(_ context.Context) ([]domain.Stock, error) {
	return l.snapshot(), nil
}

func (l *MemoryLedger) Get(_ context.Context, productID string) (domain.Stock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.cells[productID]
	if !ok {
		return domain.Stock{}, domain.NotFound("product %s not found", productID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock, nil
}

// Close 停止后台持久化, 退出前会再写一次
func (l *MemoryLedger) Close() error {
	if l.flusher == nil {
		return nil
	}
	return l.flusher.stop()
}

func (l *MemoryLedger) snapshot() []domain.Stock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Stock, 0, len(l.cells))
	for _, c := range l.cells {
		c.mu.Lock()
		out = append(out, c.stock)
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *MemoryLedger) markDirty() {
	if l.flusher != nil {
		l.flusher.markDirty()
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.KindOf(err))
}
