package application

import (
	"context"
	"time"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
)

// persist 带指数退避地保存订单。重试耗尽后订单进入待写回队列, 调用方仍视为成功。
// 调用方必须持有该订单的锁。
func (s *OrderApplicationService) persist(ctx context.Context, order *domain.Order) {
	ctx = context.WithoutCancel(ctx)
	backoff := s.persistBackoff
	var err error
	for attempt := 1; attempt <= s.persistRetries; attempt++ {
		if err = s.orderRepo.Save(ctx, order); err == nil {
			s.clearPending(order.ID)
			return
		}
		logger.Ctx(ctx).Warn().Err(err).Str("order", order.ID).Int("attempt", attempt).Msg("failed to persist order")
		if attempt < s.persistRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	logger.Ctx(ctx).Error().Err(err).Str("order", order.ID).Str("status", string(order.Status)).
		Msg("order persistence exhausted retries, queued for background write")
	s.markPending(order.ID)
}

// FlushPending 尝试写回所有待持久化的订单, 返回仍未写入的数量
func (s *OrderApplicationService) FlushPending(ctx context.Context) int {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	for _, id := range s.pendingIDs() {
		if ctx.Err() != nil {
			break
		}
		s.flushOne(ctx, id)
	}

	s.pendingMu.Lock()
	remaining := len(s.pending)
	s.pendingMu.Unlock()
	s.metrics.SetPersistBacklog(remaining)
	return remaining
}

func (s *OrderApplicationService) flushOne(ctx context.Context, id string) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order", id).Msg("skip background write, lock unavailable")
		return
	}
	defer unlock()

	order, ok := s.lookup(id)
	if !ok {
		s.clearPending(id)
		return
	}
	if s.shared {
		// 其他实例已写入同阶段或更新的记录时放弃本地副本
		if stored, err := s.orderRepo.FindByID(ctx, id); err == nil && stored.Status.Stage() >= order.Status.Stage() {
			s.clearPending(id)
			return
		}
	}
	if err := s.orderRepo.Save(ctx, order); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order", id).Msg("background order write failed")
		return
	}
	s.clearPending(id)
	logger.Ctx(ctx).Info().Str("order", id).Msg("order written by background persistence")
}

// RunPersistenceLoop 周期性地调用 FlushPending, 直到 ctx 结束
func (s *OrderApplicationService) RunPersistenceLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if n := s.FlushPending(finalCtx); n > 0 {
				logger.Ctx(ctx).Error().Int("orders", n).Msg("shutting down with unpersisted orders")
			}
			cancel()
			return nil
		case <-ticker.C:
			s.FlushPending(ctx)
		}
	}
}

// PendingCount 返回等待写回的订单数
func (s *OrderApplicationService) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *OrderApplicationService) pendingIDs() []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

func (s *OrderApplicationService) markPending(id string) {
	s.pendingMu.Lock()
	s.pending[id] = struct{}{}
	n := len(s.pending)
	s.pendingMu.Unlock()
	s.metrics.SetPersistBacklog(n)
}

func (s *OrderApplicationService) isPending(id string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *OrderApplicationService) clearPending(id string) {
	s.pendingMu.Lock()
	_, had := s.pending[id]
	delete(s.pending, id)
	n := len(s.pending)
	s.pendingMu.Unlock()
	if had {
		s.metrics.SetPersistBacklog(n)
	}
}
