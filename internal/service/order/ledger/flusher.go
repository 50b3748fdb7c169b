package ledger

import (
	"context"
	"sync"
	"time"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
)

const flushTimeout = 5 * time.Second

// flusher 把账本快照异步写入仓库。dirty 的容量为 1, 连续的变更会被合并为一次写入。
type flusher struct {
	repo     domain.StockRepository
	source   func() []domain.Stock
	retry    time.Duration
	dirty    chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	lastErr  error
}

func newFlusher(repo domain.StockRepository, source func() []domain.Stock, retry time.Duration) *flusher {
	if retry <= 0 {
		retry = time.Second
	}
	return &flusher{
		repo:    repo,
		source:  source,
		retry:   retry,
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (f *flusher) markDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

func (f *flusher) run() {
	defer close(f.stopped)
	var retry <-chan time.Time
	for {
		select {
		case <-f.dirty:
			retry = f.flushOrRetry()
		case <-retry:
			retry = f.flushOrRetry()
		case <-f.done:
			f.lastErr = f.flush()
			return
		}
	}
}

func (f *flusher) flushOrRetry() <-chan time.Time {
	if err := f.flush(); err != nil {
		return time.After(f.retry)
	}
	return nil
}

func (f *flusher) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	stocks := f.source()
	if err := f.repo.SaveAll(ctx, stocks); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int("products", len(stocks)).Msg("failed to persist stock snapshot, will retry")
		return err
	}
	return nil
}

// stop 结束 run 并返回最后一次写入的结果
func (f *flusher) stop() error {
	f.stopOnce.Do(func() { close(f.done) })
	<-f.stopped
	return f.lastErr
}
