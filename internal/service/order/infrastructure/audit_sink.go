package infrastructure

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/service/order/domain"
)

// AuditPublisher 是审计事件的下游, 由 AsyncAuditSink 统一调度
type AuditPublisher interface {
	Publish(ctx context.Context, event domain.AuditEvent) error
}

type auditEnvelope struct {
	ctx   context.Context
	event domain.AuditEvent
}

// AsyncAuditSink 实现 port.AuditSink。事件进入有界缓冲区后由单个 worker 按序分发给所有下游;
// 缓冲区满时丢弃并告警, 下游错误只记录日志。
type AsyncAuditSink struct {
	publishers []AuditPublisher
	metrics    *metrics.Metrics
	ch         chan auditEnvelope
	done       chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncAuditSink(buffer int, m *metrics.Metrics, publishers ...AuditPublisher) *AsyncAuditSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncAuditSink{
		publishers: publishers,
		metrics:    m,
		ch:         make(chan auditEnvelope, buffer),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncAuditSink) Record(ctx context.Context, event domain.AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	// 只保留 trace 信息, 不继承请求的取消
	detached := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	select {
	case s.ch <- auditEnvelope{ctx: detached, event: event}:
	default:
		s.metrics.AuditEventDropped()
		logger.Ctx(ctx).Warn().Str("type", string(event.Type)).Str("order", event.OrderID).
			Msg("audit buffer full, event dropped")
	}
}

func (s *AsyncAuditSink) run() {
	defer close(s.done)
	for env := range s.ch {
		for _, p := range s.publishers {
			if err := p.Publish(env.ctx, env.event); err != nil {
				logger.Ctx(env.ctx).Error().Err(err).Str("type", string(env.event.Type)).
					Str("order", env.event.OrderID).Msg("failed to publish audit event")
			}
		}
	}
}

// Close 停止接收新事件, 并等待缓冲区中的事件分发完毕
func (s *AsyncAuditSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}
