// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/pkg/tracing"
	"stockflow/internal/service/order/application/saga"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/port"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Deps 是应用服务依赖的端口。Ledger 和 Orders 必填, 其余为空时使用默认实现。
type Deps struct {
	Ledger    port.StockLedger
	Orders    domain.OrderRepository
	Audit     port.AuditSink
	AuditLog  port.AuditLog
	Locker    port.Locker
	Scheduler port.PaymentTimeoutScheduler
	Policy    port.AdmissionPolicy
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer

	// Catalog 是 ResetCatalog 未指定商品时使用的默认目录
	Catalog []domain.CatalogItem
}

type Option func(*OrderApplicationService)

// WithPersistRetry 设置订单持久化的重试次数和初始退避时间
func WithPersistRetry(retries int, backoff time.Duration) Option {
	return func(s *OrderApplicationService) {
		if retries > 0 {
			s.persistRetries = retries
		}
		if backoff > 0 {
			s.persistBackoff = backoff
		}
	}
}

// WithSharedOrders 声明订单仓储由多个实例共享。
// 此时订单锁内总是从仓储读取最新记录, 本地副本只保留尚未写回的流转。
func WithSharedOrders() Option {
	return func(s *OrderApplicationService) { s.shared = true }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderApplicationService) { s.clock = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *OrderApplicationService) { s.newID = newID }
}

// OrderApplicationService 编排订单状态机与库存账本。
// 库存账本是部分失败时的事实来源: 库存变更成功后, 订单新状态先在内存中生效, 再持久化。
type OrderApplicationService struct {
	ledger    port.StockLedger
	orderRepo domain.OrderRepository
	audit     port.AuditSink
	auditLog  port.AuditLog
	locker    port.Locker
	scheduler port.PaymentTimeoutScheduler
	policy    port.AdmissionPolicy
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	catalog   []domain.CatalogItem
	chain     saga.Handler

	clock          func() time.Time
	newID          func() string
	persistRetries int
	persistBackoff time.Duration
	shared         bool

	// resetMu 由 ResetCatalog 独占, 其余操作共享
	resetMu sync.RWMutex

	mu     sync.RWMutex
	orders map[string]*domain.Order

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

func NewOrderApplicationService(deps Deps, opts ...Option) *OrderApplicationService {
	s := &OrderApplicationService{
		ledger:         deps.Ledger,
		orderRepo:      deps.Orders,
		audit:          deps.Audit,
		auditLog:       deps.AuditLog,
		locker:         deps.Locker,
		scheduler:      deps.Scheduler,
		policy:         deps.Policy,
		metrics:        deps.Metrics,
		tracer:         deps.Tracer,
		catalog:        append([]domain.CatalogItem(nil), deps.Catalog...),
		chain:          saga.BuildSubmitChain(),
		clock:          time.Now,
		newID:          uuid.NewString,
		persistRetries: 3,
		persistBackoff: 50 * time.Millisecond,
		orders:         make(map[string]*domain.Order),
		pending:        make(map[string]struct{}),
	}
	if s.audit == nil {
		s.audit = nopAudit{}
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("order-service")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load 从仓储恢复订单, 服务启动时调用一次
func (s *OrderApplicationService) Load(ctx context.Context) error {
	orders, err := s.orderRepo.LoadAll(ctx)
	if err != nil {
		return domain.AsInternal(err, "load orders")
	}
	loaded := make(map[string]*domain.Order, len(orders))
	for _, o := range orders {
		if !o.Status.Valid() {
			return domain.Internal(nil, "order %s has unknown status %q", o.ID, o.Status)
		}
		loaded[o.ID] = o.Clone()
	}
	s.mu.Lock()
	s.orders = loaded
	s.mu.Unlock()
	logger.Ctx(ctx).Info().Int("orders", len(loaded)).Msg("orders restored from repository")
	return nil
}

// SubmitOrder 预占库存并创建 pending 订单。保存失败时预占会被释放。
func (s *OrderApplicationService) SubmitOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.SubmitOrder")
	defer span.End()

	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	orderCtx := &saga.OrderContext{
		Ctx:       ctx,
		Request:   req.toDomain(),
		Tracer:    s.tracer,
		Ledger:    s.ledger,
		Policy:    s.policy,
		Scheduler: s.scheduler,
		Orders:    orderWriter{s},
		NewID:     s.newID,
		Now:       s.clock,
	}

	err := saga.Execute(orderCtx, s.chain)
	if compErr := orderCtx.CompensationErr(); compErr != nil {
		s.metrics.CompensationFailed()
		span.RecordError(compErr, trace.WithAttributes(attribute.Bool("critical.error", true)))
	}
	if err != nil {
		kind := domain.KindOf(err)
		s.metrics.ObserveSubmission(string(kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Order submission failed")

		ev := logger.Ctx(ctx).Warn()
		if kind == domain.KindInternal {
			ev = logger.Ctx(ctx).Error()
		}
		ev.Err(err).Str("product", req.ProductID).Int("quantity", req.Quantity).Msg("order submission rejected")

		s.audit.Record(ctx, domain.AuditEvent{
			Type:      domain.EventSubmitRejected,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			BuyerID:   req.BuyerID,
			Reason:    err.Error(),
			TraceID:   tracing.GetTraceIDFromContext(ctx),
			At:        s.clock(),
		})
		return nil, domain.AsInternal(err, "submit order")
	}

	order := orderCtx.Order
	s.metrics.ObserveSubmission("ok")
	s.metrics.ObserveTransition("none", string(order.Status))
	span.SetAttributes(attribute.String("order.id", order.ID))
	span.AddEvent("Order reserved and pending payment.")
	logger.Ctx(ctx).Info().Str("order", order.ID).Str("product", order.ProductID).
		Int("quantity", order.ReservedQuantity).Msg("order submitted")

	ev := domain.NewTransitionEvent(domain.EventOrderSubmitted, "", order, order.CreatedAt)
	ev.TraceID = tracing.GetTraceIDFromContext(ctx)
	s.audit.Record(ctx, ev)
	return order.Clone(), nil
}

// Pay 处理支付结果: success 确认扣减库存, failed / timeout 释放预占
func (s *OrderApplicationService) Pay(ctx context.Context, orderID, outcome string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.Pay", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.outcome", outcome),
	))
	defer span.End()

	if orderID == "" {
		return nil, domain.InvalidArgument("order id is required")
	}
	result, err := domain.ParsePaymentOutcome(outcome)
	if err != nil {
		return nil, err
	}

	var t transition
	if result == domain.PaymentSuccess {
		t = transition{
			event: domain.EventOrderPaid,
			apply: func(o *domain.Order, now time.Time) error { return o.MarkPaid(now) },
			settle: func(ctx context.Context, o *domain.Order) error {
				return s.ledger.Confirm(ctx, o.ProductID, o.ReservedQuantity)
			},
		}
	} else {
		t = transition{
			event: domain.EventOrderCancelled,
			apply: func(o *domain.Order, now time.Time) error { return o.Cancel(result, now) },
			settle: func(ctx context.Context, o *domain.Order) error {
				return s.ledger.Release(ctx, o.ProductID, o.ReservedQuantity)
			},
		}
	}

	order, err := s.runTransition(ctx, orderID, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Payment transition failed")
		return nil, err
	}
	return order, nil
}

// Fulfill 处理履约结果, 不涉及库存
func (s *OrderApplicationService) Fulfill(ctx context.Context, orderID, outcome string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.Fulfill", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("fulfillment.outcome", outcome),
	))
	defer span.End()

	if orderID == "" {
		return nil, domain.InvalidArgument("order id is required")
	}
	result, err := domain.ParseFulfillmentOutcome(outcome)
	if err != nil {
		return nil, err
	}

	t := transition{
		event: domain.EventOrderFulfilled,
		apply: func(o *domain.Order, now time.Time) error { return o.MarkFulfilled(now) },
	}
	if result == domain.FulfillmentFailed {
		t = transition{
			event: domain.EventOrderFulfillFailed,
			apply: func(o *domain.Order, now time.Time) error { return o.MarkFulfillFailed(now) },
		}
	}

	order, err := s.runTransition(ctx, orderID, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Fulfillment transition failed")
		return nil, err
	}
	return order, nil
}

type transition struct {
	event  domain.AuditEventType
	apply  func(o *domain.Order, now time.Time) error
	settle func(ctx context.Context, o *domain.Order) error
}

// runTransition 在订单锁内执行状态流转: 先在拷贝上校验, 再调用账本, 最后提交。
func (s *OrderApplicationService) runTransition(ctx context.Context, orderID string, t transition) (*domain.Order, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, domain.Internal(err, "acquire lock for order %s", orderID)
	}
	defer unlock()

	current, err := s.current(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	next := current.Clone()
	if err := t.apply(next, now); err != nil {
		return nil, err
	}
	if t.settle != nil {
		if err := t.settle(ctx, next); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order", orderID).Str("product", next.ProductID).
				Msg("ledger refused settlement, order left unchanged")
			return nil, domain.Internal(err, "settle stock for order %s", orderID)
		}
	}

	s.mu.Lock()
	s.orders[next.ID] = next
	s.mu.Unlock()
	s.persist(ctx, next)

	s.metrics.ObserveTransition(string(current.Status), string(next.Status))
	logger.Ctx(ctx).Info().Str("order", orderID).
		Str("from", string(current.Status)).Str("to", string(next.Status)).
		Msg("order transitioned")

	ev := domain.NewTransitionEvent(t.event, current.Status, next, now)
	ev.TraceID = tracing.GetTraceIDFromContext(ctx)
	s.audit.Record(ctx, ev)
	return next.Clone(), nil
}

// ResetCatalog 重置库存并清空全部订单。catalog 为 nil 时使用默认目录。
func (s *OrderApplicationService) ResetCatalog(ctx context.Context, catalog []domain.CatalogItem) ([]domain.Stock, error) {
	ctx, span := s.tracer.Start(ctx, "app.ResetCatalog")
	defer span.End()

	if catalog == nil {
		catalog = s.catalog
	}
	if err := domain.ValidateCatalog(catalog); err != nil {
		return nil, err
	}

	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	if err := s.orderRepo.DeleteAll(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to clear orders")
		return nil, domain.AsInternal(err, "clear orders")
	}
	if err := s.ledger.ResetAll(ctx, catalog); err != nil {
		// 仓储已清空但内存中的订单仍然有效, 交给后台任务写回
		s.mu.RLock()
		for id := range s.orders {
			s.markPending(id)
		}
		s.mu.RUnlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to reset ledger")
		return nil, domain.AsInternal(err, "reset ledger")
	}

	s.mu.Lock()
	cleared := len(s.orders)
	s.orders = make(map[string]*domain.Order)
	s.mu.Unlock()
	s.pendingMu.Lock()
	s.pending = make(map[string]struct{})
	s.pendingMu.Unlock()
	s.metrics.SetPersistBacklog(0)

	logger.Ctx(ctx).Info().Int("products", len(catalog)).Int("orders_cleared", cleared).Msg("catalog reset")
	s.audit.Record(ctx, domain.AuditEvent{
		Type:     domain.EventCatalogReset,
		Quantity: len(catalog),
		TraceID:  tracing.GetTraceIDFromContext(ctx),
		At:       s.clock(),
	})

	stocks, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, domain.AsInternal(err, "snapshot after reset")
	}
	return stocks, nil
}

func (s *OrderApplicationService) ListStock(ctx context.Context) ([]domain.Stock, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	stocks, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, domain.AsInternal(err, "list stock")
	}
	return stocks, nil
}

// ListOrders 按创建时间倒序返回全部订单
func (s *OrderApplicationService) ListOrders(ctx context.Context) []*domain.Order {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()

	var out []*domain.Order
	if s.shared {
		stored, err := s.orderRepo.LoadAll(ctx)
		if err == nil {
			out = s.overlay(stored)
		} else {
			logger.Ctx(ctx).Warn().Err(err).Msg("order repository unavailable, listing local orders")
		}
	}
	if out == nil {
		s.mu.RLock()
		out = make([]*domain.Order, 0, len(s.orders))
		for _, o := range s.orders {
			out = append(out, o.Clone())
		}
		s.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	o, err := s.current(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// ListAudit 返回最近的审计事件, limit 为 0 时取默认值
func (s *OrderApplicationService) ListAudit(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit < 0 {
		return nil, domain.InvalidArgument("limit must not be negative, got %d", limit)
	}
	if limit == 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if s.auditLog == nil {
		return []domain.AuditEvent{}, nil
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	return s.auditLog.Recent(limit), nil
}

func (s *OrderApplicationService) lookup(orderID string) (*domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	return o, ok
}

// current 返回订单的最新记录。共享仓储时以仓储为准, 本地副本只有尚未写回时才可能胜出。
func (s *OrderApplicationService) current(ctx context.Context, orderID string) (*domain.Order, error) {
	local, ok := s.lookup(orderID)
	if !s.shared {
		if !ok {
			return nil, domain.NotFound("order %s not found", orderID)
		}
		return local, nil
	}

	stored, err := s.orderRepo.FindByID(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		if ok && s.isPending(orderID) {
			return local, nil
		}
		if ok {
			s.forget(orderID)
		}
		return nil, domain.NotFound("order %s not found", orderID)
	}
	if err != nil {
		return nil, domain.Internal(err, "read order %s", orderID)
	}
	if ok && local.Status.Stage() > stored.Status.Stage() {
		return local, nil
	}
	return stored, nil
}

// overlay 用本地尚未写回的流转覆盖仓储中的记录
func (s *OrderApplicationService) overlay(stored []*domain.Order) []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Order, 0, len(stored))
	for _, o := range stored {
		if local, ok := s.orders[o.ID]; ok && local.Status.Stage() > o.Status.Stage() {
			o = local
		}
		out = append(out, o.Clone())
	}
	return out
}

func (s *OrderApplicationService) forget(orderID string) {
	s.mu.Lock()
	delete(s.orders, orderID)
	s.mu.Unlock()
	s.clearPending(orderID)
}

// orderWriter 供 saga 保存新订单: 先写仓储, 成功后再放入内存索引
type orderWriter struct {
	s *OrderApplicationService
}

func (w orderWriter) Insert(ctx context.Context, order *domain.Order) error {
	if err := w.s.orderRepo.Save(ctx, order); err != nil {
		return err
	}
	w.s.mu.Lock()
	w.s.orders[order.ID] = order.Clone()
	w.s.mu.Unlock()
	return nil
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, domain.AuditEvent) {}
