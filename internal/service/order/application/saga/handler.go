package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/port"
)

// OrderWriter 保存新建的订单, 由应用服务实现 (仓储写入 + 内存索引)
type OrderWriter interface {
	Insert(ctx context.Context, order *domain.Order) error
}

// OrderContext 在 Saga 流程中传递上下文数据。
type OrderContext struct {
	Ctx     context.Context
	Request domain.OrderRequest
	Order   *domain.Order // 由 ValidationHandler 创建
	Tracer  trace.Tracer

	// 依赖出站端口
	Ledger    port.StockLedger
	Policy    port.AdmissionPolicy
	Scheduler port.PaymentTimeoutScheduler
	Orders    OrderWriter

	NewID func() string
	Now   func() time.Time

	compensations []func(ctx context.Context) error
	compErr       error
	compLock      sync.Mutex
}

// AddCompensation 注册一个补偿操作, 后注册的先执行
func (c *OrderContext) AddCompensation(comp func(ctx context.Context) error) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context) error{comp}, c.compensations...)
}

// TriggerCompensation 执行全部补偿并清空栈。单个补偿失败不会中断其余补偿。
func (c *OrderContext) TriggerCompensation(ctx context.Context) error {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	if len(c.compensations) == 0 {
		return nil
	}

	logger.Ctx(ctx).Info().Str("product", c.Request.ProductID).
		Msgf("Executing %d compensation functions.", len(c.compensations))
	var errs []error
	for _, comp := range c.compensations {
		if err := comp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.compensations = nil
	return errors.Join(errs...)
}

// CompensationErr 返回 Execute 触发补偿时遇到的错误
func (c *OrderContext) CompensationErr() error {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	return c.compErr
}

// Execute 运行责任链。除非整条链成功, 否则在退出时 (包括 panic) 执行补偿。
func Execute(orderCtx *OrderContext, chain Handler) (err error) {
	committed := false
	defer func() {
		if committed {
			return
		}
		r := recover()
		compErr := orderCtx.TriggerCompensation(context.WithoutCancel(orderCtx.Ctx))
		orderCtx.compLock.Lock()
		orderCtx.compErr = compErr
		orderCtx.compLock.Unlock()
		if r != nil {
			panic(r)
		}
	}()

	if err = chain.Handle(orderCtx); err != nil {
		return err
	}
	committed = true
	return nil
}

type Handler interface {
	SetNext(handler Handler) Handler
	Handle(orderCtx *OrderContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(orderCtx *OrderContext) error {
	if h.next != nil {
		return h.next.Handle(orderCtx)
	}
	return nil
}

// BuildSubmitChain 组装下单流程: 校验 -> 准入策略 -> 预占库存 -> 保存订单 -> 调度超时
func BuildSubmitChain() Handler {
	head := &ValidationHandler{}
	head.SetNext(&PolicyHandler{}).
		SetNext(&InventoryHandler{}).
		SetNext(&CreateOrderHandler{}).
		SetNext(&ScheduleTimeoutHandler{})
	return head
}
