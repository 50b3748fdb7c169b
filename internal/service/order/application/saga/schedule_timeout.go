package saga

import (
	"go.opentelemetry.io/otel/attribute"

	"stockflow/internal/pkg/logger"
)

// ScheduleTimeoutHandler 是 Saga 流程的最后一步, 投递支付超时检查任务。
// 投递失败不影响下单结果, 订单仍可通过显式的 timeout 回调取消。
type ScheduleTimeoutHandler struct {
	NextHandler
}

func (h *ScheduleTimeoutHandler) Handle(orderCtx *OrderContext) error {
	if orderCtx.Scheduler == nil {
		return h.executeNext(orderCtx)
	}

	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.SchedulePaymentTimeout")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderCtx.Order.ID))

	if err := orderCtx.Scheduler.SchedulePaymentTimeout(ctx, orderCtx.Order); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order", orderCtx.Order.ID).Msg("Failed to schedule payment timeout")
		span.RecordError(err)
	} else {
		span.AddEvent("Payment timeout scheduled")
	}
	return h.executeNext(orderCtx)
}
