package saga

import (
	"go.opentelemetry.io/otel/codes"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
)

// CreateOrderHandler 负责持久化 pending 订单。
type CreateOrderHandler struct {
	NextHandler
}

func (h *CreateOrderHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.CreateOrder")
	defer span.End()

	if err := orderCtx.Orders.Insert(ctx, orderCtx.Order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save order")
		logger.Ctx(ctx).Error().Err(err).Str("order", orderCtx.Order.ID).Msg("failed to save pending order")
		return domain.AsInternal(err, "failed to save pending order")
	}
	span.AddEvent("Order saved")
	return h.executeNext(orderCtx)
}
