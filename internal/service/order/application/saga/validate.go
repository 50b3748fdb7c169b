package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"stockflow/internal/service/order/domain"
)

// ValidationHandler 校验请求字段并创建 pending 订单实体, 不触碰库存
type ValidationHandler struct {
	NextHandler
}

func (h *ValidationHandler) Handle(orderCtx *OrderContext) error {
	_, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Validate")
	defer span.End()

	req := orderCtx.Request
	span.SetAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
		attribute.String("buyer.id", req.BuyerID),
	)

	order, err := domain.NewOrder(orderCtx.NewID(), req, orderCtx.Now())
	if err != nil {
		span.SetStatus(codes.Error, "invalid order request")
		return err
	}
	orderCtx.Order = order
	span.SetAttributes(attribute.String("order.id", order.ID))
	return h.executeNext(orderCtx)
}
