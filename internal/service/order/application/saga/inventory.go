package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"stockflow/internal/pkg/logger"
)

// InventoryHandler 负责库存预占步骤。预占成功后注册释放库存的补偿。
type InventoryHandler struct {
	NextHandler
}

func (h *InventoryHandler) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.InventoryReserve")
	defer span.End()

	order := orderCtx.Order
	span.SetAttributes(
		attribute.String("product.id", order.ProductID),
		attribute.Int("quantity", order.ReservedQuantity),
	)

	if err := orderCtx.Ledger.Reserve(ctx, order.ProductID, order.ReservedQuantity); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Inventory reservation failed")
		return err
	}

	productID, qty := order.ProductID, order.ReservedQuantity
	orderCtx.AddCompensation(func(compCtx context.Context) error {
		compCtx, compSpan := orderCtx.Tracer.Start(compCtx, "saga.compensation.ReleaseStock")
		defer compSpan.End()
		compSpan.SetAttributes(attribute.String("product.id", productID), attribute.Int("quantity", qty))

		// 补偿失败意味着库存被永久锁定, 需要人工介入
		if err := orderCtx.Ledger.Release(compCtx, productID, qty); err != nil {
			compSpan.RecordError(err)
			compSpan.SetStatus(codes.Error, "release failed")
			logger.Ctx(compCtx).Error().Err(err).
				Str("order", order.ID).
				Str("product", productID).
				Int("quantity", qty).
				Msg("CRITICAL: failed to release reserved stock, units are stranded")
			return err
		}
		return nil
	})

	span.AddEvent("Stock reserved successfully")
	return h.executeNext(orderCtx)
}
