package saga

import (
	"go.opentelemetry.io/otel/codes"
)

// PolicyHandler 执行准入策略, 被拒绝的请求不会进入库存预占
type PolicyHandler struct {
	NextHandler
}

func (h *PolicyHandler) Handle(orderCtx *OrderContext) error {
	if orderCtx.Policy == nil {
		return h.executeNext(orderCtx)
	}

	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.AdmissionPolicy")
	defer span.End()

	if err := orderCtx.Policy.Admit(ctx, orderCtx.Request); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Order rejected by admission policy")
		return err
	}
	span.AddEvent("Order admitted")
	return h.executeNext(orderCtx)
}
