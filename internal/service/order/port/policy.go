package port

import (
	"context"

	"stockflow/internal/service/order/domain"
)

// AdmissionPolicy 在预占库存之前决定是否接受下单请求
type AdmissionPolicy interface {
	Admit(ctx context.Context, req domain.OrderRequest) error
}
