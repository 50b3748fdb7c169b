package port

import (
	"context"

	"stockflow/internal/service/order/domain"
)

// PaymentTimeoutScheduler 是延迟任务调度器的出站端口。
type PaymentTimeoutScheduler interface {
	// SchedulePaymentTimeout 安排一个在未来执行的订单支付超时检查任务。
	SchedulePaymentTimeout(ctx context.Context, order *domain.Order) error
}
