package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stockflow/internal/pkg/mq"
	"stockflow/internal/pkg/tracing"
	"stockflow/internal/service/order/domain"
)

// SchedulerKafkaAdapter 实现了 port.PaymentTimeoutScheduler 接口。
// 任务写入延迟主题, 由 delay-scheduler 在到期后转发到 realTopic。
type SchedulerKafkaAdapter struct {
	delayWriter mq.MessageWriter
	realTopic   string
	deadline    time.Duration
}

// NewSchedulerKafkaAdapter 创建一个新的延迟任务调度器适配器。
// deadline 必须与延迟主题的延迟级别一致。
func NewSchedulerKafkaAdapter(delayWriter mq.MessageWriter, realTopic string, deadline time.Duration) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{
		delayWriter: delayWriter,
		realTopic:   realTopic,
		deadline:    deadline,
	}
}

// SchedulePaymentTimeout 实现了发送延迟消息的逻辑。
func (a *SchedulerKafkaAdapter) SchedulePaymentTimeout(ctx context.Context, order *domain.Order) error {
	task := domain.PaymentTimeoutTask{
		TraceID:   tracing.GetTraceIDFromContext(ctx),
		OrderID:   order.ID,
		ProductID: order.ProductID,
		BuyerID:   order.BuyerID,
		CreatedAt: order.CreatedAt,
		DueAt:     order.CreatedAt.Add(a.deadline),
	}
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal payment timeout task")
	}

	return mq.ProduceMessage(ctx, a.delayWriter, []byte(order.ID), taskBytes,
		kafka.Header{Key: mq.HeaderRealTopic, Value: []byte(a.realTopic)},
		kafka.Header{Key: mq.HeaderDelayTimestamp, Value: []byte(task.DueAt.Format(time.RFC3339))},
	)
}
