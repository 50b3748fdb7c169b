package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"stockflow/internal/pkg/mq"
	"stockflow/internal/service/order/domain"
)

// AuditKafkaAdapter 把审计事件以 JSON 发布到 Kafka, 以订单 id 为 key
type AuditKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewAuditKafkaAdapter(writer mq.MessageWriter) *AuditKafkaAdapter {
	return &AuditKafkaAdapter{writer: writer}
}

func (a *AuditKafkaAdapter) Publish(ctx context.Context, event domain.AuditEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal audit event")
	}
	key := event.OrderID
	if key == "" {
		key = string(event.Type)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(key), eventBytes)
}
