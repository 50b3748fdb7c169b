package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockflow/internal/pkg/mq"
	"stockflow/internal/service/order/domain"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestSchedulePaymentTimeout(t *testing.T) {
	w := &captureWriter{}
	a := NewSchedulerKafkaAdapter(w, "payment-timeout", 30*time.Second)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	order := &domain.Order{ID: "o-1", ProductID: "p-1", BuyerID: "b-1", CreatedAt: created}

	require.NoError(t, a.SchedulePaymentTimeout(context.Background(), order))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("o-1"), msg.Key)

	target, ok := mq.HeaderValue(msg.Headers, mq.HeaderRealTopic)
	require.True(t, ok)
	assert.Equal(t, "payment-timeout", target)

	var task domain.PaymentTimeoutTask
	require.NoError(t, json.Unmarshal(msg.Value, &task))
	assert.Equal(t, "o-1", task.OrderID)
	assert.True(t, task.DueAt.Equal(created.Add(30*time.Second)))
}

func TestScheduleFailureIsReturned(t *testing.T) {
	a := NewSchedulerKafkaAdapter(&captureWriter{err: errors.New("broker down")}, "t", time.Second)
	err := a.SchedulePaymentTimeout(context.Background(), &domain.Order{ID: "o-1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestAuditKafkaAdapterKeys(t *testing.T) {
	w := &captureWriter{}
	a := NewAuditKafkaAdapter(w)
	require.NoError(t, a.Publish(context.Background(), domain.AuditEvent{Type: domain.EventOrderPaid, OrderID: "o-9"}))
	require.NoError(t, a.Publish(context.Background(), domain.AuditEvent{Type: domain.EventCatalogReset}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("o-9"), w.msgs[0].Key)
	assert.Equal(t, []byte("catalog_reset"), w.msgs[1].Key)
	var ev domain.AuditEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, domain.EventOrderPaid, ev.Type)
}
