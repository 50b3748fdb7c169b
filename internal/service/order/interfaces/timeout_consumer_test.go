package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stockflow/internal/pkg/mq"
	"stockflow/internal/service/order/domain"
)

// fakeReader 按顺序吐出消息, 消息耗尽后阻塞到 Close
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, closed: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-r.closed:
		return kafka.Message{}, io.EOF
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "order-payment-timeout"}
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func taskMessage(t *testing.T, orderID string) kafka.Message {
	t.Helper()
	body, err := json.Marshal(domain.PaymentTimeoutTask{OrderID: orderID, ProductID: "p-1"})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(orderID), Value: body}
}

func TestTimeoutConsumerCancelsPendingOrder(t *testing.T) {
	env := newTestEnv(t)
	order := env.submit(t, 10)

	dlt := &captureWriter{}
	c := NewPaymentTimeoutConsumer(newFakeReader(), env.svc, mq.NewFailureHandler(dlt, "order-payment-timeout-dlt"))

	require.NoError(t, c.processMessage(context.Background(), taskMessage(t, order.ID)))
	got, err := env.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.PaymentTimeout, got.CancelReason)

	// 重复投递、订单已不存在都视为已处理
	assert.NoError(t, c.processMessage(context.Background(), taskMessage(t, order.ID)))
	assert.NoError(t, c.processMessage(context.Background(), taskMessage(t, "unknown")))

	stocks, err := env.svc.ListStock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, stocks[0].Available)
	assert.Equal(t, 0, stocks[0].Locked)
}

func TestTimeoutConsumerLeavesPaidOrderAlone(t *testing.T) {
	env := newTestEnv(t)
	order := env.submit(t, 10)
	_, err := env.svc.Pay(context.Background(), order.ID, "success")
	require.NoError(t, err)

	c := NewPaymentTimeoutConsumer(newFakeReader(), env.svc, mq.NewFailureHandler(&captureWriter{}, "dlt"))
	require.NoError(t, c.processMessage(context.Background(), taskMessage(t, order.ID)))

	got, err := env.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, got.Status)
}

func TestTimeoutConsumerRunRoutesPoisonToDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	order := env.submit(t, 1)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := newFakeReader(
		kafka.Message{Value: []byte("not json"), Offset: 1},
		taskMessage(t, order.ID),
	)
	dlt := &captureWriter{}
	c := NewPaymentTimeoutConsumer(reader, env.svc, mq.NewFailureHandler(dlt, "dlt"))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return reader.commitCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, dlt.count())

	c.Stop(context.Background())
	require.NoError(t, <-done)

	got, err := env.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestDltConsumerCommitsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := newFakeReader(
		kafka.Message{Value: []byte("a"), Headers: []kafka.Header{{Key: mq.HeaderOriginalTopic, Value: []byte("t")}}},
		kafka.Message{Value: []byte("b")},
	)
	a := NewDltConsumerAdapter(reader)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commitCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	a.Stop(context.Background())
}
