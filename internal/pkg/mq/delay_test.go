package mq

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type queueReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
	closed    chan struct{}
}

func newQueueReader(msgs ...kafka.Message) *queueReader {
	return &queueReader{msgs: msgs, closed: make(chan struct{})}
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
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

func (r *queueReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	r.mu.Unlock()
	return nil
}

func (r *queueReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type topicWriter struct {
	mu     sync.Mutex
	topic  string
	msgs   []kafka.Message
	fails  int
	closed bool
}

func (w *topicWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *topicWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *topicWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

type writerPool struct {
	mu      sync.Mutex
	writers map[string]*topicWriter
	fails   int
}

func (p *writerPool) get(topic string) MessageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writers == nil {
		p.writers = map[string]*topicWriter{}
	}
	w := &topicWriter{topic: topic, fails: p.fails}
	p.writers[topic] = w
	return w
}

func (p *writerPool) writer(topic string) *topicWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers[topic]
}

func delayed(key, realTopic string, due time.Time) kafka.Message {
	headers := []kafka.Header{{Key: HeaderDelayTimestamp, Value: []byte(due.Format(time.RFC3339))}}
	if realTopic != "" {
		headers = append(headers, kafka.Header{Key: HeaderRealTopic, Value: []byte(realTopic)})
	}
	return kafka.Message{Key: []byte(key), Value: []byte(`{"orderId":"` + key + `"}`), Headers: headers}
}

func runForwarder(t *testing.T, f *DelayForwarder) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestDelayForwarderForwardsDueMessages(t *testing.T) {
	defer goleak.VerifyNone(t)

	past := time.Now().Add(-time.Minute)
	reader := newQueueReader(
		delayed("o-1", "order-payment-timeout", past),
		delayed("o-2", "", past),
		delayed("o-3", "order-payment-timeout", past),
	)
	pool := &writerPool{}
	f := NewDelayForwarder("delay_topic_1m", reader, time.Minute, pool.get)
	stop := runForwarder(t, f)

	require.Eventually(t, func() bool { return reader.commits() == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	w := pool.writer("order-payment-timeout")
	require.NotNil(t, w)
	require.Equal(t, 2, w.count())
	assert.Equal(t, "o-1", string(w.msgs[0].Key))
	assert.Equal(t, "o-3", string(w.msgs[1].Key))
	_, hasRealTopic := HeaderValue(w.msgs[0].Headers, HeaderRealTopic)
	assert.False(t, hasRealTopic, "routing headers are not forwarded")

	require.NoError(t, f.Close())
	assert.True(t, w.closed)
}

func TestDelayForwarderWaitsForHead(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newQueueReader(kafka.Message{
		Key:     []byte("o-1"),
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: HeaderRealTopic, Value: []byte("real")}},
	})
	pool := &writerPool{}
	f := NewDelayForwarder("delay_topic_200ms", reader, 200*time.Millisecond, pool.get)
	stop := runForwarder(t, f)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, reader.commits(), "message must not be forwarded before it is due")
	require.Eventually(t, func() bool { return reader.commits() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pool.writer("real").count())
}

func TestDelayForwarderRetriesFailedPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newQueueReader(delayed("o-1", "real", time.Now().Add(-time.Second)))
	pool := &writerPool{fails: 2}
	f := NewDelayForwarder("delay_topic_5s", reader, 5*time.Second, pool.get)
	f.retry = 5 * time.Millisecond
	stop := runForwarder(t, f)
	defer stop()

	require.Eventually(t, func() bool { return reader.commits() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, pool.writer("real").count())
}

func TestDelayForwarderStopsOnReaderClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	reader := newQueueReader()
	f := NewDelayForwarder("delay_topic_5s", reader, 5*time.Second, (&writerPool{}).get)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	close(reader.closed)
	require.NoError(t, <-done)
}
