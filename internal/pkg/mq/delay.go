package mq

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/logger"
)

// Reader 是延迟转发需要的 kafka.Reader 子集
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DelayForwarder 消费一个固定延迟级别的主题, 到期后把消息转发到 real-topic 头指定的主题。
// 同一延迟主题内消息按到期时间有序, 所以队头未到期时直接等待队头。
type DelayForwarder struct {
	level     string
	reader    Reader
	delay     time.Duration
	newWriter func(topic string) MessageWriter
	retry     time.Duration
	now       func() time.Time
	tracer    trace.Tracer

	mu      sync.Mutex
	writers map[string]MessageWriter
}

func NewDelayForwarder(level string, reader Reader, delay time.Duration, newWriter func(topic string) MessageWriter) *DelayForwarder {
	return &DelayForwarder{
		level:     level,
		reader:    reader,
		delay:     delay,
		newWriter: newWriter,
		retry:     time.Second,
		now:       time.Now,
		tracer:    otel.Tracer("delay-scheduler"),
		writers:   make(map[string]MessageWriter),
	}
}

// Run 阻塞到 ctx 结束
func (f *DelayForwarder) Run(ctx context.Context) error {
	log := logger.Ctx(ctx).With().Str("level", f.level).Logger()
	log.Info().Dur("delay", f.delay).Msg("delay forwarder started")
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info().Msg("delay forwarder shutting down")
				return nil
			}
			log.Error().Err(err).Msg("could not fetch delayed message")
			if !sleep(ctx, f.retry) {
				return nil
			}
			continue
		}

		if !sleep(ctx, f.dueAt(msg).Sub(f.now())) {
			return nil
		}
		if !f.deliver(ctx, msg) {
			return nil
		}
	}
}

// deliver 转发并提交, 转发失败时原地重试以保持顺序; ctx 结束时返回 false
func (f *DelayForwarder) deliver(ctx context.Context, msg kafka.Message) bool {
	msgCtx, span := f.tracer.Start(ExtractTraceContext(ctx, msg.Headers), "scheduler.Forward", trace.WithAttributes(
		attribute.String("delay.level", f.level),
		attribute.String("msg.time", msg.Time.Format(time.DateTime)),
	))
	defer span.End()

	realTopic, ok := HeaderValue(msg.Headers, HeaderRealTopic)
	if !ok || realTopic == "" {
		// 无法投递的消息也要提交, 否则会一直被重复消费
		logger.Ctx(msgCtx).Error().Str("level", f.level).Msg("real-topic header missing, skipping message")
		span.SetStatus(codes.Error, "missing real-topic")
		f.commit(msgCtx, msg)
		return true
	}
	span.SetAttributes(attribute.String("real.topic", realTopic))

	for {
		err := f.publish(msgCtx, realTopic, msg)
		if err == nil {
			break
		}
		logger.Ctx(msgCtx).Error().Err(err).Str("topic", realTopic).Msg("failed to forward delayed message, retrying")
		span.RecordError(err)
		if !sleep(ctx, f.retry) {
			return false
		}
	}
	f.commit(msgCtx, msg)
	span.AddEvent("MessagePublishedAndCommitted")
	logger.Ctx(msgCtx).Debug().Str("topic", realTopic).Str("key", string(msg.Key)).Msg("delayed message forwarded")
	return true
}

func (f *DelayForwarder) commit(ctx context.Context, msg kafka.Message) {
	if err := f.reader.CommitMessages(ctx, msg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("level", f.level).Msg("failed to commit delayed message")
	}
}

// dueAt 优先使用生产者写入的 delay-timestamp, 否则按消息时间加延迟
func (f *DelayForwarder) dueAt(msg kafka.Message) time.Time {
	if v, ok := HeaderValue(msg.Headers, HeaderDelayTimestamp); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return msg.Time.Add(f.delay)
}

// publish 转发时重新注入追踪上下文, 其他头不透传
func (f *DelayForwarder) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	f.mu.Lock()
	w, ok := f.writers[realTopic]
	if !ok {
		w = f.newWriter(realTopic)
		f.writers[realTopic] = w
	}
	f.mu.Unlock()
	return ProduceMessage(ctx, w, msg.Key, msg.Value)
}

// Close 关闭所有按需创建的 writer
func (f *DelayForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for topic, w := range f.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(f.writers, topic)
	}
	return errors.Join(errs...)
}

// sleep 返回 false 表示 ctx 已结束
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
