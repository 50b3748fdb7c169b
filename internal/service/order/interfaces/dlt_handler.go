package interfaces

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/mq"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	reader    MessageReader
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDltConsumerAdapter(reader MessageReader) *DltConsumerAdapter {
	return &DltConsumerAdapter{reader: reader}
}

func (a *DltConsumerAdapter) Run(ctx context.Context) error {
	a.wg.Add(1)
	defer a.wg.Done()

	topic := a.reader.Config().Topic
	logger.Ctx(ctx).Info().Str("topic", topic).Msg("DLT consumer started")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", topic).Msg("DLT consumer shutting down")
				return nil
			}
			continue
		}

		logDeadLetter(mq.ExtractTraceContext(ctx, msg.Headers), msg)

		// 死信只记录, 记录完即提交
		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to commit dead letter")
		}
	}
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.closeOnce.Do(func() { _ = a.reader.Close() })
	a.wg.Wait()
	logger.Ctx(ctx).Info().Msg("DLT consumer stopped")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	header := func(key string) string {
		v, _ := mq.HeaderValue(msg.Headers, key)
		return v
	}
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", header(mq.HeaderOriginalTopic)).
		Str("original_partition", header(mq.HeaderOriginalPartition)).
		Str("original_offset", header(mq.HeaderOriginalOffset)).
		Str("exception_fqcn", header(mq.HeaderExceptionFqcn)).
		Str("exception_message", header(mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("CRITICAL: dead letter message received")
}
