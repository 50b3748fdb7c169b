package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"stockflow/internal/pkg/logger"
)

// FailureHandler 把处理失败的消息转发到死信主题, 附带原始位置和错误信息。
// writer 必须已绑定死信主题, dltTopic 仅用于日志。
type FailureHandler struct {
	writer MessageWriter
	topic  string
}

func NewFailureHandler(writer MessageWriter, dltTopic string) *FailureHandler {
	return &FailureHandler{writer: writer, topic: dltTopic}
}

// Handle 不返回错误, 转发失败只记录日志
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) {
	if h == nil || h.writer == nil {
		logger.Ctx(ctx).Error().Err(cause).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Msg("message processing failed and no dead letter topic is configured")
		return
	}
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)
	dlt := kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers}
	if err := h.writer.WriteMessages(ctx, dlt); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("dlt", h.topic).Msg("failed to forward message to dead letter topic")
		return
	}
	logger.Ctx(ctx).Warn().Err(cause).Str("dlt", h.topic).Int64("offset", msg.Offset).Msg("message moved to dead letter topic")
}
