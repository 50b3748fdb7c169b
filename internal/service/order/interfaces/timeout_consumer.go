package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/mq"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/domain"
)

// MessageReader 是 kafka.Reader 的最小抽象
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Config() kafka.ReaderConfig
}

var _ MessageReader = (*kafka.Reader)(nil)

// PaymentTimeoutConsumer 消费延迟队列投递回来的超时任务, 把仍未支付的订单以 timeout 结果取消
type PaymentTimeoutConsumer struct {
	reader   MessageReader
	appSvc   *application.OrderApplicationService
	failures *mq.FailureHandler

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPaymentTimeoutConsumer(reader MessageReader, appSvc *application.OrderApplicationService, failures *mq.FailureHandler) *PaymentTimeoutConsumer {
	return &PaymentTimeoutConsumer{
		reader:   reader,
		appSvc:   appSvc,
		failures: failures,
	}
}

// Run 阻塞消费直到 ctx 结束或 reader 被关闭
func (a *PaymentTimeoutConsumer) Run(ctx context.Context) error {
	a.wg.Add(1)
	defer a.wg.Done()

	topic := a.reader.Config().Topic
	logger.Ctx(ctx).Info().Str("topic", topic).Msg("payment timeout consumer started")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", topic).Msg("payment timeout consumer shutting down")
				return nil
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
		if err := a.processMessage(msgCtx, msg); err != nil {
			a.failures.Handle(msgCtx, msg, err)
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
		}
	}
}

// Stop 关闭 reader 并等待 Run 返回
func (a *PaymentTimeoutConsumer) Stop(ctx context.Context) {
	a.closeOnce.Do(func() {
		if err := a.reader.Close(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to close timeout reader")
		}
	})
	a.wg.Wait()
	logger.Ctx(ctx).Info().Msg("payment timeout consumer stopped")
}

// processMessage 返回的错误会把消息转入死信队列
func (a *PaymentTimeoutConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var task domain.PaymentTimeoutTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal payment timeout task")
		return err
	}
	if task.OrderID == "" {
		return domain.InvalidArgument("payment timeout task without order id")
	}

	log := logger.Ctx(ctx).With().Str("order_id", task.OrderID).Logger()
	order, err := a.appSvc.Pay(ctx, task.OrderID, string(domain.PaymentTimeout))
	switch {
	case err == nil:
		log.Info().Str("status", string(order.Status)).Msg("order cancelled by payment timeout")
		return nil
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotFound):
		// 订单已经支付/取消, 或者已被 reset 清掉
		log.Debug().Err(err).Msg("payment timeout ignored")
		return nil
	default:
		log.Error().Err(err).Msg("failed to cancel order on payment timeout")
		return err
	}
}
