package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockflow/internal/pkg/bootstrap"
	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/mq"
	"stockflow/internal/pkg/tracing"
)

const serviceName = "delay-scheduler"

// 支持的延迟级别, 主题名与 order-service 的 kafka.delayTopic 对应
var delayLevels = map[string]time.Duration{
	"delay_topic_5s":  5 * time.Second,
	"delay_topic_1m":  time.Minute,
	"delay_topic_10m": 10 * time.Minute,
}

func main() {
	logger.Init(serviceName, logger.Config{Level: getEnv("LOG_LEVEL", "info")})
	if err := run(context.Background()); err != nil {
		logger.L().Fatal().Err(err).Msg("delay scheduler exited")
	}
}

func run(ctx context.Context) error {
	brokers := strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
	port, err := strconv.Atoi(getEnv("HTTP_PORT", "8090"))
	if err != nil {
		return fmt.Errorf("invalid HTTP_PORT: %w", err)
	}

	tp, err := tracing.InitTracerProvider(serviceName, getEnv("JAEGER_ENDPOINT", ""), 1)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}

	nodeID := uuid.NewString()
	ctx = logger.WithContext(ctx, logger.L().With().Str("node", nodeID).Logger())

	app := bootstrap.App{Name: serviceName, Port: port}
	for level, delay := range delayLevels {
		// 同一级别的所有实例共享消费组, 分区在实例间分摊
		reader := mq.NewKafkaReader(brokers, level, serviceName+"-group-"+level)
		fwd := mq.NewDelayForwarder(level, reader, delay, func(topic string) mq.MessageWriter {
			return mq.NewKafkaWriter(brokers, topic)
		})
		app.Workers = append(app.Workers, bootstrap.Worker{
			Name: level,
			Run:  fwd.Run,
			Stop: func(context.Context) { _ = reader.Close() },
		})
		app.Closers = append(app.Closers, bootstrap.Closer{
			Name:  level + " writers",
			Close: func(context.Context) error { return fwd.Close() },
		})
	}
	app.Closers = append(app.Closers, bootstrap.Closer{Name: "tracer", Close: tp.Shutdown})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.Handler())
	app.Handler = mux

	logger.Ctx(ctx).Info().Int("levels", len(delayLevels)).Msg("all delay forwarders assembled")
	return bootstrap.Run(ctx, app)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
