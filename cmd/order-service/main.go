package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stockflow/internal/pkg/bootstrap"
	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/metrics"
	"stockflow/internal/pkg/mq"
	"stockflow/internal/pkg/nacos"
	"stockflow/internal/pkg/redis"
	"stockflow/internal/pkg/tracing"
	"stockflow/internal/pkg/zookeeper"
	"stockflow/internal/service/order/application"
	"stockflow/internal/service/order/domain"
	"stockflow/internal/service/order/infrastructure"
	"stockflow/internal/service/order/infrastructure/adapter"
	"stockflow/internal/service/order/interfaces"
	"stockflow/internal/service/order/ledger"
	"stockflow/internal/service/order/policy"
	"stockflow/internal/service/order/port"
)

// main 是应用的组装根: 创建并组装所有依赖, 然后交给 bootstrap.Run
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Service.Name, cfg.Log)

	if err := run(context.Background(), cfg); err != nil {
		logger.L().Fatal().Err(err).Msg("order service exited")
	}
}

// resources 收集需要在关停时释放的资源, 按加入的逆序关闭
type resources struct {
	closers []bootstrap.Closer
}

func (r *resources) add(name string, fn func(ctx context.Context) error) {
	r.closers = append([]bootstrap.Closer{{Name: name, Close: fn}}, r.closers...)
}

func (r *resources) closeAll(ctx context.Context) {
	for _, c := range r.closers {
		if err := c.Close(ctx); err != nil {
			logger.L().Error().Err(err).Str("resource", c.Name).Msg("failed to release resource")
		}
	}
}

func run(ctx context.Context, cfg *bootstrap.Config) (err error) {
	res := &resources{}
	handedOff := false
	defer func() {
		// 组装失败时释放已经创建的资源, 交给 bootstrap 之后由它负责
		if err != nil && !handedOff {
			res.closeAll(context.Background())
		}
	}()

	// 1. 核心技术组件
	tp, err := tracing.InitTracerProvider(cfg.Service.Name, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	res.add("tracer", tp.Shutdown)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// 2. 持久化
	stockRepo, orderRepo, err := openStore(cfg, res)
	if err != nil {
		return err
	}

	// 3. 库存账本
	stockLedger, err := openLedger(ctx, cfg, stockRepo, m, res)
	if err != nil {
		return err
	}
	registry.MustRegister(ledger.NewCollector(stockLedger))

	// 4. 订单锁
	locker, err := openLocker(cfg, res)
	if err != nil {
		return err
	}

	// 5. 审计: 内存日志 + websocket 推送 (+ kafka)
	journal := infrastructure.NewAuditJournal(cfg.Workflow.AuditJournal)
	hub := interfaces.NewAuditHub()
	publishers := []infrastructure.AuditPublisher{journal, hub}

	var scheduler port.PaymentTimeoutScheduler
	var workers []bootstrap.Worker
	if cfg.Kafka.Enabled {
		auditWriter := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		res.add("kafka audit writer", func(context.Context) error { return auditWriter.Close() })
		publishers = append(publishers, adapter.NewAuditKafkaAdapter(auditWriter))

		delayWriter := mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.DelayTopic)
		res.add("kafka delay writer", func(context.Context) error { return delayWriter.Close() })
		scheduler = adapter.NewSchedulerKafkaAdapter(delayWriter, cfg.Kafka.PaymentTimeoutTopic, cfg.Kafka.PaymentDeadline)
	}
	auditSink := infrastructure.NewAsyncAuditSink(cfg.Workflow.AuditBuffer, m, publishers...)
	// 逆序关闭, 保证审计先于 kafka writer 排空
	res.add("audit sink", func(context.Context) error { return auditSink.Close() })

	// 6. 准入策略
	admission, err := policy.NewCELPolicy(cfg.Workflow.Policy)
	if err != nil {
		return err
	}

	// 7. 应用服务
	opts := []application.Option{application.WithPersistRetry(cfg.Workflow.PersistRetries, cfg.Workflow.PersistBackoff)}
	if cfg.Clustered() {
		opts = append(opts, application.WithSharedOrders())
	}
	svc := application.NewOrderApplicationService(application.Deps{
		Ledger:    stockLedger,
		Orders:    orderRepo,
		Audit:     auditSink,
		AuditLog:  journal,
		Locker:    locker,
		Scheduler: scheduler,
		Policy:    admission,
		Metrics:   m,
		Catalog:   cfg.Workflow.Catalog,
	}, opts...)
	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}

	workers = append(workers,
		bootstrap.Worker{Name: "audit-hub", Run: hub.Run},
		bootstrap.Worker{Name: "order-persistence", Run: func(ctx context.Context) error {
			return svc.RunPersistenceLoop(ctx, cfg.Workflow.PersistInterval)
		}},
	)
	if cfg.Kafka.Enabled {
		workers = append(workers, kafkaWorkers(cfg, svc, res)...)
	}

	// 8. HTTP
	mux := http.NewServeMux()
	interfaces.NewOrderHandler(svc, hub, registry).RegisterRoutes(mux)

	app := bootstrap.App{
		Name:            cfg.Service.Name,
		Port:            cfg.Service.HTTPPort,
		Handler:         mux,
		Workers:         workers,
		ShutdownTimeout: cfg.Service.ShutdownTimeout,
	}
	if cfg.Nacos.ServerAddrs != "" {
		nc, err := nacos.NewNacosClient(cfg.Nacos)
		if err != nil {
			return err
		}
		res.add("nacos", func(context.Context) error { nc.Close(); return nil })
		app.Registry = nc
	}
	app.Closers = res.closers

	logger.Ctx(ctx).Info().
		Str("ledger", cfg.Ledger.Backend).
		Str("store", cfg.Store.Driver).
		Str("lock", cfg.Lock.Backend).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("clustered", cfg.Clustered()).
		Str("policy", admission.Expression()).
		Msg("order service assembled")
	handedOff = true
	return bootstrap.Run(ctx, app)
}

func openStore(cfg *bootstrap.Config, res *resources) (domain.StockRepository, domain.OrderRepository, error) {
	db, err := bootstrap.OpenDatabase(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	if db == nil {
		store := infrastructure.NewMemoryStore()
		return store, store.Orders(), nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("get sql.DB: %w", err)
	}
	res.add("database", func(context.Context) error { return sqlDB.Close() })
	if cfg.Store.Driver == bootstrap.StoreSQLite {
		// sqlite 只允许单写
		sqlDB.SetMaxOpenConns(1)
	}
	if err := infrastructure.AutoMigrate(db); err != nil {
		return nil, nil, err
	}
	return infrastructure.NewGormStockRepository(db), infrastructure.NewGormOrderRepository(db), nil
}

func openLedger(ctx context.Context, cfg *bootstrap.Config, repo domain.StockRepository, m *metrics.Metrics, res *resources) (port.StockLedger, error) {
	switch cfg.Ledger.Backend {
	case bootstrap.LedgerRedis:
		rc := cfg.Ledger.Redis
		client, err := redis.NewClient(ctx, strings.Join(rc.Addrs, ","), rc.Password, rc.DB)
		if err != nil {
			return nil, err
		}
		res.add("redis", func(context.Context) error { return client.Close() })
		l, err := ledger.NewRedisLedger(ctx, client, rc.Prefix, m)
		if err != nil {
			return nil, err
		}
		// redis 中已有数据时沿用, 否则按目录初始化
		stocks, err := l.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if len(stocks) == 0 {
			if err := l.ResetAll(ctx, cfg.Workflow.Catalog); err != nil {
				return nil, err
			}
		}
		return l, nil
	default:
		l := ledger.NewMemoryLedger(ledger.WithRepository(repo, cfg.Ledger.FlushRetry), ledger.WithMetrics(m))
		res.add("memory ledger", func(context.Context) error { return l.Close() })
		if err := l.Restore(ctx, cfg.Workflow.Catalog); err != nil {
			return nil, err
		}
		return l, nil
	}
}

func openLocker(cfg *bootstrap.Config, res *resources) (port.Locker, error) {
	if cfg.Lock.Backend != bootstrap.LockZookeeper {
		return application.NewLocalLocker(), nil
	}
	conn, err := zookeeper.Connect(cfg.Lock.Servers, cfg.Lock.SessionTimeout)
	if err != nil {
		return nil, err
	}
	res.add("zookeeper", func(context.Context) error { conn.Close(); return nil })
	return zookeeper.NewLocker(conn, cfg.Lock.Root, cfg.Lock.WaitTimeout)
}

// kafkaWorkers 组装支付超时消费者和死信消费者
func kafkaWorkers(cfg *bootstrap.Config, svc *application.OrderApplicationService, res *resources) []bootstrap.Worker {
	kc := cfg.Kafka
	dltWriter := mq.NewKafkaWriter(kc.Brokers, kc.DeadLetterTopic)
	res.add("kafka dlt writer", func(context.Context) error { return dltWriter.Close() })

	timeoutReader := mq.NewKafkaReader(kc.Brokers, kc.PaymentTimeoutTopic, kc.ConsumerGroup)
	timeouts := interfaces.NewPaymentTimeoutConsumer(timeoutReader, svc, mq.NewFailureHandler(dltWriter, kc.DeadLetterTopic))

	dltReader := mq.NewKafkaReader(kc.Brokers, kc.DeadLetterTopic, kc.ConsumerGroup+"-dlt")
	dlt := interfaces.NewDltConsumerAdapter(dltReader)

	return []bootstrap.Worker{
		{Name: "payment-timeout-consumer", Run: timeouts.Run, Stop: timeouts.Stop},
		{Name: "dead-letter-consumer", Run: dlt.Run, Stop: dlt.Stop},
	}
}
