package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/pkg/nacos"
	"stockflow/internal/service/order/domain"
)

// 可选后端
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"

	LockLocal     = "local"
	LockZookeeper = "zookeeper"
)

// Config 是 order-service 的完整配置
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Log      logger.Config  `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Store    StoreConfig    `yaml:"store"`
	Lock     LockConfig     `yaml:"lock"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Nacos    nacos.Config   `yaml:"nacos"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name"`
	HTTPPort        int           `yaml:"httpPort"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type TracingConfig struct {
	JaegerEndpoint string  `yaml:"jaegerEndpoint"`
	SampleRatio    float64 `yaml:"sampleRatio"`
}

type LedgerConfig struct {
	Backend    string        `yaml:"backend"`
	FlushRetry time.Duration `yaml:"flushRetry"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 在未提供 DSN 时用于拼装 DSN
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type LockConfig struct {
	Backend        string        `yaml:"backend"`
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	WaitTimeout    time.Duration `yaml:"waitTimeout"`
}

type KafkaConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Brokers             []string      `yaml:"brokers"`
	DelayTopic          string        `yaml:"delayTopic"`
	PaymentTimeoutTopic string        `yaml:"paymentTimeoutTopic"`
	DeadLetterTopic     string        `yaml:"deadLetterTopic"`
	AuditTopic          string        `yaml:"auditTopic"`
	ConsumerGroup       string        `yaml:"consumerGroup"`
	PaymentDeadline     time.Duration `yaml:"paymentDeadline"`
}

type WorkflowConfig struct {
	Policy          string               `yaml:"policy"`
	PersistRetries  int                  `yaml:"persistRetries"`
	PersistBackoff  time.Duration        `yaml:"persistBackoff"`
	PersistInterval time.Duration        `yaml:"persistInterval"`
	AuditBuffer     int                  `yaml:"auditBuffer"`
	AuditJournal    int                  `yaml:"auditJournal"`
	Catalog         []domain.CatalogItem `yaml:"catalog"`
}

// DefaultConfig 返回单机可运行的默认配置
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "order-service", HTTPPort: 8081, ShutdownTimeout: 10 * time.Second},
		Log:     logger.Config{Level: "info"},
		Tracing: TracingConfig{SampleRatio: 1},
		Ledger: LedgerConfig{
			Backend:    LedgerMemory,
			FlushRetry: time.Second,
			Redis:      RedisConfig{Prefix: "stockflow"},
		},
		Store: StoreConfig{Driver: StoreMemory},
		Lock:  LockConfig{Backend: LockLocal, Root: "/stockflow/locks", SessionTimeout: 10 * time.Second, WaitTimeout: 5 * time.Second},
		Kafka: KafkaConfig{
			DelayTopic:          "delay_topic_1m",
			PaymentTimeoutTopic: "order-payment-timeout",
			DeadLetterTopic:     "order-payment-timeout-dlt",
			AuditTopic:          "order-audit",
			ConsumerGroup:       "order-service-timeout",
			PaymentDeadline:     time.Minute,
		},
		Workflow: WorkflowConfig{
			PersistRetries:  3,
			PersistBackoff:  50 * time.Millisecond,
			PersistInterval: 2 * time.Second,
			AuditBuffer:     1024,
			AuditJournal:    1000,
			Catalog: []domain.CatalogItem{
				{ID: "product-1", Name: "Mechanical Keyboard", Total: 100},
				{ID: "product-2", Name: "Wireless Mouse", Total: 200},
				{ID: "product-3", Name: "USB-C Hub", Total: 50},
			},
		},
	}
}

// LoadConfig 读取 YAML 配置, path 为空时只使用默认值与环境变量
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 部署相关的值允许被环境变量覆盖
func (c *Config) applyEnv() error {
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Kafka.Brokers = splitList(v)
		c.Kafka.Enabled = true
	}
	if v := getEnv("REDIS_ADDRS", ""); v != "" {
		c.Ledger.Redis.Addrs = splitList(v)
	}
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		c.Lock.Servers = splitList(v)
	}
	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Store.DSN = getEnv("STORE_DSN", c.Store.DSN)
	c.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Nacos.ServerAddrs)
	c.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Nacos.Namespace)
	c.Nacos.Group = getEnv("NACOS_GROUP", c.Nacos.Group)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if v := getEnv("HTTP_PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, err)
		}
		c.Service.HTTPPort = port
	}
	return nil
}

// Validate 校验后端选择与必填项
func (c *Config) Validate() error {
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("service.httpPort out of range: %d", c.Service.HTTPPort)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sampleRatio must be within [0,1], got %v", c.Tracing.SampleRatio)
	}

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerRedis:
		if len(c.Ledger.Redis.Addrs) == 0 {
			return fmt.Errorf("ledger.redis.addrs is required for the redis ledger")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for sqlite")
		}
	case StoreMySQL:
		if c.Store.DSN == "" && c.Store.MySQL.Host == "" {
			return fmt.Errorf("store.dsn or store.mysql.host is required for mysql")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockZookeeper:
		if len(c.Lock.Servers) == 0 {
			return fmt.Errorf("lock.servers is required for the zookeeper lock")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	// 集群模式下账本和订单仓储必须在实例间共享
	if c.Clustered() {
		if c.Ledger.Backend != LedgerRedis {
			return fmt.Errorf("lock.backend=zookeeper requires ledger.backend=redis, got %q", c.Ledger.Backend)
		}
		if c.Store.Driver != StoreMySQL {
			return fmt.Errorf("lock.backend=zookeeper requires store.driver=mysql, got %q", c.Store.Driver)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.DelayTopic == "" || c.Kafka.PaymentTimeoutTopic == "" || c.Kafka.DeadLetterTopic == "" {
			return fmt.Errorf("kafka topics must not be empty")
		}
	}

	if c.Workflow.PersistRetries < 0 {
		return fmt.Errorf("workflow.persistRetries must not be negative")
	}
	if err := domain.ValidateCatalog(c.Workflow.Catalog); err != nil {
		return fmt.Errorf("workflow.catalog: %w", err)
	}
	return nil
}

// Clustered 表示多个实例共享同一账本和订单仓储, 由分布式锁串行化订单流转
func (c *Config) Clustered() bool {
	return c.Lock.Backend == LockZookeeper
}

// MySQLDSN 返回配置的 DSN, 未配置时由 mysql 字段拼装
func (s StoreConfig) MySQLDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	cfg := mysqldriver.NewConfig()
	cfg.User = s.MySQL.User
	cfg.Passwd = s.MySQL.Password
	cfg.Net = "tcp"
	port := s.MySQL.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = fmt.Sprintf("%s:%d", s.MySQL.Host, port)
	cfg.DBName = s.MySQL.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// OpenDatabase 按 store.driver 打开 gorm 连接, memory 驱动返回 nil
func OpenDatabase(s StoreConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var (
		db  *gorm.DB
		err error
	)
	switch s.Driver {
	case StoreMemory:
		return nil, nil
	case StoreSQLite:
		db, err = gorm.Open(sqlite.Open(s.DSN), gormCfg)
	case StoreMySQL:
		db, err = gorm.Open(mysql.Open(s.MySQLDSN()), gormCfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", s.Driver, err)
	}
	return db, nil
}

// getEnv 从环境变量中读取配置
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
