package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, LockLocal, cfg.Lock.Backend)
	assert.False(t, cfg.Kafka.Enabled)
	assert.NotEmpty(t, cfg.Workflow.Catalog)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  httpPort: 9090
  shutdownTimeout: 3s
ledger:
  backend: redis
  redis:
    addrs: ["redis:6379"]
store:
  driver: sqlite
  dsn: /tmp/stockflow.db
workflow:
  policy: quantity <= 10
  persistBackoff: 20ms
  catalog:
    - id: a
      name: Apple
      total: 5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.Service.ShutdownTimeout)
	assert.Equal(t, []string{"redis:6379"}, cfg.Ledger.Redis.Addrs)
	assert.Equal(t, "stockflow", cfg.Ledger.Redis.Prefix, "unset fields keep defaults")
	assert.Equal(t, 20*time.Millisecond, cfg.Workflow.PersistBackoff)
	require.Len(t, cfg.Workflow.Catalog, 1)
	assert.Equal(t, "Apple", cfg.Workflow.Catalog[0].Name)
	assert.Equal(t, 5, cfg.Workflow.Catalog[0].Total)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("STORE_DSN", "file.db")
	t.Setenv("ZK_SERVERS", "zk1:2181")
	t.Setenv("JAEGER_ENDPOINT", "http://jaeger:14268/api/traces")

	path := writeConfig(t, "store:\n  driver: sqlite\nlock:\n  backend: zookeeper\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7070, cfg.Service.HTTPPort)
	assert.Equal(t, "file.db", cfg.Store.DSN)
	assert.Equal(t, []string{"zk1:2181"}, cfg.Lock.Servers)
	assert.Equal(t, "http://jaeger:14268/api/traces", cfg.Tracing.JaegerEndpoint)
}

func TestInvalidHTTPPortEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "abc")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := map[string]func(c *Config){
		"unknown ledger":       func(c *Config) { c.Ledger.Backend = "etcd" },
		"redis without addrs":  func(c *Config) { c.Ledger.Backend = LedgerRedis },
		"unknown store":        func(c *Config) { c.Store.Driver = "postgres" },
		"sqlite without dsn":   func(c *Config) { c.Store.Driver = StoreSQLite },
		"mysql without target": func(c *Config) { c.Store.Driver = StoreMySQL },
		"unknown lock":         func(c *Config) { c.Lock.Backend = "etcd" },
		"zk without servers":   func(c *Config) { c.Lock.Backend = LockZookeeper },
		"zk with memory ledger": func(c *Config) {
			c.Lock.Backend, c.Lock.Servers = LockZookeeper, []string{"zk:2181"}
			c.Store.Driver, c.Store.MySQL.Host = StoreMySQL, "db"
		},
		"zk with local store": func(c *Config) {
			c.Lock.Backend, c.Lock.Servers = LockZookeeper, []string{"zk:2181"}
			c.Ledger.Backend, c.Ledger.Redis.Addrs = LedgerRedis, []string{"redis:6379"}
			c.Store.Driver, c.Store.DSN = StoreSQLite, "orders.db"
		},
		"kafka without broker": func(c *Config) { c.Kafka.Enabled = true },
		"bad port":             func(c *Config) { c.Service.HTTPPort = 70000 },
		"bad ratio":            func(c *Config) { c.Tracing.SampleRatio = 2 },
		"duplicate catalog": func(c *Config) {
			c.Workflow.Catalog = append(c.Workflow.Catalog, c.Workflow.Catalog[0])
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsClusteredConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Clustered())

	cfg.Lock.Backend, cfg.Lock.Servers = LockZookeeper, []string{"zk:2181"}
	cfg.Ledger.Backend, cfg.Ledger.Redis.Addrs = LedgerRedis, []string{"redis:6379"}
	cfg.Store.Driver, cfg.Store.MySQL.Host = StoreMySQL, "db"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Clustered())
}

func TestMySQLDSN(t *testing.T) {
	s := StoreConfig{Driver: StoreMySQL, MySQL: MySQLConfig{Host: "db", User: "root", Password: "pw", Database: "stock"}}
	dsn := s.MySQLDSN()
	assert.Contains(t, dsn, "root:pw@tcp(db:3306)/stock")
	assert.Contains(t, dsn, "parseTime=true")

	s.DSN = "explicit"
	assert.Equal(t, "explicit", s.MySQLDSN())
}

func TestOpenDatabaseSQLite(t *testing.T) {
	db, err := OpenDatabase(StoreConfig{Driver: StoreSQLite, DSN: "file::memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Ping())
	require.NoError(t, sqlDB.Close())

	db, err = OpenDatabase(StoreConfig{Driver: StoreMemory})
	require.NoError(t, err)
	assert.Nil(t, db)
}
