package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockflow/internal/pkg/metrics"
	"stockflow/internal/pkg/redis"
	"stockflow/internal/service/order/domain"
)

const (
	reserveScriptName  = "ledger_reserve"
	confirmScriptName  = "ledger_confirm"
	releaseScriptName  = "ledger_release"
	resetScriptName    = "ledger_reset"
	snapshotScriptName = "ledger_snapshot"
)

// 脚本返回码
const (
	codeOK           = 1
	codeInsufficient = 0
	codeNotFound     = -1
	codeOverLocked   = -2
)

// RedisLedger 把计数保存在 Redis hash 中, 每次检查加修改都在一个 Lua 脚本内完成,
// 多个服务实例可以共享同一份库存。
// 所有 key 带同一个 hash tag, 集群模式下落在同一个 slot。
type RedisLedger struct {
	client  *redis.Client
	prefix  string
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewRedisLedger 加载全部脚本。prefix 用于隔离不同环境, 例如 "stockflow"。
func NewRedisLedger(ctx context.Context, client *redis.Client, prefix string, m *metrics.Metrics) (*RedisLedger, error) {
	scripts := map[string]string{
		reserveScriptName:  reserveScript,
		confirmScriptName:  confirmScript,
		releaseScriptName:  releaseScript,
		resetScriptName:    resetScript,
		snapshotScriptName: snapshotScript,
	}
	for name, src := range scripts {
		if err := client.LoadScriptFromContent(ctx, name, src); err != nil {
			return nil, fmt.Errorf("failed to load critical ledger script: %w", err)
		}
	}
	if prefix == "" {
		prefix = "stockflow"
	}
	return &RedisLedger{
		client:  client,
		prefix:  prefix,
		tracer:  otel.Tracer("stockflow/ledger"),
		metrics: m,
	}, nil
}

func (l *RedisLedger) stockKeyPrefix() string {
	return l.prefix + ":{ledger}:stock:"
}

func (l *RedisLedger) idsKey() string {
	return l.prefix + ":{ledger}:ids"
}

func (l *RedisLedger) Reserve(ctx context.Context, productID string, qty int) error {
	return l.mutate(ctx, "reserve", reserveScriptName, productID, qty)
}

func (l *RedisLedger) Confirm(ctx context.Context, productID string, qty int) error {
	return l.mutate(ctx, "confirm", confirmScriptName, productID, qty)
}

func (l *RedisLedger) Release(ctx context.Context, productID string, qty int) error {
	return l.mutate(ctx, "release", releaseScriptName, productID, qty)
}

func (l *RedisLedger) mutate(ctx context.Context, op, script, productID string, qty int) (err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.redis."+op)
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID), attribute.Int("quantity", qty))
	defer func() {
		l.metrics.ObserveLedgerOp(op, resultLabel(err))
		if err != nil && domain.KindOf(err) == domain.KindInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ledger script failed")
		}
	}()

	if qty <= 0 {
		return domain.InvalidArgument("quantity must be positive, got %d", qty)
	}
	res, err := l.client.RunScript(ctx, script, []string{l.stockKeyPrefix() + productID}, qty)
	if err != nil {
		return domain.Internal(err, "ledger %s", op)
	}
	code, value, err := parsePair(res)
	if err != nil {
		return domain.Internal(err, "ledger %s", op)
	}

	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return domain.NotFound("product %s not found", productID)
	case codeInsufficient:
		return domain.InsufficientStock(productID, qty, value)
	case codeOverLocked:
		return domain.Internal(nil, "%s %d exceeds locked %d for product %s", op, qty, value, productID)
	default:
		return domain.Internal(nil, "unknown result code from ledger %s script: %d", op, code)
	}
}

func (l *RedisLedger) ResetAll(ctx context.Context, catalog []domain.CatalogItem) (err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.redis.reset")
	defer span.End()
	defer func() { l.metrics.ObserveLedgerOp("reset", resultLabel(err)) }()

	if err := domain.ValidateCatalog(catalog); err != nil {
		return err
	}
	args := make([]interface{}, 0, 1+3*len(catalog))
	args = append(args, l.stockKeyPrefix())
	for _, it := range catalog {
		args = append(args, it.ID, it.Name, it.Total)
	}
	if _, err := l.client.RunScript(ctx, resetScriptName, []string{l.idsKey()}, args...); err != nil {
		span.RecordError(err)
		return domain.Internal(err, "ledger reset")
	}
	return nil
}

func (l *RedisLedger) Snapshot(ctx context.Context) ([]domain.Stock, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.redis.snapshot")
	defer span.End()

	res, err := l.client.RunScript(ctx, snapshotScriptName, []string{l.idsKey()}, l.stockKeyPrefix())
	if err != nil {
		span.RecordError(err)
		return nil, domain.Internal(err, "ledger snapshot")
	}
	stocks, err := parseSnapshot(res)
	if err != nil {
		return nil, domain.Internal(err, "ledger snapshot")
	}
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].ID < stocks[j].ID })
	return stocks, nil
}

func (l *RedisLedger) Get(ctx context.Context, productID string) (domain.Stock, error) {
	vals, err := l.client.GetClient().HMGet(ctx, l.stockKeyPrefix()+productID,
		"name", "total", "available", "locked", "deducted").Result()
	if err != nil {
		return domain.Stock{}, domain.Internal(errors.Wrap(err, "hmget"), "ledger get")
	}
	if vals[1] == nil {
		return domain.Stock{}, domain.NotFound("product %s not found", productID)
	}
	fields := make([]interface{}, 0, 6)
	fields = append(fields, productID)
	fields = append(fields, vals...)
	stocks, err := parseSnapshot(fields)
	if err != nil {
		return domain.Stock{}, domain.Internal(err, "ledger get")
	}
	return stocks[0], nil
}

func parsePair(res interface{}) (int, int, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, 0, fmt.Errorf("unexpected result from ledger script: %T %v", res, res)
	}
	code, ok1 := arr[0].(int64)
	value, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected result types from ledger script: %T, %T", arr[0], arr[1])
	}
	return int(code), int(value), nil
}

// parseSnapshot 解析 id, name, total, available, locked, deducted 的平铺数组
func parseSnapshot(res interface{}) ([]domain.Stock, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr)%6 != 0 {
		return nil, fmt.Errorf("unexpected snapshot result: %T", res)
	}
	stocks := make([]domain.Stock, 0, len(arr)/6)
	for i := 0; i < len(arr); i += 6 {
		var nums [4]int
		for j := range nums {
			n, err := toInt(arr[i+2+j])
			if err != nil {
				return nil, err
			}
			nums[j] = n
		}
		stocks = append(stocks, domain.Stock{
			ID:        toString(arr[i]),
			Name:      toString(arr[i+1]),
			Total:     nums[0],
			Available: nums[1],
			Locked:    nums[2],
			Deducted:  nums[3],
		})
	}
	return stocks, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, errors.Wrapf(err, "parse counter %q", n)
		}
		return i, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
}
