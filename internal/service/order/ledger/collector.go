package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stockflow/internal/pkg/logger"
	"stockflow/internal/service/order/domain"
)

// Snapshotter 是 Collector 需要的最小接口
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]domain.Stock, error)
}

// Collector 在每次抓取时读取账本快照, 导出每个商品的四个计数
type Collector struct {
	source    Snapshotter
	timeout   time.Duration
	total     *prometheus.Desc
	available *prometheus.Desc
	locked    *prometheus.Desc
	deducted  *prometheus.Desc
}

func NewCollector(source Snapshotter) *Collector {
	label := []string{"product"}
	return &Collector{
		source:    source,
		timeout:   2 * time.Second,
		total:     prometheus.NewDesc("stockflow_stock_total", "Total units of the product.", label, nil),
		available: prometheus.NewDesc("stockflow_stock_available", "Units available for reservation.", label, nil),
		locked:    prometheus.NewDesc("stockflow_stock_locked", "Units reserved by pending orders.", label, nil),
		deducted:  prometheus.NewDesc("stockflow_stock_deducted", "Units permanently deducted by paid orders.", label, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.available
	ch <- c.locked
	ch <- c.deducted
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	stocks, err := c.source.Snapshot(ctx)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("stock collector: snapshot failed")
		return
	}
	for _, s := range stocks {
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total), s.ID)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(s.Available), s.ID)
		ch <- prometheus.MustNewConstMetric(c.locked, prometheus.GaugeValue, float64(s.Locked), s.ID)
		ch <- prometheus.MustNewConstMetric(c.deducted, prometheus.GaugeValue, float64(s.Deducted), s.ID)
	}
}
