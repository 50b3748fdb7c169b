// Package metrics 集中定义 order-service 的业务指标。
// 所有方法对 nil *Metrics 安全, 未接入指标的组件可以直接传 nil。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stockflow"

type Metrics struct {
	LedgerOps            *prometheus.CounterVec
	Transitions          *prometheus.CounterVec
	Submissions          *prometheus.CounterVec
	CompensationFailures prometheus.Counter
	AuditDropped         prometheus.Counter
	PersistBacklog       prometheus.Gauge
}

// New 在 reg 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Stock ledger operations by operation and result.",
		}, []string{"op", "result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Order submissions by result kind.",
		}, []string{"result"}),
		CompensationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Saga compensations that failed and may have stranded stock.",
		}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the sink buffer was full.",
		}),
		PersistBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "order_persist_backlog",
			Help:      "Orders committed in memory but not yet written to the repository.",
		}),
	}
}

func (m *Metrics) ObserveLedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveSubmission(result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) CompensationFailed() {
	if m == nil {
		return
	}
	m.CompensationFailures.Inc()
}

func (m *Metrics) AuditEventDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

func (m *Metrics) SetPersistBacklog(n int) {
	if m == nil {
		return
	}
	m.PersistBacklog.Set(float64(n))
}
