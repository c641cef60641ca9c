package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 秒杀链路的 Prometheus 指标
type Metrics struct {
	Admissions       *prometheus.CounterVec
	Materializations *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	Reclaimed        prometheus.Counter
	Compensations    prometheus.Counter
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seckill",
			Name:      "admissions_total",
			Help:      "Seckill admission decisions by result.",
		}, []string{"result"}),
		Materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seckill",
			Name:      "materializations_total",
			Help:      "Order materialization attempts by outcome.",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seckill",
			Name:      "dead_letters_total",
			Help:      "Admission records routed to the dead-letter sink.",
		}, []string{"reason"}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seckill",
			Name:      "queue_reclaimed_total",
			Help:      "Pending admission records reclaimed for redelivery.",
		}),
		Compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seckill",
			Name:      "ledger_compensations_total",
			Help:      "Ledger reservations released after a failed enqueue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Admissions, m.Materializations, m.DeadLetters, m.Reclaimed, m.Compensations)
	}
	return m
}

// NewNop 创建不注册的指标，用于测试
func NewNop() *Metrics {
	return New(nil)
}
