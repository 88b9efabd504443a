package bitcask

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forever-free1/TideCask/storage"
)

// metrics 是单个 DB 实例的指标集合
// 通过 dir 常量标签区分同一注册器上的多个实例
type metrics struct {
	reg prometheus.Registerer

	operations    *prometheus.CounterVec
	errors        *prometheus.CounterVec
	mergeDuration prometheus.Histogram
	reclaimed     prometheus.Counter
	liveKeys      prometheus.GaugeFunc
	segments      prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, dir string, liveKeys, segments func() float64) (*metrics, error) {
	labels := prometheus.Labels{"dir": dir}
	m := &metrics{
		reg: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tidecask_operations_total",
			Help:        "Total number of engine operations by kind",
			ConstLabels: labels,
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tidecask_operation_errors_total",
			Help:        "Total number of failed engine operations by kind",
			ConstLabels: labels,
		}, []string{"op"}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tidecask_merge_duration_seconds",
			Help:        "Duration of successful merges",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tidecask_reclaimed_bytes_total",
			Help:        "Bytes of segment files reclaimed by merges",
			ConstLabels: labels,
		}),
		liveKeys: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tidecask_live_keys",
			Help:        "Number of live keys in the index",
			ConstLabels: labels,
		}, liveKeys),
		segments: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "tidecask_segments",
			Help:        "Number of segment files in the data directory",
			ConstLabels: labels,
		}, segments),
	}

	if reg == nil {
		return m, nil
	}
	for i, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, registered := range m.collectors()[:i] {
				reg.Unregister(registered)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.errors, m.mergeDuration, m.reclaimed, m.liveKeys, m.segments}
}

// observe 记录一次操作，ErrKeyNotFound 不算失败
func (m *metrics) observe(op string, err error) {
	m.operations.WithLabelValues(op).Inc()
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		m.errors.WithLabelValues(op).Inc()
	}
}

func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors() {
		m.reg.Unregister(c)
	}
}
