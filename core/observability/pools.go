package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchktools/bodystream/core/pools"
)

// PoolCollector exports BytePool statistics.
type PoolCollector struct {
	pool *pools.BytePool

	getsDesc      *prometheus.Desc
	putsDesc      *prometheus.Desc
	oversizedDesc *prometheus.Desc
	activeDesc    *prometheus.Desc
}

// NewPoolCollector creates a collector for pool.
func NewPoolCollector(namespace string, pool *pools.BytePool) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		getsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "byte_pool", "gets_total"),
			"Buffers taken from the byte pool.", nil, nil),
		putsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "byte_pool", "puts_total"),
			"Buffers returned to the byte pool.", nil, nil),
		oversizedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "byte_pool", "oversized_total"),
			"Requests larger than the biggest tier, allocated directly.", nil, nil),
		activeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "byte_pool", "active_buffers"),
			"Pooled buffers currently handed out.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (pc *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.getsDesc
	ch <- pc.putsDesc
	ch <- pc.oversizedDesc
	ch <- pc.activeDesc
}

// Collect implements prometheus.Collector.
func (pc *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.pool.Stats()
	ch <- prometheus.MustNewConstMetric(pc.getsDesc, prometheus.CounterValue, float64(stats.TotalGets))
	ch <- prometheus.MustNewConstMetric(pc.putsDesc, prometheus.CounterValue, float64(stats.TotalPuts))
	ch <- prometheus.MustNewConstMetric(pc.oversizedDesc, prometheus.CounterValue, float64(stats.Oversized))
	ch <- prometheus.MustNewConstMetric(pc.activeDesc, prometheus.GaugeValue, float64(stats.ActiveBufs))
}
