// Package observability collects body-streaming metrics and exposes them
// to Prometheus.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchktools/bodystream/core/stream"
)

// Outcome classifies a finished body parse.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeRejected  Outcome = "rejected"  // limits or malformed input
	OutcomeCancelled Outcome = "cancelled" // client or server gave up
	OutcomeFailed    Outcome = "failed"    // body read error
)

// Upper bounds (ms) of the latency buckets; the last bucket is open.
var latencyBounds = [...]uint64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// StreamMonitor aggregates per-route body statistics with atomic counters.
// It implements prometheus.Collector.
type StreamMonitor struct {
	enabled atomic.Bool
	routes  sync.Map
	global  struct {
		parses         atomic.Uint64
		bytes          atomic.Uint64
		compactedBytes atomic.Uint64
	}
	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex

	parsesDesc      *prometheus.Desc
	fieldsDesc      *prometheus.Desc
	bytesDesc       *prometheus.Desc
	compactionsDesc *prometheus.Desc
	compactedDesc   *prometheus.Desc
	durationDesc    *prometheus.Desc
}

// RouteMetrics stores per-route metrics
type RouteMetrics struct {
	Name           string
	Count          atomic.Uint64
	Fields         atomic.Uint64
	Bytes          atomic.Uint64
	Compactions    atomic.Uint64
	CompactedBytes atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	outcomes       sync.Map // Outcome -> *atomic.Uint64
	latencyBuckets [len(latencyBounds) + 1]atomic.Uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type       string
	Location   string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// Parse describes one finished body parse.
type Parse struct {
	Route    string
	Outcome  Outcome
	Fields   int
	Duration time.Duration
	Stream   stream.ChannelStats
}

// NewStreamMonitor creates a monitor. Metric names are prefixed with namespace.
func NewStreamMonitor(namespace string) *StreamMonitor {
	sm := &StreamMonitor{
		parsesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "form", "parses_total"),
			"Form bodies parsed, by outcome.",
			[]string{"route", "outcome"}, nil),
		fieldsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "form", "fields_total"),
			"Form fields decoded.",
			[]string{"route"}, nil),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stream", "bytes_total"),
			"Body bytes handed through stream channels.",
			[]string{"route"}, nil),
		compactionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stream", "compactions_total"),
			"Copies of unconsumed borrowed bytes into owned storage.",
			[]string{"route"}, nil),
		compactedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "stream", "compacted_bytes_total"),
			"Bytes copied by compaction.",
			[]string{"route"}, nil),
		durationDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "form", "parse_duration_seconds"),
			"Form parse latency.",
			[]string{"route"}, nil),
	}
	sm.enabled.Store(true)
	return sm
}

// Enable turns recording on.
func (sm *StreamMonitor) Enable() {
	sm.enabled.Store(true)
}

// Disable turns recording off; Record becomes a no-op.
func (sm *StreamMonitor) Disable() {
	sm.enabled.Store(false)
}

// Record records a finished parse
func (sm *StreamMonitor) Record(p Parse) {
	if !sm.enabled.Load() {
		return
	}

	m := sm.route(p.Route)
	m.Count.Add(1)
	m.Fields.Add(uint64(p.Fields))
	m.Bytes.Add(p.Stream.BytesWritten)
	m.Compactions.Add(p.Stream.Compactions)
	m.CompactedBytes.Add(p.Stream.CompactedBytes)

	outcome, _ := m.outcomes.LoadOrStore(p.Outcome, new(atomic.Uint64))
	outcome.(*atomic.Uint64).Add(1)

	durationNs := uint64(p.Duration.Nanoseconds())
	m.TotalDuration.Add(durationNs)
	updateMinMax(m, durationNs)
	m.latencyBuckets[latencyBucket(durationNs)].Add(1)

	sm.global.parses.Add(1)
	sm.global.bytes.Add(p.Stream.BytesWritten)
	sm.global.compactedBytes.Add(p.Stream.CompactedBytes)
}

func (sm *StreamMonitor) route(name string) *RouteMetrics {
	val, _ := sm.routes.LoadOrStore(name, &RouteMetrics{Name: name})
	return val.(*RouteMetrics)
}

// Route returns the metrics for a route, or nil if nothing was recorded.
func (sm *StreamMonitor) Route(name string) *RouteMetrics {
	val, ok := sm.routes.Load(name)
	if !ok {
		return nil
	}
	return val.(*RouteMetrics)
}

// Totals returns parses, streamed bytes and compacted bytes across all routes.
func (sm *StreamMonitor) Totals() (parses, bytes, compactedBytes uint64) {
	return sm.global.parses.Load(), sm.global.bytes.Load(), sm.global.compactedBytes.Load()
}

// Outcomes returns the per-outcome counts of a route.
func (m *RouteMetrics) Outcomes() map[Outcome]uint64 {
	out := make(map[Outcome]uint64)
	m.outcomes.Range(func(key, value any) bool {
		out[key.(Outcome)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func updateMinMax(m *RouteMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

// latencyBucket returns the first bucket whose upper bound (inclusive,
// like a Prometheus le label) holds durationNs.
func latencyBucket(durationNs uint64) int {
	for i, bound := range latencyBounds {
		if durationNs <= bound*uint64(time.Millisecond) {
			return i
		}
	}
	return len(latencyBounds)
}

// StartAnalysis re-runs bottleneck detection every interval until stop is closed.
func (sm *StreamMonitor) StartAnalysis(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if !sm.enabled.Load() {
				continue
			}
			bottlenecks := sm.detectBottlenecks()
			sm.bottleneckMu.Lock()
			sm.bottlenecks = bottlenecks
			sm.bottleneckMu.Unlock()
		}
	}()
}

func (sm *StreamMonitor) detectBottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)

	sm.routes.Range(func(key, value any) bool {
		m := value.(*RouteMetrics)
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avgDuration := time.Duration(m.TotalDuration.Load() / count)
		if avgDuration > 100*time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "latency",
				Location:   m.Name,
				Severity:   8,
				Impact:     100.0,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("High latency (%v avg)", avgDuration),
			})
		}

		var failed uint64
		for outcome, n := range m.Outcomes() {
			if outcome != OutcomeOK {
				failed += n
			}
		}
		if failed > 0 && float64(failed)/float64(count) > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:       "errors",
				Location:   m.Name,
				Severity:   10,
				Impact:     float64(failed) / float64(count) * 100,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("%.1f%% of bodies not parsed", float64(failed)/float64(count)*100),
			})
		}

		// Most bytes being copied means consumers rarely finish a token
		// within the chunk that delivered it.
		if bytes := m.Bytes.Load(); bytes > 0 {
			ratio := float64(m.CompactedBytes.Load()) / float64(bytes)
			if ratio > 0.5 {
				bottlenecks = append(bottlenecks, Bottleneck{
					Type:       "copying",
					Location:   m.Name,
					Severity:   5,
					Impact:     ratio * 100,
					DetectedAt: time.Now(),
					Details:    fmt.Sprintf("%.1f%% of body bytes compacted", ratio*100),
				})
			}
		}

		return true
	})

	return bottlenecks
}

// GetBottlenecks returns detected bottlenecks
func (sm *StreamMonitor) GetBottlenecks() []Bottleneck {
	sm.bottleneckMu.RLock()
	defer sm.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, sm.bottlenecks...)
}

// Describe implements prometheus.Collector.
func (sm *StreamMonitor) Describe(ch chan<- *prometheus.Desc) {
	ch <- sm.parsesDesc
	ch <- sm.fieldsDesc
	ch <- sm.bytesDesc
	ch <- sm.compactionsDesc
	ch <- sm.compactedDesc
	ch <- sm.durationDesc
}

// Collect implements prometheus.Collector.
func (sm *StreamMonitor) Collect(ch chan<- prometheus.Metric) {
	sm.routes.Range(func(key, value any) bool {
		m := value.(*RouteMetrics)
		for outcome, n := range m.Outcomes() {
			ch <- prometheus.MustNewConstMetric(sm.parsesDesc, prometheus.CounterValue, float64(n), m.Name, string(outcome))
		}
		ch <- prometheus.MustNewConstMetric(sm.fieldsDesc, prometheus.CounterValue, float64(m.Fields.Load()), m.Name)
		ch <- prometheus.MustNewConstMetric(sm.bytesDesc, prometheus.CounterValue, float64(m.Bytes.Load()), m.Name)
		ch <- prometheus.MustNewConstMetric(sm.compactionsDesc, prometheus.CounterValue, float64(m.Compactions.Load()), m.Name)
		ch <- prometheus.MustNewConstMetric(sm.compactedDesc, prometheus.CounterValue, float64(m.CompactedBytes.Load()), m.Name)

		buckets := make(map[float64]uint64, len(latencyBounds))
		var cumulative uint64
		for i, bound := range latencyBounds {
			cumulative += m.latencyBuckets[i].Load()
			buckets[float64(bound)/1000] = cumulative
		}
		count := cumulative + m.latencyBuckets[len(latencyBounds)].Load()
		sum := float64(m.TotalDuration.Load()) / float64(time.Second)
		ch <- prometheus.MustNewConstHistogram(sm.durationDesc, count, sum, buckets, m.Name)
		return true
	})
}
