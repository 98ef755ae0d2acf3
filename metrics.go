package funnel

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine self-observability counter.
type MetricID uint16

const (
	// MetricRecordTracked counts records committed to the local buffer.
	MetricRecordTracked MetricID = iota
	// MetricDurableWriteSuccess counts successful day-partition writes.
	MetricDurableWriteSuccess
	// MetricDurableWriteFailure counts swallowed day-partition write failures.
	MetricDurableWriteFailure
	// MetricMirrorWriteFailure counts swallowed real-time mirror write failures.
	MetricMirrorWriteFailure
	// MetricDurableSkipped counts commits that skipped the durable store
	// because it was unreachable at probe time.
	MetricDurableSkipped
	// MetricBufferEvicted counts records evicted from the full local buffer.
	MetricBufferEvicted
	// MetricRecordDecodeFailure counts stored records skipped as malformed.
	MetricRecordDecodeFailure
	// MetricPartitionReadFailure counts day partitions whose read failed.
	MetricPartitionReadFailure
	// MetricAnalyticsQuery counts GetWorkflowAnalytics calls.
	MetricAnalyticsQuery
	// MetricRealTimeQuery counts GetRealTimeStatus calls.
	MetricRealTimeQuery
	// MetricTimerMissing counts step completions that found no running timer.
	MetricTimerMissing
	// MetricTrackPanicRecovered counts panics recovered inside tracking calls.
	MetricTrackPanicRecovered
	// MetricCommitLatency is the commit latency histogram.
	MetricCommitLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters plus one latency histogram.
// A nil or disabled Metrics is a valid no-op.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the commit latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc increments counter id.
func (m *Metrics) Inc(id MetricID) {
	m.Add(id, 1)
}

// Add adds n to counter id.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount || n == 0 {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records d in the histogram of id. Only MetricCommitLatency has a
// histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricCommitLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters. A disabled Metrics yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricCommitLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricCommitLatency].buckets[i])
		}
		s.Histograms[MetricCommitLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
