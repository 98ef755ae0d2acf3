package internaldefs

import (
	funnel "github.com/tom2tomtomtom/airflow-sub008"
)

// CounterDef binds an engine counter to its exported name.
type CounterDef struct {
	ID   funnel.MetricID
	Name string
	Help string
}

// HistogramDef binds an engine histogram to its exported name.
type HistogramDef struct {
	ID   funnel.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported engine counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: funnel.MetricRecordTracked, Name: "funnel_records_tracked_total", Help: "Records committed to the local buffer."},
	{ID: funnel.MetricDurableWriteSuccess, Name: "funnel_durable_write_success_total", Help: "Successful day-partition writes."},
	{ID: funnel.MetricDurableWriteFailure, Name: "funnel_durable_write_failure_total", Help: "Failed day-partition writes."},
	{ID: funnel.MetricMirrorWriteFailure, Name: "funnel_mirror_write_failure_total", Help: "Failed real-time mirror writes."},
	{ID: funnel.MetricDurableSkipped, Name: "funnel_durable_skipped_total", Help: "Commits that skipped the unreachable durable store."},
	{ID: funnel.MetricBufferEvicted, Name: "funnel_buffer_evicted_total", Help: "Records evicted from the full local buffer."},
	{ID: funnel.MetricRecordDecodeFailure, Name: "funnel_record_decode_failure_total", Help: "Stored records skipped as malformed."},
	{ID: funnel.MetricPartitionReadFailure, Name: "funnel_partition_read_failure_total", Help: "Day partitions whose read failed."},
	{ID: funnel.MetricAnalyticsQuery, Name: "funnel_analytics_queries_total", Help: "Funnel analytics queries."},
	{ID: funnel.MetricRealTimeQuery, Name: "funnel_realtime_queries_total", Help: "Real-time status queries."},
	{ID: funnel.MetricTimerMissing, Name: "funnel_timer_missing_total", Help: "Step completions without a running timer."},
	{ID: funnel.MetricTrackPanicRecovered, Name: "funnel_track_panic_recovered_total", Help: "Panics recovered inside tracking calls."},
}

// HistogramDefs lists every exported engine histogram.
var HistogramDefs = []HistogramDef{
	{ID: funnel.MetricCommitLatency, Name: "funnel_commit_latency_seconds", Help: "Record commit latency."},
}

// Gauge and sink names that do not come from the counter snapshot.
const (
	BufferLenName        = "funnel_buffer_records"
	BufferLenHelp        = "Records currently held in the local buffer."
	DurableAvailableName = "funnel_durable_available"
	DurableAvailableHelp = "1 when the last durable store probe succeeded."
	SinkDroppedName      = "funnel_sink_dropped_total"
	SinkDroppedHelp      = "Records dropped by the sink dispatcher."
)

// HistogramBoundsSeconds are the upper bounds of the first seven engine
// latency buckets; the eighth bucket is +Inf.
var HistogramBoundsSeconds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket, +Inf included, for exporters that
// flatten buckets into separate instruments.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
