package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot funnel.MetricsSnapshot
	buffer   int
	dropped  uint64
	durable  bool
}

func (f *fakeSource) MetricsSnapshot() funnel.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := funnel.MetricsSnapshot{
		Counters:   make(map[funnel.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[funnel.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) BufferLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.buffer
}

func (f *fakeSource) SinkDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func (f *fakeSource) DurableAvailable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.durable
}

func newTestMeter(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader, provider
}

func collectInt64(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if len(data.DataPoints) > 0 {
					out[m.Name] = data.DataPoints[0].Value
				}
			case metricdata.Gauge[int64]:
				if len(data.DataPoints) > 0 {
					out[m.Name] = data.DataPoints[0].Value
				}
			}
		}
	}
	return out
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newTestMeter(t)

	src := &fakeSource{
		snapshot: funnel.MetricsSnapshot{
			Counters: map[funnel.MetricID]uint64{
				funnel.MetricRecordTracked:       3,
				funnel.MetricDurableWriteFailure: 1,
			},
			Histograms: map[funnel.MetricID][]uint64{
				funnel.MetricCommitLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		buffer:  12,
		dropped: 2,
		durable: true,
	}

	exp, err := NewOTelExporterFromSource(provider.Meter("funnel-test"), src)
	require.NoError(t, err)
	defer func() { assert.NoError(t, exp.Close()) }()

	got := collectInt64(t, reader)
	want := map[string]int64{
		"funnel_records_tracked_total":                  3,
		"funnel_durable_write_failure_total":            1,
		"funnel_commit_latency_seconds_bucket_le_0_005": 1,
		"funnel_commit_latency_seconds_bucket_le_inf":   8,
		"funnel_commit_latency_seconds_count":           8,
		"funnel_buffer_records":                         12,
		"funnel_durable_available":                      1,
		"funnel_sink_dropped_total":                     2,
	}
	for name, v := range want {
		assert.Equal(t, v, got[name], name)
	}
}

func TestExporterRejectsNilInputs(t *testing.T) {
	_, provider := newTestMeter(t)

	_, err := NewOTelExporterFromSource(provider.Meter("funnel-test"), nil)
	assert.ErrorIs(t, err, ErrNilSource)

	_, err = NewOTelExporter(provider.Meter("funnel-test"), nil)
	assert.ErrorIs(t, err, ErrNilSource, "nil engine")

	_, err = NewOTelExporterFromSource(nil, &fakeSource{})
	assert.ErrorIs(t, err, ErrNilMeter)
}

func TestExporterOverRealEngine(t *testing.T) {
	reader, provider := newTestMeter(t)

	engine, err := funnel.New().Build()
	require.NoError(t, err)
	defer engine.Close()

	exp, err := NewOTelExporter(provider.Meter("funnel-test"), engine)
	require.NoError(t, err)
	defer exp.Close()

	engine.TrackStepStart(context.Background(), "u1", "s1", funnel.StepBriefIntake, nil)
	engine.TrackStepStart(context.Background(), "u1", "s1", funnel.StepMotivationSelection, nil)

	got := collectInt64(t, reader)
	assert.Equal(t, int64(2), got["funnel_records_tracked_total"])
	assert.Equal(t, int64(2), got["funnel_buffer_records"])
	assert.Zero(t, got["funnel_durable_available"], "engine without a store is not durable")
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newTestMeter(t)

	src := &fakeSource{
		snapshot: funnel.MetricsSnapshot{
			Counters: map[funnel.MetricID]uint64{
				funnel.MetricRecordTracked: 1,
			},
			Histograms: map[funnel.MetricID][]uint64{
				funnel.MetricCommitLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(provider.Meter("funnel-test"), src)
	require.NoError(t, err)
	defer func() { assert.NoError(t, exp.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[funnel.MetricRecordTracked] = v
			src.buffer = int(v)
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
