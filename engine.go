package funnel

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tom2tomtomtom/airflow-sub008/internal/dispatch"
	"github.com/tom2tomtomtom/airflow-sub008/internal/ring"
	"github.com/tom2tomtomtom/airflow-sub008/internal/stores"
)

// Engine records workflow metric records and answers analytics and
// real-time queries over them. Build one with [New]; all methods are safe
// for concurrent use.
type Engine struct {
	config  Config
	logger  *zap.Logger
	store   *stores.MetricLogStore
	durable atomic.Bool
	buffer  *ring.Buffer[MetricRecord]
	timer   Timer
	clock   Clock
	lastTS  atomic.Int64
	sink    *dispatch.Dispatcher[MetricRecord]
	metrics *Metrics
	newID   func() string
	closed  atomic.Bool
}

var _ Tracker = (*Engine)(nil)

func defaultClock() time.Time {
	return time.Now()
}

// Close stops the record sink after delivering queued records. Tracking
// calls made after Close are ignored and queries return
// [ErrEngineNotReady].
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.sink.Close()
}

// Probe pings the durable store and caches the result. The engine never
// re-probes on its own; callers that restore connectivity call Probe to
// resume durable writes.
func (e *Engine) Probe(ctx context.Context) bool {
	if e == nil || e.store == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pctx, cancel := context.WithTimeout(ctx, e.config.Store.ProbeTimeout)
	defer cancel()

	if err := e.store.Ping(pctx); err != nil {
		e.durable.Store(false)
		e.logger.Warn("durable store unreachable, recording locally only",
			zap.Error(err))
		return false
	}
	e.durable.Store(true)
	return true
}

// DurableAvailable reports the cached result of the last probe.
func (e *Engine) DurableAvailable() bool {
	return e != nil && e.store != nil && e.durable.Load()
}

// BufferLen returns the number of records held in the local buffer.
func (e *Engine) BufferLen() int {
	if e == nil || e.buffer == nil {
		return 0
	}
	return e.buffer.Len()
}

// SinkDropped returns the number of records the sink dispatcher dropped.
func (e *Engine) SinkDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.sink.Dropped()
}

// MetricsSnapshot returns the engine's self-observability counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return cloneConfig(e.config)
}

// RecentDurable returns up to limit records from the durable real-time
// mirror, newest first. Malformed entries are skipped.
func (e *Engine) RecentDurable(ctx context.Context, limit int) ([]MetricRecord, error) {
	if e == nil || e.closed.Load() {
		return nil, ErrEngineNotReady
	}
	if !e.DurableAvailable() {
		return nil, ErrStoreUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rctx, cancel := context.WithTimeout(ctx, e.config.Store.OpTimeout)
	defer cancel()

	entries, err := e.store.ReadMirror(rctx, limit)
	if err != nil {
		e.metricInc(MetricPartitionReadFailure)
		return nil, err
	}
	return e.decodeEntries(entries, e.store.MirrorKey()), nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) now() time.Time {
	return e.clock()
}
