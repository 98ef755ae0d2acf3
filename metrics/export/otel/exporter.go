package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
	"github.com/tom2tomtomtom/airflow-sub008/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// MetricsSource is the read-only engine surface the exporter observes.
// *funnel.Engine implements it.
type MetricsSource interface {
	MetricsSnapshot() funnel.MetricsSnapshot
	BufferLen() int
	SinkDropped() uint64
	DurableAvailable() bool
}

type observedCounter struct {
	id         funnel.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      funnel.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter registers one callback that reads the engine on every
// collection cycle.
type OTelExporter struct {
	source       MetricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	bufferLen    metric.Int64ObservableGauge
	durable      metric.Int64ObservableGauge
	sinkDropped  metric.Int64ObservableCounter
}

func NewOTelExporter(meter metric.Meter, engine *funnel.Engine) (*OTelExporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source MetricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:     source,
		counters:   make([]observedCounter, 0, len(internaldefs.CounterDefs)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}

	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+len(internaldefs.HistogramDefs)*9+3)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i := 0; i < len(internaldefs.HistogramBoundSuffix); i++ {
			name := def.Name + "_bucket_le_" + internaldefs.HistogramBoundSuffix[i]
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countName := def.Name + "_count"
		countIns, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	bufferLen, err := meter.Int64ObservableGauge(internaldefs.BufferLenName, metric.WithDescription(internaldefs.BufferLenHelp))
	if err != nil {
		return nil, fmt.Errorf("create buffer gauge: %w", err)
	}
	durable, err := meter.Int64ObservableGauge(internaldefs.DurableAvailableName, metric.WithDescription(internaldefs.DurableAvailableHelp))
	if err != nil {
		return nil, fmt.Errorf("create durable gauge: %w", err)
	}
	sinkDropped, err := meter.Int64ObservableCounter(internaldefs.SinkDroppedName, metric.WithDescription(internaldefs.SinkDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("create sink dropped counter: %w", err)
	}
	exporter.bufferLen = bufferLen
	exporter.durable = durable
	exporter.sinkDropped = sinkDropped
	observables = append(observables, bufferLen, durable, sinkDropped)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i := 0; i < len(cumulative); i++ {
			observer.ObserveInt64(h.buckets[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}

	observer.ObserveInt64(e.bufferLen, int64(e.source.BufferLen()))
	var durable int64
	if e.source.DurableAvailable() {
		durable = 1
	}
	observer.ObserveInt64(e.durable, durable)
	observer.ObserveInt64(e.sinkDropped, int64(e.source.SinkDropped()))
	return nil
}

// Close unregisters the callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
