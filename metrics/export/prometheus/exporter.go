package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
	"github.com/tom2tomtomtom/airflow-sub008/metrics/export/internaldefs"
)

// MetricsSource is the read-only engine surface the exporter needs.
// *funnel.Engine implements it.
type MetricsSource interface {
	MetricsSnapshot() funnel.MetricsSnapshot
	BufferLen() int
	SinkDropped() uint64
	DurableAvailable() bool
}

type counterDesc struct {
	id   funnel.MetricID
	desc *prometheus.Desc
}

// PrometheusExporter is a [prometheus.Collector] that reads the engine
// snapshot on every scrape.
type PrometheusExporter struct {
	source     MetricsSource
	counters   []counterDesc
	histograms []counterDesc
	bufferLen  *prometheus.Desc
	durable    *prometheus.Desc
	dropped    *prometheus.Desc
	registry   *prometheus.Registry
}

var _ prometheus.Collector = (*PrometheusExporter)(nil)

// NewPrometheusExporter creates an exporter reading from engine.
func NewPrometheusExporter(engine *funnel.Engine) *PrometheusExporter {
	return NewPrometheusExporterFromSource(engine)
}

// NewPrometheusExporterFromSource creates an exporter reading from source.
// The exporter registers itself in a private registry served by Handler;
// callers that own a registry can register the exporter there as well.
func NewPrometheusExporterFromSource(source MetricsSource) *PrometheusExporter {
	p := &PrometheusExporter{
		source:    source,
		bufferLen: prometheus.NewDesc(internaldefs.BufferLenName, internaldefs.BufferLenHelp, nil, nil),
		durable:   prometheus.NewDesc(internaldefs.DurableAvailableName, internaldefs.DurableAvailableHelp, nil, nil),
		dropped:   prometheus.NewDesc(internaldefs.SinkDroppedName, internaldefs.SinkDroppedHelp, nil, nil),
	}
	for _, def := range internaldefs.CounterDefs {
		p.counters = append(p.counters, counterDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	for _, def := range internaldefs.HistogramDefs {
		p.histograms = append(p.histograms, counterDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}

	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(p)
	return p
}

// Describe implements [prometheus.Collector].
func (p *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range p.counters {
		ch <- c.desc
	}
	for _, h := range p.histograms {
		ch <- h.desc
	}
	ch <- p.bufferLen
	ch <- p.durable
	ch <- p.dropped
}

// Collect implements [prometheus.Collector]. Engine counters are omitted
// while engine metrics are disabled; buffer, store and sink series are
// always reported.
func (p *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	if p == nil || p.source == nil {
		return
	}

	snapshot := p.source.MetricsSnapshot()
	for _, c := range p.counters {
		v, ok := snapshot.Counters[c.id]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(v))
	}

	for _, h := range p.histograms {
		raw, ok := snapshot.Histograms[h.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramBoundsSeconds))
		for i, le := range internaldefs.HistogramBoundsSeconds {
			buckets[le] = cumulative[i]
		}
		// Engine snapshots carry bucket counts only, no sum.
		ch <- prometheus.MustNewConstHistogram(h.desc, cumulative[len(cumulative)-1], 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(p.bufferLen, prometheus.GaugeValue, float64(p.source.BufferLen()))
	durable := 0.0
	if p.source.DurableAvailable() {
		durable = 1
	}
	ch <- prometheus.MustNewConstMetric(p.durable, prometheus.GaugeValue, durable)
	ch <- prometheus.MustNewConstMetric(p.dropped, prometheus.CounterValue, float64(p.source.SinkDropped()))
}

// Handler serves the exporter's private registry in Prometheus exposition
// format.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
