// Package prometheus exposes funnel engine metrics as a Prometheus
// collector.
//
// [NewPrometheusExporter] wraps an engine; every scrape reads
// [funnel.Engine.MetricsSnapshot] plus the local buffer length, the cached
// durable store probe result and the sink drop count. Counter names are
// funnel_*_total; the commit latency histogram is
// funnel_commit_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in the global Prometheus registry. Callers mount
//     [PrometheusExporter.Handler] or register the collector themselves.
//   - Mutate engine state.
package prometheus
