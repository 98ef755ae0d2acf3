// Package otel binds funnel engine metrics to OpenTelemetry observable
// instruments.
//
// [NewOTelExporter] registers an Int64ObservableCounter per engine counter,
// an Int64ObservableGauge per commit latency bucket, and gauges for the
// local buffer length and durable store availability. A single callback
// reads the engine on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
