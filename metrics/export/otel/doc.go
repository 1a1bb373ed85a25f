// Package otel bridges planauth engine metrics into OpenTelemetry.
//
// [NewOTelExporter] binds an Int64ObservableCounter to every engine counter
// and a gauge per histogram bucket, all observed from a single registered
// callback so one collection cycle reads exactly one snapshot. Metric names
// and bucket bounds come from internaldefs and match the Prometheus exporter.
//
// The caller owns the MeterProvider; this package only registers on the
// supplied Meter and never mutates engine state.
package otel
