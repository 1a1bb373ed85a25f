// Package prometheus provides Prometheus collectors for planauth metrics.
//
// [NewPrometheusExporter] accepts a [planauth.Engine] and exposes an [http.Handler]
// that renders all planauth counters and histograms in Prometheus text exposition
// format. Counter names are prefixed planauth_*_total; the single histogram is
// planauth_rotate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the Handler.
//   - Mutate engine state.
package prometheus
