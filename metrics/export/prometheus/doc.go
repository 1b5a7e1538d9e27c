// Package prometheus exposes goSession metrics as a [prometheus.Collector].
//
// Register a [Collector] with your own registry, or mount [Collector.Handler]
// to serve it alone. Counter names are gosession_*_total; refresh and validate
// latencies are gosession_*_latency_seconds histograms.
package prometheus
