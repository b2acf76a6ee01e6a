// Package metric provides the Prometheus registry and metrics HTTP server for
// the bridge.
//
// A MetricsRegistry owns a private prometheus.Registry preloaded with the
// core gateway metrics (sessions, auth outcomes, frames by type, error frames
// by wire code, publish latency, consumer deliveries, NATS health) plus the Go
// runtime collectors. Components register their own collectors through the
// MetricsRegistrar interface, keyed by component and metric name so a second
// registration of the same key fails with an invalid-class error:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordAuth("success")
//
//	srv := metric.NewServer(":9090", "/metrics", registry)
//	go srv.Start()
//	defer srv.Stop()
//
// Every Record helper tolerates a nil *Metrics, so packages that receive an
// optional registry can call them unconditionally.
package metric
