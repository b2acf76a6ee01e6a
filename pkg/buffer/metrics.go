package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/wsbridge/metric"
)

// bufferMetrics mirrors Statistics into Prometheus.
type bufferMetrics struct {
	writes  prometheus.Counter
	reads   prometheus.Counter
	drops   prometheus.Counter
	rejects prometheus.Counter
	size    prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &bufferMetrics{
		writes:  counter("writes_total", "Items accepted into the buffer"),
		reads:   counter("reads_total", "Items removed from the buffer"),
		drops:   counter("drops_total", "Items evicted or rejected on overflow"),
		rejects: counter("rejects_total", "Incoming items rejected by DropNewest"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in buffer",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"buffer_writes":  m.writes,
		"buffer_reads":   m.reads,
		"buffer_drops":   m.drops,
		"buffer_rejects": m.rejects,
	} {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}
