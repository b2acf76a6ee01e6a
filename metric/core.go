package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the bridge exports.
const Namespace = "wsbridge"

// Metrics contains the gateway-level metrics shared by every session.
type Metrics struct {
	// Sessions
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	AuthResults    *prometheus.CounterVec

	// Frames
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	ErrorFrames    *prometheus.CounterVec
	RateLimited    prometheus.Counter

	// Bridge
	PublishDuration prometheus.Histogram
	Deliveries      prometheus.Counter
	ConsumersActive prometheus.Gauge

	// NATS
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metric set. Collectors are registered by
// NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "sessions", Name: "active",
			Help: "Currently authenticated device sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sessions", Name: "total",
			Help: "Total WebSocket connections accepted",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "sessions", Name: "closed_total",
			Help: "Sessions closed, by reason",
		}, []string{"reason"}),
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "auth", Name: "results_total",
			Help: "Authentication outcomes (success, failure, timeout)",
		}, []string{"result"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "frames", Name: "received_total",
			Help: "Frames received from devices, by message type",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "frames", Name: "sent_total",
			Help: "Frames written to devices, by message type",
		}, []string{"type"}),
		ErrorFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "frames", Name: "errors_total",
			Help: "Error frames sent to devices, by wire code",
		}, []string{"code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "frames", Name: "rate_limited_total",
			Help: "Operations rejected by the per-identity rate limiter",
		}),

		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "bridge", Name: "publish_duration_seconds",
			Help:    "JetStream publish latency including the concurrency gate",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "bridge", Name: "deliveries_total",
			Help: "Messages delivered from JetStream consumers to sessions",
		}),
		ConsumersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "bridge", Name: "consumers_active",
			Help: "Consumers currently bound to a session",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "rtt_milliseconds",
			Help: "NATS round-trip time in milliseconds",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "circuit_breaker",
			Help: "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsActive, m.SessionsTotal, m.SessionsClosed, m.AuthResults,
		m.FramesReceived, m.FramesSent, m.ErrorFrames, m.RateLimited,
		m.PublishDuration, m.Deliveries, m.ConsumersActive,
		m.NATSConnected, m.NATSRTT, m.NATSReconnects, m.NATSCircuitBreaker,
	}
}

// The Record helpers accept a nil receiver so callers can run without a registry.

// RecordSessionOpened counts an accepted connection.
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
}

// RecordAuth records an authentication outcome and, on success, an active session.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
	if result == "success" {
		m.SessionsActive.Inc()
	}
}

// RecordSessionClosed records a close. authenticated reports whether the
// session had been counted as active.
func (m *Metrics) RecordSessionClosed(reason string, authenticated bool) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	if authenticated {
		m.SessionsActive.Dec()
	}
}

// RecordFrameReceived counts an inbound frame.
func (m *Metrics) RecordFrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// RecordFrameSent counts an outbound frame.
func (m *Metrics) RecordFrameSent(msgType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(msgType).Inc()
}

// RecordErrorFrame counts an Error frame by wire code.
func (m *Metrics) RecordErrorFrame(code string) {
	if m == nil {
		return
	}
	m.ErrorFrames.WithLabelValues(code).Inc()
	if code == "RATE_LIMIT" {
		m.RateLimited.Inc()
	}
}

// RecordPublish observes publish latency.
func (m *Metrics) RecordPublish(d time.Duration) {
	if m == nil {
		return
	}
	m.PublishDuration.Observe(d.Seconds())
}

// RecordDelivery counts a consumer delivery.
func (m *Metrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.Deliveries.Inc()
}

// RecordConsumers adjusts the bound consumer gauge by delta.
func (m *Metrics) RecordConsumers(delta int) {
	if m == nil {
		return
	}
	m.ConsumersActive.Add(float64(delta))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
