package metric

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/errors"
)

func gatheredNames(t *testing.T, r *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "cv"}, []string{"k"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"k"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "hv"}, []string{"k"})

	require.NoError(t, registry.RegisterCounter("gateway", "c", counter))
	require.NoError(t, registry.RegisterGauge("gateway", "g", gauge))
	require.NoError(t, registry.RegisterHistogram("gateway", "h", histogram))
	require.NoError(t, registry.RegisterCounterVec("gateway", "cv", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("gateway", "gv", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("gateway", "hv", histogramVec))

	counter.Inc()
	gauge.Set(42)
	histogram.Observe(0.1)
	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("a").Set(1)
	histogramVec.WithLabelValues("a").Observe(1)

	names := gatheredNames(t, registry)
	for _, name := range []string{
		"test_counter", "test_gauge", "test_histogram",
		"test_counter_vec", "test_gauge_vec", "test_histogram_vec",
	} {
		assert.True(t, names[name], "%s should be gathered", name)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "dup"})
	counter2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "dup"})

	require.NoError(t, registry.RegisterCounter("bridge", "duplicate_counter", counter1))

	// Same key: caught by our own tracking.
	err := registry.RegisterCounter("bridge", "duplicate_counter", counter2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "already registered")

	// Different key, same Prometheus name: caught by Prometheus.
	err = registry.RegisterCounter("gateway", "duplicate_counter", counter2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "u"})
	require.NoError(t, registry.RegisterCounter("client", "unregister_counter", counter))
	assert.True(t, gatheredNames(t, registry)["unregister_counter"])

	assert.True(t, registry.Unregister("client", "unregister_counter"))
	assert.False(t, gatheredNames(t, registry)["unregister_counter"])
	assert.False(t, registry.Unregister("client", "unregister_counter"), "second unregister is a no-op")

	// The key is free again.
	require.NoError(t, registry.RegisterCounter("client", "unregister_counter", counter))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", id),
				Help: "concurrent",
			})
			assert.NoError(t, registry.RegisterCounter("gateway", fmt.Sprintf("c%d", id), counter))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, n, count)
}

func TestCoreMetrics_Recorders(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordSessionOpened()
	m.RecordAuth("success")
	m.RecordAuth("failure")
	m.RecordFrameReceived("publish")
	m.RecordFrameSent("message")
	m.RecordErrorFrame("RATE_LIMIT")
	m.RecordErrorFrame("NOT_AUTHORIZED")
	m.RecordPublish(3 * time.Millisecond)
	m.RecordDelivery()
	m.RecordConsumers(2)
	m.RecordConsumers(-1)
	m.RecordNATSStatus(true)
	m.RecordNATSRTT(50 * time.Millisecond)
	m.RecordNATSReconnect()
	m.RecordCircuitBreakerState(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthResults.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorFrames.WithLabelValues("NOT_AUTHORIZED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumersActive))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.NATSRTT))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))

	m.RecordSessionClosed("client_close", true)
	m.RecordSessionClosed("auth_failed", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("auth_failed")))

	names := gatheredNames(t, registry)
	for _, name := range []string{
		"wsbridge_sessions_active",
		"wsbridge_sessions_total",
		"wsbridge_auth_results_total",
		"wsbridge_frames_received_total",
		"wsbridge_frames_errors_total",
		"wsbridge_bridge_publish_duration_seconds",
		"wsbridge_nats_connected",
		"go_goroutines",
	} {
		assert.True(t, names[name], "%s should be gathered", name)
	}
}

func TestCoreMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSessionOpened()
		m.RecordAuth("success")
		m.RecordSessionClosed("x", true)
		m.RecordFrameReceived("publish")
		m.RecordFrameSent("message")
		m.RecordErrorFrame("RATE_LIMIT")
		m.RecordPublish(time.Millisecond)
		m.RecordDelivery()
		m.RecordConsumers(1)
		m.RecordNATSStatus(false)
		m.RecordNATSRTT(time.Millisecond)
		m.RecordNATSReconnect()
		m.RecordCircuitBreakerState(0)
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordSessionOpened()

	srv := NewServer("", "", registry)
	assert.Equal(t, "http://:9090/metrics", srv.Address())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "wsbridge_sessions_total 1")

	resp, err = ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServer_StopWithoutStart(t *testing.T) {
	srv := NewServer(":0", "/metrics", NewMetricsRegistry())
	assert.NoError(t, srv.Stop())
}
