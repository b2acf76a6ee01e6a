package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

var (
	ErrNotConnected      = errors.WrapTransient(errors.ErrNotConnected, "natsclient", "check", "connection")
	ErrCircuitOpen       = errors.WrapTransient(errors.ErrCircuitOpen, "natsclient", "check", "circuit breaker")
	ErrConnectionTimeout = errors.WrapTransient(errors.ErrConnectionTimeout, "natsclient", "Connect", "connection")
)

// Status is a point-in-time view of the connection, used by the health probe.
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time,omitempty"`
	Reconnects      int32            `json:"reconnects"`
	RTT             time.Duration    `json:"rtt"`
}

// Client owns the gateway's single NATS connection and its JetStream
// context. Operations fail fast with ErrCircuitOpen while the breaker is
// open.
type Client struct {
	url    string
	logger *slog.Logger
	clock  clock.Clock

	status     atomic.Int32
	reconnects atomic.Int32
	closed     atomic.Bool
	breaker    *breaker

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	maxReconnects    int
	reconnectWait    time.Duration
	pingInterval     time.Duration
	timeout          time.Duration
	healthInterval   time.Duration
	circuitThreshold int32
	maxBackoff       time.Duration

	// Cleared on Close.
	username string
	password string
	token    string

	tlsConfig  *tls.Config
	clientName string

	core            *metric.Metrics
	jsMetrics       *jetstreamMetrics
	metricsInterval time.Duration
	metricsCancel   context.CancelFunc

	healthStop chan struct{}
	healthDone chan struct{}
}

// NewClient creates a client for url, a comma separated server list. It
// does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default().With("component", "natsclient"),
		clock:            clock.New(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: defaultCircuitThreshold,
		maxBackoff:       defaultMaxBackoff,
		metricsInterval:  30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.breaker = newBreaker(c.clock, c.circuitThreshold, c.maxBackoff, c.testCircuit)
	c.logger.Debug("Created NATS client", "url", url)
	return c, nil
}

// URL returns the configured server list.
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return ConnectionStatus(m.status.Load())
}

func (m *Client) setStatus(s ConnectionStatus) {
	m.status.Store(int32(s))
	m.core.RecordNATSStatus(s == StatusConnected)
}

// IsHealthy reports whether the connection is up and the circuit closed.
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the failures recorded since the breaker last reset.
func (m *Client) Failures() int32 {
	return m.breaker.snapshot().failures
}

// Backoff returns the wait the breaker will use the next time it opens.
func (m *Client) Backoff() time.Duration {
	return m.breaker.snapshot().backoff
}

func (m *Client) recordFailure() {
	opened, wait := m.breaker.trip()
	if wait == 0 {
		return
	}
	if opened {
		m.setStatus(StatusCircuitOpen)
		m.core.RecordCircuitBreakerState(circuitOpen)
		m.logger.Warn("Circuit breaker opened", "backoff", wait)
		return
	}
	m.logger.Warn("Circuit breaker still open", "backoff", wait)
}

func (m *Client) resetCircuit() {
	m.breaker.reset()
	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
	m.core.RecordCircuitBreakerState(circuitClosed)
}

// testCircuit half-opens the circuit so the next call may try again.
func (m *Client) testCircuit() {
	if m.Status() != StatusCircuitOpen {
		return
	}
	m.logger.Debug("Circuit breaker half-open")
	m.core.RecordCircuitBreakerState(circuitHalfOpen)
	if m.connected() {
		m.setStatus(StatusConnected)
		return
	}
	m.setStatus(StatusDisconnected)
}

func (m *Client) connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil && m.conn.IsConnected()
}

// WaitForConnection polls until the client is healthy or ctx ends.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := m.clock.Ticker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait")
		case <-ticker.C:
		}
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(func(*nats.Conn) { m.setStatus(StatusDisconnected) }),
		nats.ErrorHandler(m.handleError),
	}
	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	b := m.breaker.snapshot()
	status := &Status{
		Status:          m.Status(),
		FailureCount:    b.failures,
		LastFailureTime: b.lastFailure,
		Reconnects:      m.reconnects.Load(),
	}
	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}
	return status
}

// Connect dials NATS and opens the JetStream context. It gives up when ctx
// ends; a failed attempt counts against the circuit breaker.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if m.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	type result struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	done := make(chan result, 1)
	opts := m.connectionOptions()
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			done <- result{err: err}
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{conn: conn, js: js}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		// A late success must not leak the connection.
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}

	if res.err != nil {
		m.recordFailure()
		if m.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	m.mu.Lock()
	m.conn, m.js = res.conn, res.js
	m.mu.Unlock()

	m.resetCircuit()
	m.setStatus(StatusConnected)
	m.logger.Info("Connected to NATS", "url", res.conn.ConnectedUrlRedacted())

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}
	if m.jsMetrics != nil && m.metricsInterval > 0 {
		m.metricsCancel = m.jsMetrics.startPoller(context.Background(), m.metricsInterval)
	}
	return nil
}

// Close unsubscribes, drains and closes the connection. The drain is bounded
// by ctx. It is safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.stopHealthMonitoring()
	if m.metricsCancel != nil {
		m.metricsCancel()
	}
	m.breaker.reset()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		conn := m.conn
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain interrupted"))
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username, m.password, m.token = "", "", ""
	m.setStatus(StatusDisconnected)

	for _, err := range errs {
		m.logger.Error("NATS close error", "error", err)
	}
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Warn("NATS disconnected", "error", err)
	}
}

func (m *Client) handleReconnect(conn *nats.Conn) {
	m.resetCircuit()
	m.setStatus(StatusConnected)
	m.reconnects.Add(1)
	m.core.RecordNATSReconnect()
	m.logger.Info("NATS reconnected", "url", conn.ConnectedUrlRedacted())
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	// Not counted as a failure: slow consumers and permission errors land here too.
	if sub != nil {
		m.logger.Error("NATS async error", "subject", sub.Subject, "error", err)
		return
	}
	m.logger.Error("NATS async error", "error", err)
}

// startHealthMonitoring samples RTT every healthInterval and moves the
// status between connected and reconnecting.
func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	stop := make(chan struct{})
	done := make(chan struct{})
	m.mu.Lock()
	m.healthStop, m.healthDone = stop, done
	m.mu.Unlock()

	ticker := m.clock.Ticker(m.healthInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sampleHealth()
			}
		}
	}()
}

func (m *Client) sampleHealth() {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}

	healthy := conn.IsConnected()
	if rtt, err := conn.RTT(); err != nil {
		healthy = false
	} else {
		m.core.RecordNATSRTT(rtt)
	}

	switch status := m.Status(); {
	case healthy && status != StatusConnected && status != StatusCircuitOpen:
		m.setStatus(StatusConnected)
	case !healthy && status == StatusConnected:
		m.setStatus(StatusReconnecting)
	}
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	stop, done := m.healthStop, m.healthDone
	m.healthStop, m.healthDone = nil, nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
