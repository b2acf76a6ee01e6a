package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/health"
	"github.com/c360/wsbridge/metric"
	"github.com/c360/wsbridge/pkg/ratelimit"
	"github.com/c360/wsbridge/protocol"
)

// Server accepts device WebSocket connections and runs one Session per
// connection.
type Server struct {
	cfg      Config
	auth     auth.Authenticator
	bridge   *bridge.Bridge
	limiter  *ratelimit.Limiter
	registry *Registry
	codec    protocol.Codec
	upgrader websocket.Upgrader
	monitor  *health.Monitor
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics
	tls      *tls.Config

	sessions sync.Map // session id -> *Session, including unauthenticated
	wg       sync.WaitGroup
	stopping atomic.Bool

	mu     sync.Mutex
	http   *http.Server
	listen net.Addr
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		if registry != nil {
			s.metrics = registry.CoreMetrics()
		}
	}
}

// WithClock sets the time source for auth and idle deadlines, idle tagging,
// identity expiry and rate limiting.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithHealth shares a monitor so other components can add probes to /health.
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) {
		if m != nil {
			s.monitor = m
		}
	}
}

// WithTLS serves wss:// from Run.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tls = cfg }
}

// NewServer creates a gateway server. cfg is copied.
func NewServer(cfg Config, authn auth.Authenticator, br *bridge.Bridge, opts ...Option) (*Server, error) {
	if authn == nil || br == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer",
			"authenticator and bridge are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		auth:     authn,
		bridge:   br,
		registry: NewRegistry(),
		codec:    protocol.NewCodec(cfg.MaxPayloadSize),
		monitor:  health.NewMonitor(),
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.limiter = ratelimit.New(cfg.RateLimit, ratelimit.WithClock(s.clock))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.monitor.Register("sessions", func(context.Context) health.Status {
		status := health.NewHealthy("sessions", "accepting connections")
		if s.stopping.Load() {
			status = health.NewDegraded("sessions", "shutting down")
		}
		return status.
			WithDetail("authenticated", s.registry.Len()).
			WithDetail("connections", s.connectionCount())
	})
	return s, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Config returns the server configuration.
func (s *Server) Config() Config { return s.cfg }

func (s *Server) connectionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Devices are not browsers and send no Origin.
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleSessions)
	return mux
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var pre *auth.Identity
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := bearerToken(header)
		if !ok {
			s.metrics.RecordAuth("failure")
			http.Error(w, "malformed authorization header", http.StatusUnauthorized)
			return
		}
		id, err := s.auth.Authenticate(r.Context(), auth.Credentials{Token: token})
		if err != nil {
			s.metrics.RecordAuth("failure")
			s.logger.Info("header authentication failed", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		pre = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.metrics.RecordSessionOpened()

	session := newSession(s, conn, r.RemoteAddr)
	s.sessions.Store(session.id, session)
	s.wg.Add(1)
	defer s.wg.Done()
	session.run(pre)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report := s.monitor.Report(r.Context(), "wsbridge")
	code := http.StatusOK
	if report.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := s.registry.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(infos), "sessions": infos})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Address returns the bound listen address once Run is serving.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listen == nil {
		return ""
	}
	return s.listen.String()
}

// Run listens on Addr and serves until ctx ends, then shuts down within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Run", "listen "+s.cfg.Addr)
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.listen = ln.Addr()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "path", s.cfg.Path, "tls", s.tls != nil)

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.WrapFatal(err, "Server", "Run", "serve")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var shutdownErr error
	if srv != nil {
		shutdownErr = srv.Shutdown(ctx)
	}

	s.sessions.Range(func(_, v any) bool {
		go v.(*Session).closeWith(websocket.CloseGoingAway, ReasonShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sessions did not close before shutdown deadline")
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}
	s.logger.Info("gateway stopped")
	return shutdownErr
}
