package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/protocol"
)

var testSecret = []byte("gateway-test-secret-0123456789")

const testLeeway = 5 * time.Second

type harness struct {
	srv     *Server
	http    *httptest.Server
	bridge  *bridge.Bridge
	backend *bridge.MemoryBackend
	clock   *clock.Mock
	issuer  *auth.Issuer
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: testSecret, Clock: mock})
	require.NoError(t, err)
	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: testSecret, Leeway: testLeeway}, auth.WithClock(mock))
	require.NoError(t, err)
	static, err := auth.NewStaticAuthenticator(map[string]auth.StaticDevice{
		"legacy-01": {Token: "legacy-secret", Role: auth.RoleSensor, DeviceType: "plc"},
	}, nil)
	require.NoError(t, err)

	streams := bridge.DefaultStreams()
	backend := bridge.NewMemoryBackend(streams...)
	br, err := bridge.New(backend, bridge.Config{Streams: streams})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PingInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, auth.Chain{Static: static, JWT: jwtAuth}, br, WithClock(mock))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		br.Close(context.Background())
	})

	return &harness{srv: srv, http: ts, bridge: br, backend: backend, clock: mock, issuer: issuer}
}

// pending waits for the one session still authenticating.
func (h *harness) pending(t *testing.T) *Session {
	t.Helper()
	var found *Session
	require.Eventually(t, func() bool {
		h.srv.sessions.Range(func(_, v any) bool {
			if s := v.(*Session); s.State() == StateAuthenticating {
				found = s
				return false
			}
			return true
		})
		return found != nil
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func (h *harness) token(t *testing.T, clientID, role string, ttl time.Duration) string {
	t.Helper()
	tok, _, err := h.issuer.Issue(auth.TokenRequest{ClientID: clientID, Role: role, TTL: ttl})
	require.NoError(t, err)
	return tok
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + DefaultPath
}

type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func (h *harness) dial(t *testing.T, header http.Header) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn, codec: protocol.NewCodec(0)}
}

// connect dials and authenticates with an Auth frame.
func (h *harness) connect(t *testing.T, clientID, role string) (*wsClient, protocol.AuthResponse) {
	t.Helper()
	c := h.dial(t, nil)
	resp := c.authenticate(h.token(t, clientID, role, time.Hour))
	require.True(t, resp.Success, "auth failed: %s", resp.Error)
	return c, resp
}

func (c *wsClient) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *wsClient) send(typ protocol.MessageType, subject string, payload any, corr string) {
	c.t.Helper()
	msg, err := protocol.NewMessage(typ, subject, payload)
	require.NoError(c.t, err)
	msg.CorrelationID = corr
	data, err := c.codec.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) read() protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := c.codec.Decode(data)
	require.NoError(c.t, err)
	return msg
}

func (c *wsClient) readType(typ protocol.MessageType) protocol.Message {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, typ, msg.Type, "unexpected frame %s %s", msg.Type, string(msg.Payload))
	return msg
}

func (c *wsClient) readError() (protocol.ErrorPayload, string) {
	c.t.Helper()
	msg := c.readType(protocol.TypeError)
	var p protocol.ErrorPayload
	require.NoError(c.t, json.Unmarshal(msg.Payload, &p))
	return p, msg.CorrelationID
}

func (c *wsClient) authenticate(token string) protocol.AuthResponse {
	c.t.Helper()
	c.send(protocol.TypeAuth, "", protocol.AuthRequest{Token: token}, "auth-1")
	return c.authResponse()
}

func (c *wsClient) authResponse() protocol.AuthResponse {
	c.t.Helper()
	msg := c.readType(protocol.TypeAuth)
	var resp protocol.AuthResponse
	require.NoError(c.t, json.Unmarshal(msg.Payload, &resp))
	return resp
}

// ping round-trips a Ping, proving the server's read loop is running.
func (c *wsClient) ping(corr string) {
	c.t.Helper()
	c.send(protocol.TypePing, "", nil, corr)
	msg := c.readType(protocol.TypePong)
	require.Equal(c.t, corr, msg.CorrelationID)
}

// expectClose reads until the server's close frame and returns it.
func (c *wsClient) expectClose() *websocket.CloseError {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(c.t, ok, "expected close frame, got %v", err)
		return ce
	}
}
