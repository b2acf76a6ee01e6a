package gateway

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/protocol"
)

func TestServer_Health(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "sensor-01", auth.RoleSensor)

	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Component   string `json:"component"`
		Healthy     bool   `json:"healthy"`
		SubStatuses []struct {
			Component string         `json:"component"`
			Details   map[string]any `json:"details"`
		} `json:"sub_statuses"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Healthy)
	require.Len(t, body.SubStatuses, 1)
	assert.Equal(t, "sessions", body.SubStatuses[0].Component)
	assert.EqualValues(t, 1, body.SubStatuses[0].Details["authenticated"])
}

func TestServer_Sessions(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.connect(t, "sensor-01", auth.RoleSensor)
	c.send(protocol.TypeSubscribe, "commands.sensor-01.>", nil, "sub")
	c.readType(protocol.TypeAck)
	h.connect(t, "act-7", auth.RoleActuator)

	resp, err := http.Get(h.http.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Count    int           `json:"count"`
		Sessions []SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "act-7", body.Sessions[0].ClientID)
	assert.Equal(t, "sensor-01", body.Sessions[1].ClientID)
	assert.Equal(t, "connected", body.Sessions[1].State)
	require.Len(t, body.Sessions[1].Subscriptions, 1)
	assert.Equal(t, "commands.sensor-01.>", body.Sessions[1].Subscriptions[0].Subject)

	post, err := http.Post(h.http.URL+"/sessions", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.connect(t, "sensor-01", auth.RoleSensor)

	require.NoError(t, h.srv.Shutdown(t.Context()))
	ce := c.expectClose()
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, ReasonShutdown, ce.Text)

	_, resp, err := websocket.DefaultDialer.Dial(h.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_CheckOrigin(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"https://console.example.com"} })

	header := http.Header{}
	header.Set("Origin", "https://console.example.com")
	h.dial(t, header).ping("ok")

	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.dial(t, nil).ping("no-origin")
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	br, err := bridge.New(bridge.NewMemoryBackend(bridge.DefaultStreams()...), bridge.Config{})
	require.NoError(t, err)

	_, err = NewServer(DefaultConfig(), nil, br)
	assert.True(t, errors.IsInvalid(err))

	cfg := DefaultConfig()
	cfg.Path = "ws"
	_, err = NewServer(cfg, auth.Chain{}, br)
	assert.True(t, errors.IsInvalid(err))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcg==", "", false},
		{"abc", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.token, token, tt.header)
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative path", func(c *Config) { c.Path = "ws" }},
		{"negative auth timeout", func(c *Config) { c.AuthTimeout = -time.Second }},
		{"negative write timeout", func(c *Config) { c.WriteTimeout = -time.Second }},
		{"negative queue", func(c *Config) { c.SendQueue = -1 }},
		{"huge payload", func(c *Config) { c.MaxPayloadSize = 65 << 20 }},
		{"negative rate", func(c *Config) { c.RateLimit.RefillPerSecond = -1 }},
		{"idle timeout below idle after", func(c *Config) {
			c.IdleAfter = time.Minute
			c.IdleTimeout = time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultPath, cfg.Path)
	assert.Equal(t, DefaultAuthTimeout, cfg.AuthTimeout)
	assert.Equal(t, protocol.DefaultMaxPayloadSize, cfg.MaxPayloadSize)
	assert.Zero(t, cfg.PingInterval, "zero ping interval disables keepalive pings")
	assert.Zero(t, cfg.IdleTimeout)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	mk := func(clientID string) *Session {
		s := &Session{id: clientID + "-session"}
		s.identity.Store(auth.NewIdentity(auth.IdentityConfig{ClientID: clientID, Role: auth.RoleSensor}))
		return s
	}
	a1, a2, b := mk("a"), mk("a"), mk("b")

	assert.Nil(t, r.Register(a1))
	assert.Nil(t, r.Register(b))
	assert.Same(t, a1, r.Register(a2), "second registration replaces the first")
	assert.Equal(t, 2, r.Len())

	assert.False(t, r.Remove(a1), "a replaced session cannot remove its successor")
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, a2, got)

	sessions := r.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ClientID())
	assert.Equal(t, "b", sessions[1].ClientID())

	assert.True(t, r.Remove(a2))
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
