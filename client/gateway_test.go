package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/client"
	"github.com/c360/wsbridge/gateway"
)

var secret = []byte("client-e2e-secret-0123456789abcd")

type stack struct {
	url     string
	issuer  *auth.Issuer
	backend *bridge.MemoryBackend
	bridge  *bridge.Bridge
}

func newStack(t *testing.T) *stack {
	t.Helper()

	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: secret})
	require.NoError(t, err)
	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: secret})
	require.NoError(t, err)

	streams := bridge.DefaultStreams()
	backend := bridge.NewMemoryBackend(streams...)
	br, err := bridge.New(backend, bridge.Config{Streams: streams})
	require.NoError(t, err)

	cfg := gateway.DefaultConfig()
	cfg.PingInterval = 0
	srv, err := gateway.NewServer(cfg, auth.Chain{JWT: jwtAuth}, br)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		br.Close(context.Background())
	})
	return &stack{
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + gateway.DefaultPath,
		issuer:  issuer,
		backend: backend,
		bridge:  br,
	}
}

func (s *stack) client(t *testing.T, clientID, role string, opts ...client.Option) *client.Client {
	t.Helper()
	tok, _, err := s.issuer.Issue(auth.TokenRequest{ClientID: clientID, Role: role, TTL: time.Hour})
	require.NoError(t, err)

	cfg := client.DefaultConfig(s.url, tok)
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Heartbeat.Enabled = false
	c, err := client.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func TestGateway_PublishSubscribe(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	monitor := s.client(t, "ops-1", auth.RoleAdmin)
	got := make(chan *client.Message, 1)
	_, err := monitor.Subscribe(ctx, "telemetry.>", func(m *client.Message) { got <- m })
	require.NoError(t, err)
	require.NotEmpty(t, monitor.Subscriptions()[0].RemoteID)

	sensor := s.client(t, "sensor-01", auth.RoleSensor)
	assert.Equal(t, "sensor-01", sensor.AuthInfo().ClientID)
	require.NoError(t, sensor.Publish(ctx, "telemetry.sensor-01.temp", map[string]float64{"c": 19.5},
		client.WithQoS(client.AtLeastOnce)))

	select {
	case m := <-got:
		assert.Equal(t, "telemetry.sensor-01.temp", m.Subject)
		assert.JSONEq(t, `{"c":19.5}`, string(m.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("monitor never received the reading")
	}

	err = sensor.Publish(ctx, "telemetry.sensor-02.temp", 1, client.WithQoS(client.AtLeastOnce))
	assert.Error(t, err, "sensors publish only under their own id")
}

func TestGateway_RequestReply(t *testing.T) {
	s := newStack(t)
	s.backend.Respond("svc.echo", func(in []byte) ([]byte, error) { return in, nil })

	admin := s.client(t, "ops-1", auth.RoleAdmin)
	reply, err := admin.Request(context.Background(), "svc.echo", map[string]string{"q": "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":"ping"}`, string(reply.Payload))
}

func TestGateway_TakeoverStopsOlderClient(t *testing.T) {
	s := newStack(t)

	first := s.client(t, "sensor-01", auth.RoleSensor)
	second := s.client(t, "sensor-01", auth.RoleSensor)

	require.Eventually(t, func() bool { return first.State() == client.StateDisconnected },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, client.StateConnected, second.State())
}

func TestGateway_OverlappingSubscriptionsDeliverOncePerSubscription(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	errs := make(chan error, 4)
	admin := s.client(t, "ops-1", auth.RoleAdmin, client.WithErrorHandler(func(err error) { errs <- err }))

	hits := make(chan string, 8)
	for _, pattern := range []string{"commands.dev1.>", "commands.dev1.restart"} {
		_, err := admin.Subscribe(ctx, pattern, func(m *client.Message) {
			hits <- pattern
			if err := m.Ack(ctx); err != nil {
				errs <- err
			}
		}, client.ManualAck())
		require.NoError(t, err)
	}

	_, err := s.backend.Publish(ctx, "commands.dev1.restart", []byte(`{}`))
	require.NoError(t, err)

	var got []string
	for range 2 {
		select {
		case p := <-hits:
			got = append(got, p)
		case <-time.After(3 * time.Second):
			t.Fatal("delivery not received")
		}
	}
	assert.ElementsMatch(t, []string{"commands.dev1.>", "commands.dev1.restart"}, got)

	select {
	case p := <-hits:
		t.Fatalf("extra delivery to %s", p)
	case err := <-errs:
		t.Fatalf("gateway rejected an ack: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		for _, b := range s.bridge.Bindings() {
			if b.PendingAcks != 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_DurableResumesAfterDisconnect(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	first := s.client(t, "dev1", auth.RoleSensor)
	_, err := first.Subscribe(ctx, "commands.dev1.>", func(*client.Message) {},
		client.Durable(), client.ManualAck())
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return len(s.bridge.Bindings()) == 0 },
		2*time.Second, 5*time.Millisecond)

	// Published while the device is offline.
	_, err = s.backend.Publish(ctx, "commands.dev1.restart", []byte(`{"delay":1}`))
	require.NoError(t, err)

	hits := make(chan *client.Message, 4)
	second := s.client(t, "dev1", auth.RoleSensor)
	_, err = second.Subscribe(ctx, "commands.dev1.>", func(m *client.Message) {
		hits <- m
		_ = m.Ack(ctx)
	}, client.Durable(), client.ManualAck())
	require.NoError(t, err)

	select {
	case m := <-hits:
		assert.Equal(t, "commands.dev1.restart", m.Subject)
		assert.JSONEq(t, `{"delay":1}`, string(m.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("offline message not delivered after reconnect")
	}
	select {
	case m := <-hits:
		t.Fatalf("delivered twice: %s", m.Subject)
	case <-time.After(200 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		b := s.bridge.Bindings()
		return len(b) == 1 && b[0].PendingAcks == 0 && b[0].LastAcked == 1
	}, time.Second, 5*time.Millisecond)
}
