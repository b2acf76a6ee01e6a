package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultNATSImage = "nats:2.11.7-alpine"

// TestClient is a NATS server container plus a connected Client.
type TestClient struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

type testConfig struct {
	image        string
	jetstream    bool
	streams      []jetstream.StreamConfig
	timeout      time.Duration
	startTimeout time.Duration
	clientOpts   []ClientOption
}

// TestOption configures NewTestClient.
type TestOption func(*testConfig)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

// WithStreams pre-creates streams. Implies JetStream.
func WithStreams(streams ...jetstream.StreamConfig) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.streams = append(cfg.streams, streams...)
	}
}

// WithFastStartup shortens the connect and container start timeouts.
func WithFastStartup() TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = 2 * time.Second
		cfg.startTimeout = 10 * time.Second
	}
}

// WithClientOptions passes extra options to the wrapped Client.
func WithClientOptions(opts ...ClientOption) TestOption {
	return func(cfg *testConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewTestClient starts a NATS container, connects a Client to it and
// registers cleanup with t.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := &testConfig{
		image:        defaultNATSImage,
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	tc, err := startTestClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start NATS test client: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = tc.Client.Close(ctx)
		_ = tc.container.Terminate(ctx)
	})
	return tc
}

func startTestClient(ctx context.Context, cfg *testConfig) (*TestClient, error) {
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	url, err := containerURL(ctx, container)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	opts := append([]ClientOption{
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
		WithHealthInterval(0),
		WithName("wsbridge-test"),
	}, cfg.clientOpts...)

	client, err := NewClient(url, opts...)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("connect: %w", err)
	}

	for _, sc := range cfg.streams {
		if _, err := client.EnsureStream(ctx, sc); err != nil {
			_ = client.Close(ctx)
			_ = container.Terminate(ctx)
			return nil, fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
	}

	return &TestClient{Client: client, URL: url, container: container}, nil
}

func containerURL(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		return "", fmt.Errorf("mapped port: %w", err)
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}

// IsReady reports whether the wrapped client is connected.
func (tc *TestClient) IsReady() bool {
	return tc.Client.IsHealthy()
}
