// Package main runs the WebSocket gateway: it terminates device
// connections, authenticates them and bridges their traffic to NATS
// JetStream.
package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/config"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/gateway"
	"github.com/c360/wsbridge/health"
	"github.com/c360/wsbridge/metric"
	"github.com/c360/wsbridge/natsclient"
	"github.com/c360/wsbridge/pkg/acme"
	"github.com/c360/wsbridge/pkg/retry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wsbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return flag.ErrHelp
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.Redacted())
		return nil
	}

	logger.Info("Starting wsbridge",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths)
	logger.Debug("Effective configuration", "config", cfg.String())

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if cliCfg.ShutdownTimeout > 0 {
		shutdownTimeout = cliCfg.ShutdownTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, shutdownTimeout)
}

// loadConfig layers the files named on the command line over the defaults
// and applies the CLI log overrides.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	registry := metric.NewMetricsRegistry()

	natsClient, err := connectToNATS(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := natsClient.Close(closeCtx); err != nil {
			logger.Warn("NATS close failed", "error", err)
		}
	}()

	backend := bridge.NewJetStreamBackend(natsClient, logger)
	if cfg.Stream.Ensure {
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := startupRetry(ensureCtx, retry.Quick(), logger, "ensure streams", func() error {
			return backend.EnsureStreams(ensureCtx, cfg.Stream.Streams)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
		logger.Info("Streams ready", "count", len(cfg.Stream.Streams))
	}

	br, err := bridge.New(backend, cfg.ToBridge(),
		bridge.WithLogger(logger),
		bridge.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		br.Close(closeCtx)
	}()

	authn, err := cfg.Authenticator(logger, registry)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	monitor := health.NewMonitor()
	monitor.Register("nats", natsProbe(natsClient))

	var (
		acmeClient *acme.Client
		certs      *acme.CertStore
	)
	if cfg.Server.ACME.Enabled {
		acmeClient, certs, err = setupACME(ctx, cfg, logger)
		if err != nil {
			return err
		}
		monitor.Register("certificate", certificateProbe(certs, cfg.Server.ACME.RenewBefore))
	}

	tlsCfg, err := cfg.ServerTLS(certs)
	if err != nil {
		return fmt.Errorf("load TLS: %w", err)
	}

	server, err := gateway.NewServer(cfg.ToGateway(), authn, br,
		gateway.WithLogger(logger),
		gateway.WithMetrics(registry),
		gateway.WithHealth(monitor),
		gateway.WithTLS(tlsCfg))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gctx, shutdownTimeout)
	})

	if acmeClient != nil {
		g.Go(func() error {
			return acmeClient.Run(gctx, certs)
		})
	}

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry)
		g.Go(func() error {
			logger.Info("Metrics listening", "address", metricsServer.Address())
			return metricsServer.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Stop()
		})
	}

	logger.Info("wsbridge started", "addr", cfg.Server.Addr, "path", cfg.Server.Path)

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}
	if err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	logger.Info("wsbridge shutdown complete")
	return nil
}

// connectToNATS establishes the backend connection and waits for it to be ready
func connectToNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts, err := cfg.NATSOptions(logger, registry)
	if err != nil {
		return nil, fmt.Errorf("NATS options: %w", err)
	}
	natsClient, err := natsclient.NewClient(cfg.NATSURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "servers", len(cfg.NATS.URLs))
	err = startupRetry(ctx, retry.Quick(), logger, "connect to NATS", func() error {
		return natsClient.Connect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return natsClient, nil
}

// setupACME loads or obtains the listener certificate before the gateway
// starts listening.
func setupACME(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*acme.Client, *acme.CertStore, error) {
	client, err := acme.NewClient(cfg.Server.ACME, acme.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("create ACME client: %w", err)
	}
	type obtained struct {
		cert   *tls.Certificate
		issued bool
	}
	got, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (obtained, error) {
		cert, issued, err := client.Certificate(ctx)
		return obtained{cert, issued}, retryable(err)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("obtain certificate: %w", err)
	}
	cert, issued := got.cert, got.issued
	certs := &acme.CertStore{}
	if err := certs.Set(cert); err != nil {
		return nil, nil, fmt.Errorf("install certificate: %w", err)
	}
	logger.Info("Listener certificate ready",
		"domains", cfg.Server.ACME.Domains,
		"not_after", certs.NotAfter(),
		"issued", issued)
	return client, certs, nil
}

func certificateProbe(certs *acme.CertStore, renewBefore time.Duration) health.Probe {
	return func(context.Context) health.Status {
		notAfter := certs.NotAfter()
		left := time.Until(notAfter)
		switch {
		case left <= 0:
			return health.NewUnhealthy("certificate", "expired")
		case left < renewBefore:
			return health.NewDegraded("certificate", "renewal overdue").
				WithDetail("not_after", notAfter)
		default:
			return health.NewHealthy("certificate", "valid").
				WithDetail("not_after", notAfter)
		}
	}
}

func natsProbe(client *natsclient.Client) health.Probe {
	return func(context.Context) health.Status {
		status := client.GetStatus()
		if !client.IsHealthy() {
			return health.NewUnhealthy("nats", status.Status.String()).
				WithDetail("failures", status.FailureCount).
				WithDetail("reconnects", status.Reconnects)
		}
		return health.NewHealthy("nats", "connected").
			WithDetail("rtt_ms", status.RTT.Milliseconds()).
			WithDetail("reconnects", status.Reconnects)
	}
}

// startupRetry runs fn under policy, logging each failed attempt. Invalid
// and fatal errors end the loop at once.
func startupRetry(ctx context.Context, policy retry.Config, logger *slog.Logger, op string, fn func() error) error {
	attempt := 0
	return retry.Do(ctx, policy, func() error {
		attempt++
		err := retryable(fn())
		if err != nil && !retry.IsNonRetryable(err) {
			logger.Warn("Startup step failed, retrying", "step", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

func retryable(err error) error {
	if err != nil && (errors.IsInvalid(err) || errors.IsFatal(err)) {
		return retry.NonRetryable(err)
	}
	return err
}
