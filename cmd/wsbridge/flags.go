package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

type layerFlag struct{ paths *[]string }

func (l layerFlag) String() string {
	if l.paths == nil {
		return ""
	}
	return fmt.Sprint(*l.paths)
}

func (l layerFlag) Set(v string) error {
	*l.paths = append(*l.paths, v)
	return nil
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.Var(layerFlag{&cfg.ConfigPaths}, "config",
		"Configuration file, repeat to layer overrides (env: WSBRIDGE_CONFIG)")
	fs.Var(layerFlag{&cfg.ConfigPaths}, "c", "Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("WSBRIDGE_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 uses the config value (env: WSBRIDGE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", getEnvBool("WSBRIDGE_VALIDATE", false),
		"Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(cfg.ConfigPaths) == 0 {
		if path := getEnv("WSBRIDGE_CONFIG", ""); path != "" {
			cfg.ConfigPaths = []string{path}
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - WebSocket gateway for NATS JetStream

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base file and a site override
  %s -config=/etc/wsbridge/base.yaml -config=/etc/wsbridge/site.yaml

  # Run from the environment only
  export WSBRIDGE_JWT_SECRET=...
  export WSBRIDGE_NATS_URLS=nats://nats-1:4222,nats://nats-2:4222
  %s

  # Validate configuration only
  %s -config=wsbridge.yaml -validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
