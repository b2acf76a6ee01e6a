package client

import (
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/c360/wsbridge/metric"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exports buffer and callback queue metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) { c.registry = registry }
}

// WithStateHandler is called on every state transition, on the callback
// goroutine.
func WithStateHandler(fn func(from, to State)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithErrorHandler receives asynchronous errors: gateway Error frames with
// no waiting caller, dropped subscriptions and connection losses.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithDialer replaces the WebSocket dialer. TLS from Config still applies
// when the dialer has none.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}
