// Package client is the device SDK for the WebSocket gateway.
//
// A Client keeps one authenticated session alive across network failures:
//
//	cfg := client.DefaultConfig("wss://gw.example.com/ws", token)
//	c, err := client.New(cfg, client.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	c.Subscribe(ctx, "commands.dev1.>", func(m *client.Message) { ... })
//	c.Publish(ctx, "telemetry.dev1.temp", reading, client.WithQoS(client.AtLeastOnce))
//
// # Connection lifecycle
//
// The client moves through Disconnected, Connecting, Authenticating and
// Connected. A lost connection enters Reconnecting and retries with
// exponential backoff and jitter until MaxAttempts is reached. Credential
// rejections count separately and stop the client after MaxAuthFailures in
// a row. A session replaced by a newer connection with the same client id
// is not retried.
//
// # Offline buffering
//
// Publishes made while not connected go to a bounded buffer with a
// configurable overflow policy. After reconnecting, every subscription is
// reissued in its original order and the buffer is drained only once the
// gateway acknowledged them all.
//
// # Callbacks
//
// Handlers, state changes and errors are delivered in order on a single
// callback goroutine, never on the I/O goroutine. A slow handler delays
// later callbacks but not the connection.
package client
