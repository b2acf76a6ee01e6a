// Package natsclient wraps the gateway's NATS connection with a circuit
// breaker, reconnect handling and the JetStream operations the bridge
// needs.
//
// # Circuit breaker
//
// After a threshold of consecutive failures (default 5) the circuit opens
// and every call fails fast with ErrCircuitOpen. The backoff before the
// next half-open test doubles up to a maximum (default one minute). A
// successful operation closes the circuit again.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{
//	    Name:     "TELEMETRY",
//	    Subjects: []string{"telemetry.>"},
//	})
//	ack, err := client.PublishToStream(ctx, "telemetry.dev1.temp", data)
//
// Core request/reply goes through Request, which maps no-responders and
// timeouts to errors.ErrRequestTimeout.
//
// # Testing
//
// NewTestClient starts a NATS server container through testcontainers and
// returns a connected Client. Tests that use it carry the integration
// build tag.
package natsclient
