package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/wsbridge/errors"
)

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: JetStream not initialized", errors.ErrNotConnected),
			"Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

// ready checks the circuit and the connection and returns JetStream.
func (m *Client) ready() (jetstream.JetStream, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if m.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	if m.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Client", "ready", "check client state")
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return nil, err
	}
	return js, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("ensure_stream")
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", cfg.Name)
	}

	m.resetCircuit()
	m.jsMetrics.trackStream(cfg.Name, stream)
	m.logger.Info("Stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// GetStream gets an existing JetStream stream
func (m *Client) GetStream(ctx context.Context, name string) (jetstream.Stream, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, errors.WrapInvalid(err, "Client", "GetStream", name)
		}
		m.recordFailure()
		m.jsMetrics.recordError("get_stream")
		return nil, errors.WrapTransient(err, "Client", "GetStream", name)
	}

	m.resetCircuit()
	m.jsMetrics.trackStream(name, stream)
	return stream, nil
}

// StreamNameBySubject returns the stream that captures subject.
func (m *Client) StreamNameBySubject(ctx context.Context, subject string) (string, error) {
	js, err := m.ready()
	if err != nil {
		return "", err
	}
	name, err := js.StreamNameBySubject(ctx, subject)
	if err != nil {
		return "", errors.WrapInvalid(err, "Client", "StreamNameBySubject", subject)
	}
	return name, nil
}

// PublishToStream publishes to JetStream and waits for the stored ack.
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	ack, err := js.Publish(ctx, subject, data, opts...)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoStreamResponse) {
			// Nothing captures the subject: the caller's problem, not the server's.
			m.jsMetrics.recordError("publish")
			return nil, errors.WrapInvalid(err, "Client", "PublishToStream", subject)
		}
		m.recordFailure()
		m.jsMetrics.recordError("publish")
		return nil, errors.WrapTransient(err, "Client", "PublishToStream", subject)
	}

	m.resetCircuit()
	return ack, nil
}

// CreateOrUpdateConsumer creates a consumer on stream, or updates a durable
// one with the same name.
func (m *Client) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("create_consumer")
		return nil, errors.WrapTransient(err, "Client", "CreateOrUpdateConsumer", stream)
	}

	m.resetCircuit()
	if info := consumer.CachedInfo(); info != nil {
		m.jsMetrics.trackConsumer(stream, info.Name, consumer)
	}
	return consumer, nil
}

// DeleteConsumer removes a consumer. A consumer that is already gone is
// not an error.
func (m *Client) DeleteConsumer(ctx context.Context, stream, name string) error {
	js, err := m.ready()
	if err != nil {
		return err
	}

	if err := js.DeleteConsumer(ctx, stream, name); err != nil {
		if stderrors.Is(err, jetstream.ErrConsumerNotFound) {
			m.jsMetrics.untrackConsumer(stream, name)
			return nil
		}
		m.recordFailure()
		m.jsMetrics.recordError("delete_consumer")
		return errors.WrapTransient(err, "Client", "DeleteConsumer", name)
	}

	m.resetCircuit()
	m.jsMetrics.untrackConsumer(stream, name)
	return nil
}

// Consumer looks up an existing consumer. A missing consumer yields an
// error matching jetstream.ErrConsumerNotFound.
func (m *Client) Consumer(ctx context.Context, stream, name string) (jetstream.Consumer, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	consumer, err := js.Consumer(ctx, stream, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, errors.WrapInvalid(err, "Client", "Consumer", name)
		}
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "Consumer", name)
	}

	m.resetCircuit()
	m.jsMetrics.trackConsumer(stream, name, consumer)
	return consumer, nil
}
