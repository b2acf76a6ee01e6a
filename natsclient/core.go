package natsclient

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/wsbridge/errors"
)

// Subscribe registers a core NATS handler. Each message gets a context
// derived from ctx with a 30 second processing timeout.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "core subscribe")
	}

	m.subs = append(m.subs, sub)
	return sub, nil
}

// Publish publishes a core NATS message, bypassing JetStream.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := m.liveConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "core publish")
	}
	return nil
}

// Request sends a core request and waits for the first reply until ctx
// ends. No responders and timeouts map to ErrRequestTimeout.
func (m *Client) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	conn, err := m.liveConn()
	if err != nil {
		return nil, err
	}

	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if stderrors.Is(err, nats.ErrNoResponders) ||
			stderrors.Is(err, nats.ErrTimeout) ||
			stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.WrapTransient(errors.ErrRequestTimeout, "Client", "Request", subject)
		}
		return nil, errors.WrapTransient(err, "Client", "Request", subject)
	}
	return msg, nil
}

func (m *Client) liveConn() (*nats.Conn, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}
