package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/metric"
	"github.com/c360/wsbridge/pkg/buffer"
	"github.com/c360/wsbridge/pkg/retry"
	"github.com/c360/wsbridge/pkg/subject"
	"github.com/c360/wsbridge/pkg/worker"
	"github.com/c360/wsbridge/protocol"
)

// QoS selects the publish guarantee.
type QoS int

const (
	// AtMostOnce returns once the frame is written.
	AtMostOnce QoS = iota
	// AtLeastOnce waits for the gateway to confirm the stored publish.
	AtLeastOnce
)

// Outbound is a publish held while the client is offline.
type Outbound struct {
	Subject    string
	Payload    json.RawMessage
	CapturedAt time.Time
	QoS        QoS
}

// PublishOption adjusts one publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos QoS
}

// WithQoS sets the publish guarantee.
func WithQoS(q QoS) PublishOption {
	return func(o *publishOptions) { o.qos = q }
}

// UnsubscribeOption adjusts an unsubscribe.
type UnsubscribeOption func(*protocol.UnsubscribeOptions)

// DeleteDurable removes the gateway's durable consumer instead of detaching.
func DeleteDurable() UnsubscribeOption {
	return func(o *protocol.UnsubscribeOptions) { o.DeleteDurable = true }
}

type command struct {
	frame protocol.Message
	await bool
	sub   *subscription
	reply chan result
}

type result struct {
	msg protocol.Message
	err error
}

// Client is a device session with a gateway. All methods are safe for
// concurrent use. One I/O goroutine owns the connection; handlers run on a
// single callback goroutine.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	dialer   *websocket.Dialer
	codec    protocol.Codec
	backoff  retry.Backoff
	onState  func(from, to State)
	onError  func(error)

	state  atomic.Int32
	stats  counters
	outbox buffer.Buffer[Outbound]
	events *worker.Pool[func()]

	cmds chan command
	wake chan struct{}

	subsMu sync.Mutex
	subs   []*subscription

	authMu sync.RWMutex
	auth   protocol.AuthResponse

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// New validates cfg and builds a client. Nothing is dialled until Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		dialer: &websocket.Dialer{},
		codec:  protocol.NewCodec(cfg.MaxPayloadSize),
		backoff: retry.Backoff{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.Jitter,
		},
		cmds: make(chan command),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "url", cfg.URL)
	if c.dialer.TLSClientConfig == nil && cfg.TLS != nil {
		d := *c.dialer
		d.TLSClientConfig = cfg.TLS.Clone()
		c.dialer = &d
	}

	bufOpts := []buffer.Option[Outbound]{buffer.WithOverflowPolicy[Outbound](cfg.Buffer.Policy)}
	poolOpts := []worker.Option[func()]{worker.WithPanicHandler[func()](func(r any) {
		c.logger.Error("callback panicked", "panic", fmt.Sprint(r))
	})}
	if c.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[Outbound](c.registry, "client_outbound"))
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[func()](c.registry, "client_callbacks"))
	}
	outbox, err := buffer.NewCircularBuffer(cfg.Buffer.Capacity, bufOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "New", "create outbound buffer")
	}
	c.outbox = outbox

	c.events = worker.NewPool(1, cfg.CallbackQueue, func(_ context.Context, fn func()) error {
		fn()
		return nil
	}, poolOpts...)
	if err := c.events.Start(context.Background()); err != nil {
		return nil, errors.WrapFatal(err, "Client", "New", "start callback dispatcher")
	}

	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// AuthInfo returns the gateway's last successful Auth response.
func (c *Client) AuthInfo() protocol.AuthResponse {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	info := c.auth
	info.AllowedPublish = slices.Clone(info.AllowedPublish)
	info.AllowedSubscribe = slices.Clone(info.AllowedSubscribe)
	return info
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		MessagesSent:     c.stats.messagesSent.Load(),
		MessagesReceived: c.stats.messagesReceived.Load(),
		BytesSent:        c.stats.bytesSent.Load(),
		BytesReceived:    c.stats.bytesReceived.Load(),
		Reconnects:       c.stats.reconnects.Load(),
		Errors:           c.stats.errors.Load(),
		Buffered:         c.outbox.Size(),
		BufferDropped:    c.outbox.Stats().Drops(),
		EventsDropped:    c.events.Stats().Dropped,
		ConnectedAt:      unixOrZero(c.stats.connectedAt.Load()),
		LastActivity:     unixOrZero(c.stats.lastActivity.Load()),
	}
}

// Subscriptions lists subscriptions in the order they were made.
func (c *Client) Subscriptions() []SubscriptionInfo {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]SubscriptionInfo, len(c.subs))
	for i, s := range c.subs {
		out[i] = s.info()
	}
	return out
}

// Connect starts the session and waits until it is Connected, fails
// terminally, or ctx ends. With reconnection enabled a failed first dial is
// retried with backoff, so ctx bounds the wait.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}

	c.runMu.Lock()
	if c.done != nil {
		select {
		case <-c.done:
		default:
			c.runMu.Unlock()
			if c.State() == StateConnected {
				return nil
			}
			return errors.WrapInvalid(errors.ErrAlreadyStarted, "Client", "Connect", "connection in progress")
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.runMu.Unlock()

	go c.run(runCtx, ready, done)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		c.setState(StateDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "wait for connection")
	}
}

// Close ends the session. Pending requests fail with ErrShuttingDown and
// buffered messages are discarded. Close is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setState(StateClosing)

	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	_ = c.outbox.Close()
	c.setState(StateClosed)
	if err := c.events.Stop(time.Second); err != nil {
		c.logger.Warn("callbacks still running at close", "error", err)
	}
	return nil
}

// Publish sends payload to subj. While disconnected the message is buffered
// and sent, in order, after the next successful connection.
func (c *Client) Publish(ctx context.Context, subj string, payload any, opts ...PublishOption) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "Publish", "client closed")
	}
	if err := subject.ValidateSubject(subj); err != nil {
		return err
	}
	raw, err := c.encodePayload(payload)
	if err != nil {
		return err
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now()
	if c.State() == StateConnected {
		_, err := c.do(ctx, protocol.Message{
			Type: protocol.TypePublish, Subject: subj, Payload: raw, Timestamp: now,
		}, o.qos == AtLeastOnce)
		if !stderrors.Is(err, errors.ErrNotConnected) && !stderrors.Is(err, errors.ErrConnectionLost) {
			return err
		}
	}

	if err := c.outbox.WriteContext(ctx, Outbound{Subject: subj, Payload: raw, CapturedAt: now, QoS: o.qos}); err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern and returns the
// subscription id. Subscriptions made offline are issued on connect; all
// subscriptions are reissued in order after every reconnect.
func (c *Client) Subscribe(ctx context.Context, pattern string, handler Handler, opts ...SubscribeOption) (string, error) {
	if c.closed.Load() {
		return "", errors.WrapFatal(errors.ErrShuttingDown, "Client", "Subscribe", "client closed")
	}
	if err := subject.ValidatePattern(pattern); err != nil {
		return "", err
	}
	if handler == nil {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "Client", "Subscribe", "handler is required")
	}

	sub := &subscription{id: uuid.NewString(), subject: pattern, handler: handler, created: time.Now()}
	for _, opt := range opts {
		opt(&sub.opts)
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	if c.State() != StateConnected {
		return sub.id, nil
	}
	_, err := c.exec(ctx, command{sub: sub})
	var remote *protocol.RemoteError
	if stderrors.As(err, &remote) {
		_, _, _ = c.removeSub(sub.id)
		return "", err
	}
	// Transport errors leave the subscription to be issued on reconnect.
	return sub.id, nil
}

// Unsubscribe removes the subscription with the given id.
func (c *Client) Unsubscribe(ctx context.Context, id string, opts ...UnsubscribeOption) error {
	pattern, remoteID, ok := c.removeSub(id)
	if !ok {
		return errors.WrapInvalid(errors.ErrSubscriptionNotFound, "Client", "Unsubscribe", id)
	}
	return c.unsubscribe(ctx, pattern, remoteID, opts)
}

// UnsubscribeSubject removes every subscription made with pattern.
func (c *Client) UnsubscribeSubject(ctx context.Context, pattern string, opts ...UnsubscribeOption) error {
	c.subsMu.Lock()
	n := len(c.subs)
	c.subs = slices.DeleteFunc(c.subs, func(s *subscription) bool { return s.subject == pattern })
	removed := n - len(c.subs)
	c.subsMu.Unlock()
	if removed == 0 {
		return errors.WrapInvalid(errors.ErrSubscriptionNotFound, "Client", "UnsubscribeSubject", pattern)
	}
	return c.unsubscribe(ctx, pattern, "", opts)
}

func (c *Client) unsubscribe(ctx context.Context, pattern, remoteID string, opts []UnsubscribeOption) error {
	if c.State() != StateConnected {
		return nil
	}
	uo := protocol.UnsubscribeOptions{SubscriptionID: remoteID}
	for _, opt := range opts {
		opt(&uo)
	}
	frame, err := protocol.NewMessage(protocol.TypeUnsubscribe, pattern, uo)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "Unsubscribe", "encode options")
	}
	_, err = c.do(ctx, frame, true)
	if stderrors.Is(err, errors.ErrNotConnected) || stderrors.Is(err, errors.ErrConnectionLost) {
		// The gateway drops the session's subscriptions with the connection.
		return nil
	}
	return err
}

// Request sends payload to subj and waits for the reply. Requests are not
// buffered: the client must be connected.
func (c *Client) Request(ctx context.Context, subj string, payload any) (*Message, error) {
	if c.closed.Load() {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Client", "Request", "client closed")
	}
	if err := subject.ValidateSubject(subj); err != nil {
		return nil, err
	}
	raw, err := c.encodePayload(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, protocol.Message{
		Type: protocol.TypeRequest, Subject: subj, Payload: raw, Timestamp: time.Now(),
	}, true)
	if err != nil {
		return nil, err
	}
	return &Message{Subject: resp.Subject, Payload: resp.Payload, Timestamp: resp.Timestamp}, nil
}

// send hands frame to the I/O goroutine and returns once it was written.
func (c *Client) send(ctx context.Context, frame protocol.Message, await bool) error {
	_, err := c.do(ctx, frame, await)
	return err
}

// do hands frame to the I/O goroutine. With await it waits for the
// gateway's correlated Ack, Reply or Error frame.
func (c *Client) do(ctx context.Context, frame protocol.Message, await bool) (protocol.Message, error) {
	if c.State() != StateConnected {
		return protocol.Message{}, errors.WrapTransient(errors.ErrNotConnected, "Client", "send", frame.Type.String())
	}
	if await && frame.CorrelationID == "" {
		frame.CorrelationID = uuid.NewString()
	}
	return c.exec(ctx, command{frame: frame, await: await})
}

func (c *Client) exec(ctx context.Context, cmd command) (protocol.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OperationTimeout)
		defer cancel()
	}
	cmd.reply = make(chan result, 1)

	c.runMu.Lock()
	done := c.done
	c.runMu.Unlock()
	if done == nil {
		return protocol.Message{}, errors.WrapTransient(errors.ErrNotConnected, "Client", "exec", "not started")
	}

	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return protocol.Message{}, c.timeout(ctx)
	case <-done:
		return protocol.Message{}, c.stopped()
	}

	select {
	case r := <-cmd.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return protocol.Message{}, c.timeout(ctx)
	case <-done:
		return protocol.Message{}, c.stopped()
	}
}

func (c *Client) timeout(ctx context.Context) error {
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrRequestTimeout, ctx.Err()), "Client", "exec", "await gateway")
}

func (c *Client) stopped() error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Client", "exec", "client closed")
	}
	return errors.WrapTransient(errors.ErrNotConnected, "Client", "exec", "session ended")
}

func (c *Client) removeSub(id string) (pattern, remoteID string, ok bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = slices.Delete(c.subs, i, i+1)
			return s.subject, s.remoteID, true
		}
	}
	return "", "", false
}

func (c *Client) subsSnapshot() []*subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return slices.Clone(c.subs)
}

// encodePayload marshals v. Non-JSON bytes and strings travel as JSON strings.
func (c *Client) encodePayload(v any) (json.RawMessage, error) {
	var raw json.RawMessage
	var err error
	switch p := v.(type) {
	case nil:
	case json.RawMessage:
		if !json.Valid(p) {
			err = fmt.Errorf("%w: payload is not valid JSON", errors.ErrInvalidData)
		}
		raw = p
	case []byte:
		if json.Valid(p) {
			raw = p
		} else {
			raw, err = json.Marshal(string(p))
		}
	default:
		raw, err = json.Marshal(p)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "encodePayload", "marshal payload")
	}
	if len(raw) > c.cfg.MaxPayloadSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, len(raw), c.cfg.MaxPayloadSize),
			"Client", "encodePayload", "size check")
	}
	return raw, nil
}

// setState moves to `to` unless the client is closing. It reports whether
// the state changed.
func (c *Client) setState(to State) bool {
	for {
		from := State(c.state.Load())
		if from == to || from == StateClosed || (from == StateClosing && to != StateClosed) {
			return false
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.logger.Debug("state change", "from", from.String(), "to", to.String())
			if c.onState != nil {
				c.emit(func() { c.onState(from, to) })
			}
			return true
		}
	}
}

func (c *Client) emit(fn func()) {
	if err := c.events.Submit(fn); err != nil && !stderrors.Is(err, worker.ErrPoolStopped) {
		c.logger.Warn("callback dropped", "error", err)
	}
}

func (c *Client) emitError(err error) {
	c.stats.errors.Add(1)
	if c.onError != nil {
		c.emit(func() { c.onError(err) })
	}
}
