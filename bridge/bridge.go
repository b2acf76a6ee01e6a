package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/metric"
	"github.com/c360/wsbridge/protocol"
)

// Delivery is one message handed to a session.
type Delivery struct {
	SubscriptionID string
	// ID is set for manual-ack subscriptions. The session sends it as the
	// Message frame's correlationId and the device echoes it in its Ack.
	ID          string
	Subject     string
	Payload     []byte
	Stream      string
	Sequence    uint64
	Redelivered bool
}

// DeliverFunc writes a delivery to the device. It must return only after
// the frame reached the socket, or with the write error.
type DeliverFunc func(Delivery) error

// SubscribeRequest binds one session to one subject.
type SubscribeRequest struct {
	SessionID string
	ClientID  string
	Subject   string
	Options   protocol.SubscribeOptions
	Deliver   DeliverFunc
}

// UnsubscribeRequest removes subscriptions by id or, when SubscriptionID is
// empty, every subscription of the session on Subject.
type UnsubscribeRequest struct {
	SessionID      string
	SubscriptionID string
	Subject        string
	DeleteDurable  bool
}

// Bridge moves messages between sessions and the backend.
type Bridge struct {
	backend Backend
	cfg     Config
	gate    *semaphore.Weighted
	logger  *slog.Logger
	metrics *metric.Metrics

	subs    sync.Map // subscription id -> *Subscription
	pending sync.Map // delivery id -> *pendingAck

	mu       sync.Mutex
	durables map[string]*Subscription // clientID + subject
	closed   bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records publish latency, deliveries and bound consumers.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bridge) {
		if registry != nil {
			b.metrics = registry.CoreMetrics()
		}
	}
}

// New creates a Bridge over backend. The config is copied.
func New(backend Backend, cfg Config, opts ...Option) (*Bridge, error) {
	if backend == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "bridge", "New", "backend required")
	}
	cfg = cfg.withDefaults()
	cfg.Streams = append([]StreamSpec(nil), cfg.Streams...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		backend:  backend,
		cfg:      cfg,
		gate:     semaphore.NewWeighted(cfg.MaxInFlight),
		logger:   slog.Default(),
		durables: make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b, nil
}

// Streams returns the configured streams.
func (b *Bridge) Streams() []StreamSpec {
	return append([]StreamSpec(nil), b.cfg.Streams...)
}

// acquire waits for an in-flight slot for at most AcquireTimeout.
func (b *Bridge) acquire(ctx context.Context, method string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.AcquireTimeout)
	defer cancel()
	if err := b.gate.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(ctx.Err(), "bridge", method, "acquire slot")
		}
		return nil, errors.WrapTransient(errors.ErrBackendBusy, "bridge", method, "acquire slot")
	}
	return func() { b.gate.Release(1) }, nil
}

// Publish stores payload on subject.
func (b *Bridge) Publish(ctx context.Context, subj string, payload []byte) (PublishAck, error) {
	release, err := b.acquire(ctx, "Publish")
	if err != nil {
		return PublishAck{}, err
	}
	defer release()

	start := time.Now()
	ack, err := b.backend.Publish(ctx, subj, payload)
	if err != nil {
		return PublishAck{}, errors.Wrap(err, "bridge", "Publish", subj)
	}
	b.metrics.RecordPublish(time.Since(start))
	return ack, nil
}

// Reply sends payload as a core message on subject.
func (b *Bridge) Reply(ctx context.Context, subj string, payload []byte) error {
	release, err := b.acquire(ctx, "Reply")
	if err != nil {
		return err
	}
	defer release()

	if err := b.backend.PublishCore(ctx, subj, payload); err != nil {
		return errors.Wrap(err, "bridge", "Reply", subj)
	}
	return nil
}

// Request sends a core request on subject and returns the reply payload.
// Without a deadline on ctx the request is bounded by RequestTimeout.
func (b *Bridge) Request(ctx context.Context, subj string, payload []byte) ([]byte, error) {
	release, err := b.acquire(ctx, "Request")
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
	}
	data, err := b.backend.Request(ctx, subj, payload)
	if err != nil {
		return nil, errors.Wrap(err, "bridge", "Request", subj)
	}
	return data, nil
}

func durableKey(clientID, subj string) string {
	return clientID + "\x00" + subj
}

func deliverPolicy(replay string) DeliverPolicy {
	switch replay {
	case protocol.ReplayAll:
		return DeliverAll
	case protocol.ReplayLast:
		return DeliverLast
	default:
		return DeliverNew
	}
}

// Subscribe binds a consumer to the session. A durable subscription that
// already exists for the same client and subject is taken over: the old
// consumption stops and the consumer is reused.
func (b *Bridge) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if req.Deliver == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "bridge", "Subscribe", "deliver function required")
	}
	stream, ok := b.cfg.streamFor(req.Subject)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no stream captures %q", errors.ErrInvalidSubject, req.Subject),
			"bridge", "Subscribe", "select stream")
	}

	// Replay needs a named consumer to resume within the session, but only
	// an explicit durable request keeps it past the session.
	named := req.Options.Durable || req.Options.Replay != ""
	sub := &Subscription{
		id:        uuid.NewString(),
		sessionID: req.SessionID,
		clientID:  req.ClientID,
		subject:   req.Subject,
		stream:    stream,
		named:     named,
		durable:   req.Options.Durable,
		manual:    req.Options.ManualAck(),
		deliver:   req.Deliver,
		created:   time.Now(),
		pending:   make(map[string]BackendMsg),
	}
	if named {
		sub.consumer = DurableName(req.ClientID, req.Subject)
	} else {
		sub.consumer = sanitize(req.ClientID) + "_" + uuid.NewString()[:8]
	}

	key := durableKey(req.ClientID, req.Subject)
	if named {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errors.WrapFatal(errors.ErrShuttingDown, "bridge", "Subscribe", "bridge closed")
		}
		previous := b.durables[key]
		b.durables[key] = sub
		b.mu.Unlock()

		if previous != nil {
			b.logger.Info("durable subscription taken over",
				"client_id", req.ClientID, "subject", req.Subject,
				"previous_session", previous.sessionID, "session_id", req.SessionID)
			b.stop(ctx, previous, false)
		}
	}

	spec := ConsumerSpec{
		Stream:        stream,
		Name:          sub.consumer,
		Durable:       named,
		FilterSubject: req.Subject,
		DeliverPolicy: deliverPolicy(req.Options.Replay),
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		MaxAckPending: b.cfg.MaxAckPending,
	}
	consumption, err := b.backend.Consume(ctx, spec, func(m BackendMsg) { b.handle(sub, m) })
	if err != nil {
		if named {
			b.mu.Lock()
			if b.durables[key] == sub {
				delete(b.durables, key)
			}
			b.mu.Unlock()
		}
		return nil, errors.Wrap(err, "bridge", "Subscribe", req.Subject)
	}
	sub.setConsumption(consumption)

	b.subs.Store(sub.id, sub)
	b.metrics.RecordConsumers(1)
	b.logger.Debug("subscribed",
		"subscription_id", sub.id, "client_id", req.ClientID, "subject", req.Subject,
		"stream", stream, "consumer", sub.consumer, "durable", sub.durable, "manual_ack", sub.manual)
	return sub, nil
}

// handle runs on the backend's delivery goroutine for sub.
func (b *Bridge) handle(sub *Subscription, m BackendMsg) {
	if sub.isStopped() {
		_ = m.Nak()
		return
	}

	d := Delivery{
		SubscriptionID: sub.id,
		Subject:        m.Subject(),
		Payload:        m.Data(),
		Stream:         sub.stream,
		Sequence:       m.Sequence(),
		Redelivered:    m.NumDelivered() > 1,
	}
	if sub.manual {
		d.ID = uuid.NewString()
		sub.track(d.ID, m)
		b.pending.Store(d.ID, &pendingAck{sub: sub, msg: m})
	}

	if err := sub.deliver(d); err != nil {
		b.logger.Debug("delivery failed", "subscription_id", sub.id, "seq", d.Sequence, "error", err)
		if sub.manual {
			b.pending.Delete(d.ID)
			sub.untrack(d.ID)
		}
		_ = m.Nak()
		return
	}
	b.metrics.RecordDelivery()
	sub.delivered.Add(1)

	if !sub.manual {
		if err := m.Ack(); err != nil {
			b.logger.Warn("ack failed", "subscription_id", sub.id, "seq", d.Sequence, "error", err)
			return
		}
		sub.acked(d.Sequence)
	}
}

type pendingAck struct {
	sub *Subscription
	msg BackendMsg
}

// Ack settles a manual-ack delivery for the session. nak requests
// redelivery.
func (b *Bridge) Ack(sessionID, deliveryID string, nak bool) error {
	v, ok := b.pending.Load(deliveryID)
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown delivery %q", errors.ErrSubscriptionNotFound, deliveryID),
			"bridge", "Ack", "lookup delivery")
	}
	p := v.(*pendingAck)
	if p.sub.sessionID != sessionID {
		return errors.WrapInvalid(
			fmt.Errorf("%w: delivery %q belongs to another session", errors.ErrNotAuthorized, deliveryID),
			"bridge", "Ack", "lookup delivery")
	}
	b.pending.Delete(deliveryID)
	p.sub.untrack(deliveryID)

	var err error
	if nak {
		err = p.msg.Nak()
	} else {
		err = p.msg.Ack()
		if err == nil {
			p.sub.acked(p.msg.Sequence())
		}
	}
	if err != nil {
		return errors.WrapTransient(err, "bridge", "Ack", deliveryID)
	}
	return nil
}

// Unsubscribe removes the session's matching subscriptions and returns how
// many were removed.
func (b *Bridge) Unsubscribe(ctx context.Context, req UnsubscribeRequest) (int, error) {
	var targets []*Subscription
	if req.SubscriptionID != "" {
		if v, ok := b.subs.Load(req.SubscriptionID); ok {
			if sub := v.(*Subscription); sub.sessionID == req.SessionID {
				targets = append(targets, sub)
			}
		}
	} else {
		b.subs.Range(func(_, v any) bool {
			sub := v.(*Subscription)
			if sub.sessionID == req.SessionID && sub.subject == req.Subject {
				targets = append(targets, sub)
			}
			return true
		})
	}
	if len(targets) == 0 {
		return 0, errors.WrapInvalid(errors.ErrSubscriptionNotFound, "bridge", "Unsubscribe", req.Subject)
	}

	var firstErr error
	for _, sub := range targets {
		if err := b.stop(ctx, sub, req.DeleteDurable); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(targets), firstErr
}

// CloseSession tears down every subscription owned by the session.
// Consumers are deleted unless the device asked for a durable one, which
// keeps its position.
func (b *Bridge) CloseSession(ctx context.Context, sessionID string) {
	b.subs.Range(func(_, v any) bool {
		sub := v.(*Subscription)
		if sub.sessionID == sessionID {
			if err := b.stop(ctx, sub, false); err != nil {
				b.logger.Warn("subscription teardown failed",
					"subscription_id", sub.id, "consumer", sub.consumer, "error", err)
			}
		}
		return true
	})
}

// stop ends sub's consumption. Its pending manual acks are returned to the
// backend for redelivery.
func (b *Bridge) stop(ctx context.Context, sub *Subscription, deleteDurable bool) error {
	if !sub.markStopped() {
		return nil
	}
	b.subs.Delete(sub.id)
	if sub.named {
		key := durableKey(sub.clientID, sub.subject)
		b.mu.Lock()
		if b.durables[key] == sub {
			delete(b.durables, key)
		}
		b.mu.Unlock()
	}

	if c := sub.getConsumption(); c != nil {
		c.Stop()
		b.metrics.RecordConsumers(-1)
	}
	for id, m := range sub.drain() {
		b.pending.Delete(id)
		_ = m.Nak()
	}

	if !sub.durable || deleteDurable {
		if err := b.backend.DeleteConsumer(ctx, sub.stream, sub.consumer); err != nil {
			return errors.Wrap(err, "bridge", "stop", sub.consumer)
		}
	}
	b.logger.Debug("unsubscribed", "subscription_id", sub.id, "consumer", sub.consumer)
	return nil
}

// Close stops every subscription. Durable consumers survive.
func (b *Bridge) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.subs.Range(func(_, v any) bool {
		_ = b.stop(ctx, v.(*Subscription), false)
		return true
	})
}

// Binding is a snapshot of one subscription.
type Binding struct {
	SubscriptionID string    `json:"subscriptionId"`
	SessionID      string    `json:"sessionId"`
	ClientID       string    `json:"clientId"`
	Subject        string    `json:"subject"`
	Stream         string    `json:"stream"`
	Consumer       string    `json:"consumer"`
	Durable        bool      `json:"durable"`
	ManualAck      bool      `json:"manualAck"`
	Delivered      uint64    `json:"delivered"`
	LastAcked      uint64    `json:"lastAcked"`
	PendingAcks    int       `json:"pendingAcks"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Bindings lists the live subscriptions ordered by creation time.
func (b *Bridge) Bindings() []Binding {
	var out []Binding
	b.subs.Range(func(_, v any) bool {
		out = append(out, v.(*Subscription).binding())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SubscriptionID < out[j].SubscriptionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionBindings lists the live subscriptions of one session.
func (b *Bridge) SessionBindings(sessionID string) []Binding {
	var out []Binding
	for _, bd := range b.Bindings() {
		if bd.SessionID == sessionID {
			out = append(out, bd)
		}
	}
	return out
}
