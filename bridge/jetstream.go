package bridge

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/natsclient"
)

// JetStreamBackend implements Backend with NATS JetStream.
type JetStreamBackend struct {
	client *natsclient.Client
	logger *slog.Logger
}

// NewJetStreamBackend wraps a connected client.
func NewJetStreamBackend(client *natsclient.Client, logger *slog.Logger) *JetStreamBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamBackend{client: client, logger: logger.With("component", "jetstream-backend")}
}

// EnsureStreams creates or updates the configured streams.
func (b *JetStreamBackend) EnsureStreams(ctx context.Context, specs []StreamSpec) error {
	for _, s := range specs {
		cfg := jetstream.StreamConfig{
			Name:     s.Name,
			Subjects: s.Subjects,
			Storage:  jetstream.FileStorage,
			MaxAge:   s.MaxAge,
		}
		if _, err := b.client.EnsureStream(ctx, cfg); err != nil {
			return errors.Wrap(err, "JetStreamBackend", "EnsureStreams", s.Name)
		}
		b.logger.Info("stream ready", "stream", s.Name, "subjects", s.Subjects)
	}
	return nil
}

func (b *JetStreamBackend) Publish(ctx context.Context, subj string, data []byte) (PublishAck, error) {
	ack, err := b.client.PublishToStream(ctx, subj, data)
	if err != nil {
		return PublishAck{}, err
	}
	return PublishAck{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

func (b *JetStreamBackend) PublishCore(ctx context.Context, subj string, data []byte) error {
	return b.client.Publish(ctx, subj, data)
}

func (b *JetStreamBackend) Request(ctx context.Context, subj string, data []byte) ([]byte, error) {
	msg, err := b.client.Request(ctx, subj, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func consumerConfig(spec ConsumerSpec) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: spec.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       spec.AckWait,
		MaxDeliver:    spec.MaxDeliver,
		MaxAckPending: spec.MaxAckPending,
	}
	switch spec.DeliverPolicy {
	case DeliverAll:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	case DeliverLast:
		cfg.DeliverPolicy = jetstream.DeliverLastPolicy
	default:
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	}
	if spec.Durable {
		cfg.Durable = spec.Name
	} else {
		cfg.Name = spec.Name
	}
	return cfg
}

// Consume attaches to the consumer. An existing durable consumer is reused
// as is: its deliver policy is fixed at creation and it resumes after the
// last acknowledged message.
func (b *JetStreamBackend) Consume(ctx context.Context, spec ConsumerSpec, handler func(BackendMsg)) (Consumption, error) {
	var consumer jetstream.Consumer
	if spec.Durable {
		existing, err := b.client.Consumer(ctx, spec.Stream, spec.Name)
		switch {
		case err == nil:
			consumer = existing
		case !stderrors.Is(err, jetstream.ErrConsumerNotFound):
			return nil, err
		}
	}
	if consumer == nil {
		created, err := b.client.CreateOrUpdateConsumer(ctx, spec.Stream, consumerConfig(spec))
		if err != nil {
			return nil, err
		}
		consumer = created
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		handler(jsMsg{m})
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		b.logger.Debug("consume error", "consumer", spec.Name, "error", err)
	}))
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamBackend", "Consume", spec.Name)
	}
	return &jsConsumption{name: spec.Name, cc: cc}, nil
}

func (b *JetStreamBackend) DeleteConsumer(ctx context.Context, stream, name string) error {
	return b.client.DeleteConsumer(ctx, stream, name)
}

type jsConsumption struct {
	name string
	cc   jetstream.ConsumeContext
}

func (c *jsConsumption) ConsumerName() string { return c.name }
func (c *jsConsumption) Stop()                { c.cc.Stop() }

type jsMsg struct {
	m jetstream.Msg
}

func (j jsMsg) Subject() string { return j.m.Subject() }
func (j jsMsg) Data() []byte    { return j.m.Data() }
func (j jsMsg) Ack() error      { return j.m.Ack() }
func (j jsMsg) Nak() error      { return j.m.Nak() }

func (j jsMsg) Sequence() uint64 {
	meta, err := j.m.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (j jsMsg) NumDelivered() uint64 {
	meta, err := j.m.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}
