package bridge

import (
	"context"
	"time"
)

// Backend is the streaming system the bridge drives. JetStreamBackend is
// the production implementation; MemoryBackend serves tests.
type Backend interface {
	// Publish stores data on subject and returns once the backend has
	// acknowledged it.
	Publish(ctx context.Context, subject string, data []byte) (PublishAck, error)

	// PublishCore sends a fire-and-forget message outside the stream.
	PublishCore(ctx context.Context, subject string, data []byte) error

	// Request sends a core request and returns the first reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Consume attaches to a consumer, creating it if needed, and calls
	// handler for every delivery in backend order until Stop.
	Consume(ctx context.Context, spec ConsumerSpec, handler func(BackendMsg)) (Consumption, error)

	// DeleteConsumer removes a consumer. Deleting a missing consumer is not
	// an error.
	DeleteConsumer(ctx context.Context, stream, name string) error
}

// PublishAck is the backend's confirmation of a stored message.
type PublishAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

// DeliverPolicy selects where a new consumer starts.
type DeliverPolicy string

const (
	DeliverAll  DeliverPolicy = "all"
	DeliverNew  DeliverPolicy = "new"
	DeliverLast DeliverPolicy = "last"
)

// ConsumerSpec describes the consumer behind one subscription.
type ConsumerSpec struct {
	Stream        string
	Name          string
	Durable       bool
	FilterSubject string
	DeliverPolicy DeliverPolicy
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// BackendMsg is one delivery from the backend.
type BackendMsg interface {
	Subject() string
	Data() []byte
	// Sequence is the stream sequence of the message.
	Sequence() uint64
	// NumDelivered counts deliveries of this message including this one.
	NumDelivered() uint64
	Ack() error
	Nak() error
}

// Consumption is an active attachment to a consumer.
type Consumption interface {
	// ConsumerName is the backend's name for the consumer.
	ConsumerName() string
	// Stop ends delivery. Unacknowledged messages will be redelivered to
	// the next consumption of the same durable consumer.
	Stop()
}
