package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/wsbridge/protocol"
)

// Handler receives deliveries for a subscription. Handlers run one at a
// time on the callback goroutine.
type Handler func(*Message)

// Message is one delivery from the gateway.
type Message struct {
	Subject   string
	Payload   json.RawMessage
	Timestamp time.Time
	// DeliveryID is set on manual-ack subscriptions.
	DeliveryID string

	client *Client
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Ack confirms a manual-ack delivery.
func (m *Message) Ack(ctx context.Context) error {
	return m.settle(ctx, false)
}

// Nak asks the gateway to redeliver a manual-ack delivery.
func (m *Message) Nak(ctx context.Context) error {
	return m.settle(ctx, true)
}

func (m *Message) settle(ctx context.Context, nak bool) error {
	if m.DeliveryID == "" || m.client == nil {
		return nil
	}
	raw, _ := json.Marshal(protocol.AckPayload{Nak: nak})
	return m.client.send(ctx, protocol.Message{
		Type:          protocol.TypeAck,
		Payload:       raw,
		CorrelationID: m.DeliveryID,
	}, false)
}

// SubscribeOption adjusts a subscription.
type SubscribeOption func(*protocol.SubscribeOptions)

// Durable keeps the gateway consumer across sessions so a later subscribe to
// the same subject resumes where this one stopped.
func Durable() SubscribeOption {
	return func(o *protocol.SubscribeOptions) { o.Durable = true }
}

// Replay selects where the consumer starts: protocol.ReplayAll, ReplayNew
// or ReplayLast. Without Durable the consumer ends with the session.
func Replay(policy string) SubscribeOption {
	return func(o *protocol.SubscribeOptions) { o.Replay = policy }
}

// ManualAck requires every delivery to be settled with Message.Ack or Nak.
func ManualAck() SubscribeOption {
	return func(o *protocol.SubscribeOptions) { o.AckMode = protocol.AckManual }
}

// subscription is owned by the client's subscription table. remoteID,
// stream and issued are written by the I/O goroutine under Client.subsMu.
type subscription struct {
	id       string
	subject  string
	opts     protocol.SubscribeOptions
	handler  Handler
	remoteID string
	stream   string
	created  time.Time
	// issued is the connection generation the subscribe frame was sent on.
	issued uint64
	acked  bool
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	RemoteID  string    `json:"remoteId,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Durable   bool      `json:"durable"`
	ManualAck bool      `json:"manualAck"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:        s.id,
		Subject:   s.subject,
		RemoteID:  s.remoteID,
		Stream:    s.stream,
		Durable:   s.opts.Durable,
		ManualAck: s.opts.ManualAck(),
		CreatedAt: s.created,
	}
}
