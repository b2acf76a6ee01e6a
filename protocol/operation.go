package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/c360/wsbridge/errors"
)

// Operation is a decoded frame with its payload parsed where the bridge
// cares about it. The set of implementations is closed; dispatch with a
// type switch.
type Operation interface {
	Type() MessageType
	operation()
}

// Publish stores Payload on Subject.
type Publish struct {
	Subject       string
	Payload       json.RawMessage
	CorrelationID string
}

// Subscribe asks for deliveries on a subject pattern.
type Subscribe struct {
	Subject       string
	Options       SubscribeOptions
	CorrelationID string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	Subject       string
	Options       UnsubscribeOptions
	CorrelationID string
}

// Deliver is a Message frame: a delivery from the backend to a device.
type Deliver struct {
	Subject       string
	Payload       json.RawMessage
	CorrelationID string
}

// Request is a core request expecting one Reply.
type Request struct {
	Subject       string
	Payload       json.RawMessage
	CorrelationID string
}

// Reply answers a Request.
type Reply struct {
	Subject       string
	Payload       json.RawMessage
	CorrelationID string
}

// Ack confirms a publish or subscription, or acknowledges a delivery.
type Ack struct {
	Payload       AckPayload
	CorrelationID string
}

// Error reports a failed operation.
type Error struct {
	Payload       ErrorPayload
	CorrelationID string
}

// Auth carries either a device's credentials or the gateway's answer. The
// direction decides which helper applies.
type Auth struct {
	Payload       json.RawMessage
	CorrelationID string
}

// Ping is a liveness probe.
type Ping struct {
	CorrelationID string
}

// Pong answers a Ping.
type Pong struct {
	CorrelationID string
}

func (Publish) Type() MessageType     { return TypePublish }
func (Subscribe) Type() MessageType   { return TypeSubscribe }
func (Unsubscribe) Type() MessageType { return TypeUnsubscribe }
func (Deliver) Type() MessageType     { return TypeMessage }
func (Request) Type() MessageType     { return TypeRequest }
func (Reply) Type() MessageType       { return TypeReply }
func (Ack) Type() MessageType         { return TypeAck }
func (Error) Type() MessageType       { return TypeError }
func (Auth) Type() MessageType        { return TypeAuth }
func (Ping) Type() MessageType        { return TypePing }
func (Pong) Type() MessageType        { return TypePong }

func (Publish) operation()     {}
func (Subscribe) operation()   {}
func (Unsubscribe) operation() {}
func (Deliver) operation()     {}
func (Request) operation()     {}
func (Reply) operation()       {}
func (Ack) operation()         {}
func (Error) operation()       {}
func (Auth) operation()        {}
func (Ping) operation()        {}
func (Pong) operation()        {}

// Request parses the payload as a device's credentials.
func (a Auth) Request() (AuthRequest, error) {
	var req AuthRequest
	if err := decodeInto(a.Payload, &req); err != nil {
		return req, err
	}
	return req, nil
}

// Response parses the payload as the gateway's answer.
func (a Auth) Response() (AuthResponse, error) {
	var resp AuthResponse
	if err := decodeInto(a.Payload, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Operation converts a validated Message into its typed form. Sub-payloads
// that fail to parse or carry unknown option values yield ErrInvalidData.
func (m Message) Operation() (Operation, error) {
	switch m.Type {
	case TypePublish:
		return Publish{Subject: m.Subject, Payload: m.Payload, CorrelationID: m.CorrelationID}, nil
	case TypeSubscribe:
		var opts SubscribeOptions
		if err := decodeInto(m.Payload, &opts); err != nil {
			return nil, err
		}
		if !opts.valid() {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: replay %q ackMode %q", errors.ErrInvalidData, opts.Replay, opts.AckMode),
				"protocol", "Operation", "subscribe options")
		}
		return Subscribe{Subject: m.Subject, Options: opts, CorrelationID: m.CorrelationID}, nil
	case TypeUnsubscribe:
		var opts UnsubscribeOptions
		if err := decodeInto(m.Payload, &opts); err != nil {
			return nil, err
		}
		return Unsubscribe{Subject: m.Subject, Options: opts, CorrelationID: m.CorrelationID}, nil
	case TypeMessage:
		return Deliver{Subject: m.Subject, Payload: m.Payload, CorrelationID: m.CorrelationID}, nil
	case TypeRequest:
		return Request{Subject: m.Subject, Payload: m.Payload, CorrelationID: m.CorrelationID}, nil
	case TypeReply:
		return Reply{Subject: m.Subject, Payload: m.Payload, CorrelationID: m.CorrelationID}, nil
	case TypeAck:
		var p AckPayload
		if err := decodeInto(m.Payload, &p); err != nil {
			return nil, err
		}
		return Ack{Payload: p, CorrelationID: m.CorrelationID}, nil
	case TypeError:
		var p ErrorPayload
		if err := decodeInto(m.Payload, &p); err != nil {
			return nil, err
		}
		return Error{Payload: p, CorrelationID: m.CorrelationID}, nil
	case TypeAuth:
		return Auth{Payload: m.Payload, CorrelationID: m.CorrelationID}, nil
	case TypePing:
		return Ping{CorrelationID: m.CorrelationID}, nil
	case TypePong:
		return Pong{CorrelationID: m.CorrelationID}, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnknownType, int(m.Type)),
		"protocol", "Operation", "type dispatch")
}

func decodeInto(raw json.RawMessage, v any) error {
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"protocol", "Operation", "payload parse")
	}
	return nil
}
