package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the numeric frame type carried in the "type" field.
type MessageType int

const (
	TypePublish MessageType = iota
	TypeSubscribe
	TypeUnsubscribe
	TypeMessage
	TypeRequest
	TypeReply
	TypeAck
	TypeError
	TypeAuth
	TypePing
	TypePong
)

var typeNames = [...]string{
	TypePublish:     "publish",
	TypeSubscribe:   "subscribe",
	TypeUnsubscribe: "unsubscribe",
	TypeMessage:     "message",
	TypeRequest:     "request",
	TypeReply:       "reply",
	TypeAck:         "ack",
	TypeError:       "error",
	TypeAuth:        "auth",
	TypePing:        "ping",
	TypePong:        "pong",
}

// String returns the lower-case type name, used as a metrics label.
func (t MessageType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Valid reports whether t is one of the eleven defined types.
func (t MessageType) Valid() bool {
	return t >= TypePublish && t <= TypePong
}

// RequiresSubject reports whether frames of type t must carry a subject.
// All other types must not.
func (t MessageType) RequiresSubject() bool {
	switch t {
	case TypePublish, TypeSubscribe, TypeUnsubscribe, TypeMessage, TypeRequest, TypeReply:
		return true
	}
	return false
}

// allowsPattern reports whether the subject may contain wildcards.
func (t MessageType) allowsPattern() bool {
	return t == TypeSubscribe || t == TypeUnsubscribe
}

// Message is one wire frame. Payload is opaque to the bridge.
type Message struct {
	Type          MessageType
	Subject       string
	Payload       json.RawMessage
	CorrelationID string
	Timestamp     time.Time
}

// NewMessage builds a frame, marshalling payload unless it is already a
// json.RawMessage or []byte. A nil payload leaves Payload empty.
func NewMessage(t MessageType, subject string, payload any) (Message, error) {
	m := Message{Type: t, Subject: subject}
	raw, err := marshalPayload(payload)
	if err != nil {
		return m, err
	}
	m.Payload = raw
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// wireTimeLayout is RFC 3339 in UTC with millisecond precision.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t the way frames carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}

// parseTimestamp accepts RFC 3339 with any fractional precision and the
// zone-less form some devices send. Unparseable values yield the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
