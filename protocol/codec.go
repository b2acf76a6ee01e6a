package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/subject"
)

// DefaultMaxPayloadSize is the payload limit applied when none is configured.
const DefaultMaxPayloadSize = 1 << 20

// wireMessage is the JSON shape of a frame. Type is a pointer so that a
// missing field can be told apart from Publish (0).
type wireMessage struct {
	Type          *int            `json:"type"`
	Subject       string          `json:"subject,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// Codec converts between raw frames and Messages and enforces the
// structural rules every frame must satisfy. The zero value uses
// DefaultMaxPayloadSize.
type Codec struct {
	MaxPayloadSize int
}

// NewCodec returns a codec with the given payload limit.
func NewCodec(maxPayloadSize int) Codec {
	return Codec{MaxPayloadSize: maxPayloadSize}
}

func (c Codec) limit() int {
	if c.MaxPayloadSize <= 0 {
		return DefaultMaxPayloadSize
	}
	return c.MaxPayloadSize
}

// Decode parses and validates one frame. When validation fails the returned
// Message still carries whatever fields were read, so a caller can echo the
// correlation id in its Error reply.
func (c Codec) Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"protocol", "Decode", "frame parse")
	}

	m := Message{
		Subject:       w.Subject,
		CorrelationID: w.CorrelationID,
		Timestamp:     parseTimestamp(w.Timestamp),
	}
	if isNull(w.Payload) {
		m.Payload = nil
	} else {
		m.Payload = w.Payload
	}

	if w.Type == nil {
		return m, errors.WrapInvalid(fmt.Errorf("%w: missing type", errors.ErrUnknownType),
			"protocol", "Decode", "type check")
	}
	m.Type = MessageType(*w.Type)
	if !m.Type.Valid() {
		return m, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnknownType, *w.Type),
			"protocol", "Decode", "type check")
	}

	if err := c.validate(m); err != nil {
		return m, errors.WrapInvalid(err, "protocol", "Decode", "frame validation")
	}
	return m, nil
}

// Encode validates m and renders it as a single JSON object. The timestamp
// is always written in UTC with millisecond precision; a zero Timestamp is
// stamped with the current time.
func (c Codec) Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnknownType, int(m.Type)),
			"protocol", "Encode", "type check")
	}
	if err := c.validate(m); err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "Encode", "frame validation")
	}

	t := int(m.Type)
	w := wireMessage{
		Type:          &t,
		Subject:       m.Subject,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	w.Timestamp = FormatTimestamp(ts)

	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"protocol", "Encode", "frame marshal")
	}
	return data, nil
}

func (c Codec) validate(m Message) error {
	if len(m.Payload) > c.limit() {
		return fmt.Errorf("%w: %d bytes exceeds %d", errors.ErrPayloadTooLarge, len(m.Payload), c.limit())
	}

	if !m.Type.RequiresSubject() {
		if m.Subject != "" {
			return fmt.Errorf("%w: %s frames carry no subject", errors.ErrInvalidSubject, m.Type)
		}
		return nil
	}

	if m.Type.allowsPattern() {
		return subject.ValidatePattern(m.Subject)
	}
	return subject.ValidateSubject(m.Subject)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
