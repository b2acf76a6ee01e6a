package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// ErrorFrame builds an Error frame replying to correlationID.
func ErrorFrame(code ErrorCode, message, correlationID string) Message {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Message{Type: TypeError, Payload: raw, CorrelationID: correlationID, Timestamp: time.Now()}
}

// ErrorFrameFor builds an Error frame for err using CodeFor.
func ErrorFrameFor(err error, correlationID string) Message {
	return ErrorFrame(CodeFor(err), err.Error(), correlationID)
}

// AckFrame builds an Ack frame replying to correlationID.
func AckFrame(p AckPayload, correlationID string) Message {
	raw, _ := json.Marshal(p)
	return Message{Type: TypeAck, Payload: raw, CorrelationID: correlationID, Timestamp: time.Now()}
}

// AuthFrame builds an Auth frame from a request or response payload.
func AuthFrame(payload any, correlationID string) (Message, error) {
	m, err := NewMessage(TypeAuth, "", payload)
	if err != nil {
		return m, err
	}
	m.CorrelationID = correlationID
	m.Timestamp = time.Now()
	return m, nil
}

// PingFrame builds a Ping frame.
func PingFrame(correlationID string) Message {
	return Message{Type: TypePing, CorrelationID: correlationID, Timestamp: time.Now()}
}

// PongFrame builds the Pong answering a Ping with correlationID.
func PongFrame(correlationID string) Message {
	return Message{Type: TypePong, CorrelationID: correlationID, Timestamp: time.Now()}
}

// Message frames carry "<subscriptionId>" or, for manual-ack deliveries,
// "<subscriptionId>:<deliveryId>" as their correlationId, so a device with
// overlapping subscriptions can route each frame to the one it belongs to.
const deliveryTagSep = ":"

// DeliveryTag builds the correlationId of a Message frame.
func DeliveryTag(subscriptionID, deliveryID string) string {
	if deliveryID == "" {
		return subscriptionID
	}
	return subscriptionID + deliveryTagSep + deliveryID
}

// SplitDeliveryTag reverses DeliveryTag. deliveryID is empty for auto-ack
// deliveries.
func SplitDeliveryTag(tag string) (subscriptionID, deliveryID string) {
	subscriptionID, deliveryID, _ = strings.Cut(tag, deliveryTagSep)
	return subscriptionID, deliveryID
}
