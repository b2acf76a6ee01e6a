package protocol

import "time"

// AuthRequest is the payload of an Auth frame sent by a device.
type AuthRequest struct {
	// Credential is the generic credential field. Token is accepted as an
	// alias by older firmware.
	Credential string `json:"credential,omitempty"`
	Token      string `json:"token,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}

// Secret returns whichever credential field is set.
func (r AuthRequest) Secret() string {
	if r.Credential != "" {
		return r.Credential
	}
	return r.Token
}

// AuthResponse is the payload of the Auth frame the gateway sends back.
type AuthResponse struct {
	Success          bool       `json:"success"`
	ClientID         string     `json:"clientId,omitempty"`
	Role             string     `json:"role,omitempty"`
	AllowedPublish   []string   `json:"allowedPublish,omitempty"`
	AllowedSubscribe []string   `json:"allowedSubscribe,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ErrorPayload is the payload of an Error frame.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Replay policies for durable subscriptions.
const (
	ReplayAll  = "all"
	ReplayNew  = "new"
	ReplayLast = "last"
)

// Ack modes for subscriptions.
const (
	AckAuto   = "auto"
	AckManual = "manual"
)

// SubscribeOptions is the optional payload of a Subscribe frame.
type SubscribeOptions struct {
	Durable bool   `json:"durable,omitempty"`
	Replay  string `json:"replay,omitempty"`
	AckMode string `json:"ackMode,omitempty"`
}

// ManualAck reports whether deliveries must be acknowledged by the device.
func (o SubscribeOptions) ManualAck() bool {
	return o.AckMode == AckManual
}

func (o SubscribeOptions) valid() bool {
	switch o.Replay {
	case "", ReplayAll, ReplayNew, ReplayLast:
	default:
		return false
	}
	switch o.AckMode {
	case "", AckAuto, AckManual:
	default:
		return false
	}
	return true
}

// UnsubscribeOptions is the optional payload of an Unsubscribe frame.
// SubscriptionID selects one subscription when several share a subject.
// DeleteDurable removes the durable consumer instead of just detaching.
type UnsubscribeOptions struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	DeleteDurable  bool   `json:"deleteDurable,omitempty"`
}

// AckPayload accompanies Ack frames. From the gateway it confirms a stored
// publish (Stream, Sequence) or a subscription (SubscriptionID). From a
// device on a manual-ack subscription the frame's correlationId names the
// delivery and Nak asks for redelivery.
type AckPayload struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Stream         string `json:"stream,omitempty"`
	Sequence       uint64 `json:"seq,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Nak            bool   `json:"nak,omitempty"`
}
