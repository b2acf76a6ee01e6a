package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/bridge"
	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/health"
	"github.com/c360/wsbridge/protocol"
)

// State is a session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Close reasons carried in the WebSocket close frame.
const (
	ReasonAuthFailed   = "AUTH_FAILED"
	ReasonAuthTimeout  = "AUTH_TIMEOUT"
	ReasonIdleTimeout  = "IDLE_TIMEOUT"
	ReasonReplaced     = "SESSION_REPLACED"
	ReasonShutdown     = "SERVER_SHUTDOWN"
	ReasonClientClosed = "CLIENT_CLOSED"
	ReasonTransport    = "TRANSPORT_ERROR"
)

type outbound struct {
	data []byte
	kind protocol.MessageType
	done chan error
}

// Session is one device connection. The read loop runs on the HTTP handler
// goroutine; a second goroutine owns every data write to the socket.
type Session struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	srv        *Server
	logger     atomic.Pointer[slog.Logger]

	state     atomic.Int32
	identity  atomic.Pointer[auth.Identity]
	counted   atomic.Bool
	reason    atomic.Value
	openedAt  time.Time
	connected atomic.Int64
	lastFrame atomic.Int64
	framesIn  atomic.Uint64
	framesOut atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	out    chan outbound

	// mu orders establish against closeWith and guards the timers.
	mu        sync.Mutex
	authTimer *clock.Timer
	idleTimer *clock.Timer
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn, remoteAddr string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	now := srv.clock.Now()
	s := &Session{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		srv:        srv,
		openedAt:   now,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outbound, srv.cfg.SendQueue),
		closed:     make(chan struct{}),
	}
	s.logger.Store(srv.logger.With("session_id", id, "remote_addr", remoteAddr))
	s.lastFrame.Store(now.UnixNano())
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) log() *slog.Logger { return s.logger.Load() }

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ClientID returns the authenticated client id, or "" before auth.
func (s *Session) ClientID() string {
	if id := s.identity.Load(); id != nil {
		return id.ClientID()
	}
	return ""
}

// Identity returns the authenticated identity, or nil before auth.
func (s *Session) Identity() *auth.Identity { return s.identity.Load() }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is fully closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseReason returns the reason the session closed with, or "".
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Idle reports whether a connected session has received no frame for
// IdleAfter.
func (s *Session) Idle() bool {
	return s.State() == StateConnected && s.idleFor() >= s.srv.cfg.IdleAfter
}

func (s *Session) idleFor() time.Duration {
	return s.srv.clock.Now().Sub(time.Unix(0, s.lastFrame.Load()))
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// run drives the session until the connection ends. pre is an identity
// already established from the upgrade request.
func (s *Session) run(pre *auth.Identity) {
	s.state.Store(int32(StateAuthenticating))
	go s.writeLoop()

	if pre != nil {
		s.establish(pre, "")
	} else {
		s.mu.Lock()
		s.authTimer = s.srv.clock.AfterFunc(s.srv.cfg.AuthTimeout, s.authExpired)
		s.mu.Unlock()
	}
	s.readLoop()
}

// stopTimers must be called with s.mu held.
func (s *Session) stopTimers() {
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

// touch records inbound activity and pushes the idle deadline back.
func (s *Session) touch() {
	s.lastFrame.Store(s.srv.clock.Now().UnixNano())
	s.mu.Lock()
	if s.idleTimer != nil && s.State() == StateConnected {
		s.idleTimer.Reset(s.srv.cfg.IdleTimeout)
	}
	s.mu.Unlock()
}

func (s *Session) idleExpired() {
	// A frame may have landed after the timer fired.
	if s.State() != StateConnected || s.idleFor() < s.srv.cfg.IdleTimeout {
		return
	}
	s.log().Info("closing idle session", "idle", s.idleFor())
	s.closeWith(websocket.CloseNormalClosure, ReasonIdleTimeout)
}

func (s *Session) authExpired() {
	if !s.transition(StateAuthenticating, StateClosing) {
		return
	}
	s.srv.metrics.RecordAuth("timeout")
	s.log().Info("authentication deadline expired")
	_ = s.sendWait(protocol.ErrorFrame(protocol.CodeAuthTimeout, "authentication timeout", ""))
	s.closeWith(websocket.ClosePolicyViolation, ReasonAuthTimeout)
}

// establish moves the session to Connected with id and registers it,
// replacing any older session of the same client. Registration happens under
// s.mu so a concurrent closeWith either prevents it or sees it.
func (s *Session) establish(id *auth.Identity, correlationID string) {
	s.mu.Lock()
	if !s.transition(StateAuthenticating, StateConnected) {
		s.mu.Unlock()
		return
	}
	s.stopTimers()
	s.identity.Store(id)
	s.connected.Store(s.srv.clock.Now().UnixNano())
	s.counted.Store(true)
	s.logger.Store(s.log().With("client_id", id.ClientID()))
	prev := s.srv.registry.Register(s)
	if s.srv.cfg.IdleTimeout > 0 {
		s.idleTimer = s.srv.clock.AfterFunc(s.srv.cfg.IdleTimeout, s.idleExpired)
	}
	s.mu.Unlock()
	s.srv.metrics.RecordAuth("success")

	if prev != nil {
		s.log().Info("session takeover", "previous_session", prev.ID())
		prev.closeWith(websocket.CloseNormalClosure, ReasonReplaced)
	}

	s.sendAuthResponse(id, correlationID)
	s.log().Info("session authenticated", "role", id.Role(), "device_type", id.DeviceType())
}

func (s *Session) sendAuthResponse(id *auth.Identity, correlationID string) {
	resp := protocol.AuthResponse{
		Success:          true,
		ClientID:         id.ClientID(),
		Role:             id.Role(),
		AllowedPublish:   id.AllowedPublish(),
		AllowedSubscribe: id.AllowedSubscribe(),
	}
	if exp := id.ExpiresAt(); !exp.IsZero() {
		resp.ExpiresAt = &exp
	}
	frame, err := protocol.AuthFrame(resp, correlationID)
	if err != nil {
		s.log().Error("encode auth response", "error", err)
		return
	}
	s.send(frame)
}

func (s *Session) readLoop() {
	reason := ReasonTransport
	defer func() { s.closeWith(websocket.CloseNormalClosure, reason) }()

	s.conn.SetReadLimit(int64(s.srv.cfg.MaxPayloadSize)*2 + 64<<10)
	ping := s.srv.cfg.PingInterval
	if ping > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(2 * ping))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(2 * ping))
		})
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ReasonClientClosed
			}
			if s.State() < StateClosing {
				s.log().Debug("read ended", "error", err)
			}
			return
		}
		if ping > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(2 * ping))
		}
		s.handleFrame(data)
	}
}

func (s *Session) writeLoop() {
	var pings <-chan time.Time
	if s.srv.cfg.PingInterval > 0 {
		t := time.NewTicker(s.srv.cfg.PingInterval)
		defer t.Stop()
		pings = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ob := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, ob.data)
			if ob.done != nil {
				ob.done <- err
			}
			if err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, ReasonTransport)
				return
			}
			s.framesOut.Add(1)
			s.srv.metrics.RecordFrameSent(ob.kind.String())
		case <-pings:
			deadline := time.Now().Add(s.srv.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, ReasonTransport)
				return
			}
		}
	}
}

func (s *Session) enqueue(msg protocol.Message, done chan error) error {
	if msg.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			s.srv.metrics.RecordErrorFrame(string(p.Code))
		}
	}
	data, err := s.srv.codec.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.out <- outbound{data: data, kind: msg.Type, done: done}:
		return nil
	case <-s.ctx.Done():
		return errors.WrapTransient(errors.ErrSessionClosed, "Session", "send", "enqueue frame")
	}
}

// send queues msg for the writer.
func (s *Session) send(msg protocol.Message) {
	if err := s.enqueue(msg, nil); err != nil && !stderrors.Is(err, errors.ErrSessionClosed) {
		s.log().Warn("dropping outbound frame", "type", msg.Type.String(), "error", err)
	}
}

// sendWait queues msg and returns once it was written to the socket.
func (s *Session) sendWait(msg protocol.Message) error {
	done := make(chan error, 1)
	if err := s.enqueue(msg, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return errors.WrapTransient(errors.ErrSessionClosed, "Session", "sendWait", "await write")
	}
}

// fail answers correlationID with an Error frame for err.
func (s *Session) fail(err error, correlationID string) {
	code := protocol.CodeFor(err)
	msg := err.Error()
	if code == protocol.CodeInternalError {
		msg = health.Sanitize(msg)
	}
	s.log().Debug("operation rejected", "code", code, "correlation_id", correlationID, "error", err)
	s.send(protocol.ErrorFrame(code, msg, correlationID))
}

func (s *Session) handleFrame(data []byte) {
	s.framesIn.Add(1)
	s.touch()

	msg, err := s.srv.codec.Decode(data)
	if err != nil {
		s.fail(err, msg.CorrelationID)
		return
	}
	s.srv.metrics.RecordFrameReceived(msg.Type.String())

	op, err := msg.Operation()
	if err != nil {
		s.fail(err, msg.CorrelationID)
		return
	}
	if p, ok := op.(protocol.Ping); ok {
		s.send(protocol.PongFrame(p.CorrelationID))
		return
	}

	switch s.State() {
	case StateAuthenticating:
		if a, ok := op.(protocol.Auth); ok {
			s.authenticate(a)
			return
		}
		s.fail(errors.WrapInvalid(errors.ErrAuthRequired, "Session", "handleFrame", "authenticate first"),
			msg.CorrelationID)
	case StateConnected:
		s.dispatch(op, msg.CorrelationID)
	}
}

func (s *Session) authenticate(a protocol.Auth) {
	req, err := a.Request()
	var id *auth.Identity
	if err == nil {
		id, err = s.srv.auth.Authenticate(s.ctx, auth.CredentialsFrom(req))
	}
	if err != nil {
		if !s.transition(StateAuthenticating, StateClosing) {
			return
		}
		s.srv.metrics.RecordAuth("failure")
		s.log().Info("authentication failed", "error", err)
		frame, _ := protocol.AuthFrame(protocol.AuthResponse{Success: false, Error: "authentication failed"}, a.CorrelationID)
		_ = s.sendWait(frame)
		s.closeWith(websocket.ClosePolicyViolation, ReasonAuthFailed)
		return
	}
	s.establish(id, a.CorrelationID)
}

// rejectReauth answers an Auth frame on an established session. A new
// credential needs a new connection; the current identity stays in force.
func (s *Session) rejectReauth(a protocol.Auth) {
	s.srv.metrics.RecordAuth("rejected")
	s.fail(errors.WrapInvalid(fmt.Errorf("%w: session already authenticated", errors.ErrAuthFailed),
		"Session", "rejectReauth", "re-authentication"), a.CorrelationID)
}

func notAuthorized(action, subj string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s %q", errors.ErrNotAuthorized, action, subj),
		"Session", "authorize", action)
}

func (s *Session) dispatch(op protocol.Operation, correlationID string) {
	id := s.identity.Load()
	if id.Expired(s.srv.clock.Now()) {
		s.expire(correlationID)
		return
	}
	if _, ok := op.(protocol.Pong); ok {
		return
	}
	if !s.srv.limiter.Allow(id.ClientID()) {
		s.fail(errors.WrapTransient(errors.ErrRateLimited, "Session", "dispatch", op.Type().String()), correlationID)
		return
	}

	switch o := op.(type) {
	case protocol.Publish:
		s.publish(id, o)
	case protocol.Subscribe:
		s.subscribe(id, o)
	case protocol.Unsubscribe:
		s.unsubscribe(o)
	case protocol.Request:
		s.request(id, o)
	case protocol.Reply:
		s.reply(id, o)
	case protocol.Ack:
		s.ack(o)
	case protocol.Auth:
		s.rejectReauth(o)
	case protocol.Error:
		s.log().Debug("device reported error", "code", o.Payload.Code, "message", o.Payload.Message)
	default:
		s.fail(errors.WrapInvalid(
			fmt.Errorf("%w: %s from device", errors.ErrUnexpectedMethod, op.Type()),
			"Session", "dispatch", "type check"), correlationID)
	}
}

func (s *Session) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.srv.cfg.OperationTimeout)
}

func (s *Session) publish(id *auth.Identity, o protocol.Publish) {
	if !id.CanPublish(o.Subject) {
		s.fail(notAuthorized("publish", o.Subject), o.CorrelationID)
		return
	}
	ctx, cancel := s.opContext()
	ack, err := s.srv.bridge.Publish(ctx, o.Subject, o.Payload)
	cancel()
	if err != nil {
		s.fail(err, o.CorrelationID)
		return
	}
	if o.CorrelationID != "" {
		s.send(protocol.AckFrame(protocol.AckPayload{
			Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate,
		}, o.CorrelationID))
	}
}

func (s *Session) subscribe(id *auth.Identity, o protocol.Subscribe) {
	if !id.CanSubscribe(o.Subject) {
		s.fail(notAuthorized("subscribe", o.Subject), o.CorrelationID)
		return
	}
	ready := make(chan struct{})
	defer close(ready)
	ctx, cancel := s.opContext()
	sub, err := s.srv.bridge.Subscribe(ctx, bridge.SubscribeRequest{
		SessionID: s.id,
		ClientID:  id.ClientID(),
		Subject:   o.Subject,
		Options:   o.Options,
		Deliver:   s.deliverAfter(ready),
	})
	cancel()
	if err != nil {
		s.fail(err, o.CorrelationID)
		return
	}
	if o.CorrelationID != "" {
		s.send(protocol.AckFrame(protocol.AckPayload{SubscriptionID: sub.ID(), Stream: sub.Stream()}, o.CorrelationID))
	}
}

func (s *Session) unsubscribe(o protocol.Unsubscribe) {
	ctx, cancel := s.opContext()
	_, err := s.srv.bridge.Unsubscribe(ctx, bridge.UnsubscribeRequest{
		SessionID:      s.id,
		SubscriptionID: o.Options.SubscriptionID,
		Subject:        o.Subject,
		DeleteDurable:  o.Options.DeleteDurable,
	})
	cancel()
	if err != nil {
		s.fail(err, o.CorrelationID)
		return
	}
	if o.CorrelationID != "" {
		s.send(protocol.AckFrame(protocol.AckPayload{SubscriptionID: o.Options.SubscriptionID}, o.CorrelationID))
	}
}

// request runs off the read loop so a slow responder does not stall the
// session.
func (s *Session) request(id *auth.Identity, o protocol.Request) {
	if !id.CanPublish(o.Subject) {
		s.fail(notAuthorized("request", o.Subject), o.CorrelationID)
		return
	}
	go func() {
		ctx, cancel := s.opContext()
		data, err := s.srv.bridge.Request(ctx, o.Subject, o.Payload)
		cancel()
		if err != nil {
			s.fail(err, o.CorrelationID)
			return
		}
		s.send(protocol.Message{
			Type:          protocol.TypeReply,
			Subject:       o.Subject,
			Payload:       rawJSON(data),
			CorrelationID: o.CorrelationID,
			Timestamp:     time.Now(),
		})
	}()
}

func (s *Session) reply(id *auth.Identity, o protocol.Reply) {
	if !id.CanPublish(o.Subject) {
		s.fail(notAuthorized("reply", o.Subject), o.CorrelationID)
		return
	}
	ctx, cancel := s.opContext()
	err := s.srv.bridge.Reply(ctx, o.Subject, o.Payload)
	cancel()
	if err != nil {
		s.fail(err, o.CorrelationID)
	}
}

func (s *Session) ack(o protocol.Ack) {
	_, deliveryID := protocol.SplitDeliveryTag(o.CorrelationID)
	if deliveryID == "" {
		s.fail(errors.WrapInvalid(fmt.Errorf("%w: ack without delivery id", errors.ErrInvalidData),
			"Session", "ack", "delivery id"), o.CorrelationID)
		return
	}
	if err := s.srv.bridge.Ack(s.id, deliveryID, o.Payload.Nak); err != nil {
		s.fail(err, o.CorrelationID)
	}
}

// deliverAfter returns a DeliverFunc that holds deliveries until ready is
// closed, so the subscribe Ack carrying the subscription id reaches the
// device before the first Message tagged with it.
func (s *Session) deliverAfter(ready <-chan struct{}) bridge.DeliverFunc {
	return func(d bridge.Delivery) error {
		select {
		case <-ready:
		case <-s.ctx.Done():
			return errors.WrapTransient(errors.ErrSessionClosed, "Session", "deliver", "await subscribe ack")
		}
		return s.deliver(d)
	}
}

// deliver writes a backend delivery and returns once it reached the socket.
func (s *Session) deliver(d bridge.Delivery) error {
	msg := protocol.Message{
		Type:          protocol.TypeMessage,
		Subject:       d.Subject,
		Payload:       rawJSON(d.Payload),
		CorrelationID: protocol.DeliveryTag(d.SubscriptionID, d.ID),
		Timestamp:     time.Now(),
	}
	err := s.sendWait(msg)
	if errors.IsInvalid(err) {
		// Undeliverable to any device; redelivery would loop forever.
		s.log().Warn("dropping delivery", "subject", d.Subject, "seq", d.Sequence, "error", err)
		return nil
	}
	return err
}

// expire closes a session whose credential lapsed.
func (s *Session) expire(correlationID string) {
	s.log().Info("identity expired")
	_ = s.sendWait(protocol.ErrorFrame(protocol.CodeAuthFailed, "token expired", correlationID))
	s.closeWith(websocket.ClosePolicyViolation, ReasonAuthFailed)
}

// Close closes the session normally.
func (s *Session) Close() {
	s.closeWith(websocket.CloseNormalClosure, ReasonClientClosed)
}

func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosing))
		s.stopTimers()
		s.mu.Unlock()
		s.reason.Store(reason)

		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		s.cancel()
		_ = s.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.OperationTimeout)
		s.srv.bridge.CloseSession(ctx, s.id)
		cancel()

		// The rate-limit bucket stays: it belongs to the identity, not the
		// connection.
		if s.ClientID() != "" {
			s.srv.registry.Remove(s)
		}
		s.srv.sessions.Delete(s.id)
		s.srv.metrics.RecordSessionClosed(reason, s.counted.Load())
		s.state.Store(int32(StateClosed))
		close(s.closed)
		s.log().Info("session closed", "reason", reason,
			"frames_in", s.framesIn.Load(), "frames_out", s.framesOut.Load())
	})
}

// rawJSON passes valid JSON through and wraps anything else as a string.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// SessionInfo is the /sessions view of one session.
type SessionInfo struct {
	ID            string           `json:"id"`
	ClientID      string           `json:"clientId,omitempty"`
	Role          string           `json:"role,omitempty"`
	DeviceType    string           `json:"deviceType,omitempty"`
	RemoteAddr    string           `json:"remoteAddr"`
	State         string           `json:"state"`
	Idle          bool             `json:"idle"`
	OpenedAt      time.Time        `json:"openedAt"`
	ConnectedAt   *time.Time       `json:"connectedAt,omitempty"`
	LastActivity  time.Time        `json:"lastActivity"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	FramesIn      uint64           `json:"framesIn"`
	FramesOut     uint64           `json:"framesOut"`
	Subscriptions []bridge.Binding `json:"subscriptions,omitempty"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:            s.id,
		RemoteAddr:    s.remoteAddr,
		State:         s.State().String(),
		Idle:          s.Idle(),
		OpenedAt:      s.openedAt,
		LastActivity:  time.Unix(0, s.lastFrame.Load()),
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		Subscriptions: s.srv.bridge.SessionBindings(s.id),
	}
	if id := s.identity.Load(); id != nil {
		info.ClientID = id.ClientID()
		info.Role = id.Role()
		info.DeviceType = id.DeviceType()
		if exp := id.ExpiresAt(); !exp.IsZero() {
			info.ExpiresAt = &exp
		}
	}
	if c := s.connected.Load(); c != 0 {
		t := time.Unix(0, c)
		info.ConnectedAt = &t
	}
	return info
}
