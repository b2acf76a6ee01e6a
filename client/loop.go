package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/subject"
	"github.com/c360/wsbridge/protocol"
)

const (
	// Close reason sent by the gateway when a newer connection takes over
	// the same client id.
	closeReplaced = "SESSION_REPLACED"
	closeClient   = "CLIENT_CLOSED"

	// frameOverhead allows for the envelope around a maximum-size payload.
	frameOverhead = 4096
)

type inbound struct {
	msg  protocol.Message
	size int
	err  error
}

type pendingOp struct {
	deadline time.Time
	done     func(protocol.Message, error)
}

// loop is the connection state owned by the I/O goroutine. Nothing here is
// touched from any other goroutine.
type loop struct {
	c *Client

	attempt      int
	authFailures int
	gen          uint64

	ws         *websocket.Conn
	frames     chan inbound
	stop       chan struct{}
	readerDone chan struct{}

	pending     map[string]*pendingOp
	subWaiters  map[string][]chan result
	subscribing int
	inflight    *Outbound

	missed    int
	pongTimer *time.Timer
	pongC     <-chan time.Time
}

func (c *Client) run(ctx context.Context, ready chan<- error, done chan struct{}) {
	defer close(done)

	l := &loop{
		c:          c,
		pending:    make(map[string]*pendingOp),
		subWaiters: make(map[string][]chan result),
	}
	signalled := false
	signal := func(err error) {
		if !signalled {
			signalled = true
			ready <- err
		}
	}
	stopped := func() {
		signal(errors.WrapFatal(errors.ErrShuttingDown, "Client", "run", "stopped"))
	}
	terminate := func(err error) {
		c.logger.Warn("connection ended", "error", err)
		c.setState(StateDisconnected)
		c.emitError(err)
		signal(err)
	}

	for {
		err := l.session(ctx, func() { signal(nil) })
		if ctx.Err() != nil {
			stopped()
			return
		}
		if final := l.classify(err); final != nil {
			terminate(final)
			return
		}

		l.attempt++
		if limit := c.cfg.Reconnect.MaxAttempts; limit > 0 && l.attempt > limit {
			terminate(errors.WrapFatal(
				fmt.Errorf("%w: %d attempts: %v", errors.ErrMaxRetriesExceeded, limit, err),
				"Client", "run", "reconnect"))
			return
		}

		delay := c.backoff.Delay(l.attempt)
		c.stats.reconnects.Add(1)
		c.setState(StateReconnecting)
		c.emitError(err)
		c.logger.Info("reconnecting", "attempt", l.attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		ok := l.idle(ctx, timer.C)
		timer.Stop()
		if !ok {
			stopped()
			return
		}
	}
}

// classify returns the error that ends the run loop, or nil to reconnect.
func (l *loop) classify(err error) error {
	cfg := l.c.cfg
	if stderrors.Is(err, errors.ErrAuthFailed) {
		l.authFailures++
		if l.authFailures >= max(cfg.Reconnect.MaxAuthFailures, 1) {
			return errors.WrapFatal(err, "Client", "run",
				fmt.Sprintf("%d consecutive authentication failures", l.authFailures))
		}
	}
	if errors.IsFatal(err) || !cfg.Reconnect.Enabled {
		return err
	}
	return nil
}

// idle waits for wait while answering commands with ErrNotConnected.
func (l *loop) idle(ctx context.Context, wait <-chan time.Time) bool {
	for {
		select {
		case <-wait:
			return true
		case cmd := <-l.c.cmds:
			l.reject(cmd)
		case <-ctx.Done():
			return false
		}
	}
}

func (l *loop) reject(cmd command) {
	cmd.reply <- result{err: errors.WrapTransient(errors.ErrNotConnected, "Client", "send", "connection not ready")}
}

// session runs one connection from dial to loss.
func (l *loop) session(ctx context.Context, connected func()) error {
	c := l.c
	c.setState(StateConnecting)
	ws, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.open(ws)
	defer l.teardown(ctx)

	c.setState(StateAuthenticating)
	if err := l.authenticate(ctx); err != nil {
		return err
	}

	l.gen++
	l.authFailures = 0
	l.missed = 0
	c.stats.connectedAt.Store(time.Now().UnixNano())
	c.setState(StateConnected)
	connected()
	c.logger.Info("connected", "client_id", c.AuthInfo().ClientID, "generation", l.gen)

	return l.serve(ctx)
}

func (l *loop) dial(ctx context.Context) (*websocket.Conn, error) {
	c := l.c
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.HeaderAuth {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	type dialed struct {
		ws   *websocket.Conn
		resp *http.Response
		err  error
	}
	out := make(chan dialed, 1)
	go func() {
		ws, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, header)
		out <- dialed{ws, resp, err}
	}()

	for {
		select {
		case d := <-out:
			if d.err == nil {
				return d.ws, nil
			}
			if d.resp != nil {
				if d.resp.Body != nil {
					_ = d.resp.Body.Close()
				}
				if d.resp.StatusCode == http.StatusUnauthorized {
					return nil, errors.WrapInvalid(fmt.Errorf("%w: gateway returned 401", errors.ErrAuthFailed),
						"Client", "dial", "handshake")
				}
			}
			return nil, errors.WrapTransient(d.err, "Client", "dial", c.cfg.URL)
		case cmd := <-c.cmds:
			l.reject(cmd)
		}
	}
}

// open starts the reader goroutine for ws.
func (l *loop) open(ws *websocket.Conn) {
	c := l.c
	ws.SetReadLimit(int64(c.cfg.MaxPayloadSize) + frameOverhead)

	frames := make(chan inbound)
	stop := make(chan struct{})
	done := make(chan struct{})
	l.ws, l.frames, l.stop, l.readerDone = ws, frames, stop, done

	go func() {
		defer close(done)
		for {
			var in inbound
			_, data, err := ws.ReadMessage()
			if err != nil {
				in.err = err
			} else {
				msg, derr := c.codec.Decode(data)
				if derr != nil {
					c.logger.Warn("dropping malformed frame", "error", derr)
					c.emitError(derr)
					continue
				}
				in = inbound{msg: msg, size: len(data)}
			}
			select {
			case frames <- in:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// teardown closes the socket and fails everything still waiting on it.
func (l *loop) teardown(ctx context.Context) {
	cause := errors.WrapTransient(errors.ErrConnectionLost, "Client", "session", "connection closed")
	if ctx.Err() != nil {
		cause = errors.WrapFatal(errors.ErrShuttingDown, "Client", "session", "client closed")
	}

	close(l.stop)
	_ = l.ws.Close()
	<-l.readerDone

	for corr, p := range l.pending {
		delete(l.pending, corr)
		p.done(protocol.Message{}, cause)
	}
	for id, waiters := range l.subWaiters {
		for _, w := range waiters {
			w <- result{err: cause}
		}
		delete(l.subWaiters, id)
	}
	l.subscribing = 0
	l.stopPongTimer()
	l.ws = nil
}

func (l *loop) authenticate(ctx context.Context) error {
	c := l.c
	if !c.cfg.HeaderAuth {
		frame, err := protocol.AuthFrame(protocol.AuthRequest{
			Token:      c.cfg.Token,
			DeviceID:   c.cfg.DeviceID,
			DeviceType: c.cfg.DeviceType,
		}, "")
		if err != nil {
			return errors.WrapInvalid(err, "Client", "authenticate", "encode credential")
		}
		if err := l.write(frame); err != nil {
			return err
		}
	}

	timer := time.NewTimer(c.cfg.AuthTimeout)
	defer timer.Stop()
	for {
		select {
		case in := <-l.frames:
			if in.err != nil {
				return l.closed(in.err)
			}
			c.stats.received(in.size)
			switch in.msg.Type {
			case protocol.TypeAuth:
				var resp protocol.AuthResponse
				if err := in.msg.DecodePayload(&resp); err != nil {
					return errors.WrapInvalid(err, "Client", "authenticate", "decode response")
				}
				if !resp.Success {
					return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAuthFailed, resp.Error),
						"Client", "authenticate", "gateway rejected credential")
				}
				c.authMu.Lock()
				c.auth = resp
				c.authMu.Unlock()
				return nil
			case protocol.TypeError:
				return remoteError(in.msg)
			default:
				c.logger.Debug("ignoring frame before auth", "type", in.msg.Type.String())
			}
		case cmd := <-c.cmds:
			l.reject(cmd)
		case <-timer.C:
			return errors.WrapTransient(errors.ErrAuthTimeout, "Client", "authenticate", "no response from gateway")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *loop) serve(ctx context.Context) error {
	c := l.c

	for _, sub := range c.subsSnapshot() {
		if err := l.issue(sub, nil); err != nil {
			return err
		}
	}
	if l.subscribing == 0 {
		if err := l.drain(); err != nil {
			return err
		}
	}

	var heartbeat <-chan time.Time
	if c.cfg.Heartbeat.Enabled {
		t := time.NewTicker(c.cfg.Heartbeat.Interval)
		defer t.Stop()
		heartbeat = t.C
	}
	sweep := time.NewTicker(max(c.cfg.OperationTimeout/2, 50*time.Millisecond))
	defer sweep.Stop()

	var stable <-chan time.Time
	if c.cfg.Reconnect.ResetAfter <= 0 {
		l.attempt = 0
	} else {
		t := time.NewTimer(c.cfg.Reconnect.ResetAfter)
		defer t.Stop()
		stable = t.C
	}

	for {
		select {
		case in := <-l.frames:
			if in.err != nil {
				return l.closed(in.err)
			}
			c.stats.received(in.size)
			if err := l.handle(in.msg); err != nil {
				return err
			}
		case cmd := <-c.cmds:
			if err := l.exec(cmd); err != nil {
				return err
			}
		case <-c.wake:
			if l.subscribing == 0 {
				if err := l.drain(); err != nil {
					return err
				}
			}
		case <-heartbeat:
			if err := l.write(protocol.PingFrame("")); err != nil {
				return err
			}
			if l.pongC == nil {
				l.pongTimer = time.NewTimer(c.cfg.Heartbeat.Timeout)
				l.pongC = l.pongTimer.C
			}
		case <-l.pongC:
			l.pongTimer, l.pongC = nil, nil
			l.missed++
			c.logger.Debug("heartbeat missed", "missed", l.missed)
			if l.missed >= c.cfg.Heartbeat.MaxMissed {
				return errors.WrapTransient(errors.ErrHeartbeatTimeout, "Client", "serve",
					fmt.Sprintf("%d pongs missed", l.missed))
			}
		case now := <-sweep.C:
			l.expire(now)
		case <-stable:
			stable = nil
			l.attempt = 0
		case <-ctx.Done():
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeClient),
				time.Now().Add(time.Second))
			return ctx.Err()
		}
	}
}

func (l *loop) handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeMessage:
		l.deliver(msg)
	case protocol.TypeAck, protocol.TypeReply:
		if !l.resolve(msg.CorrelationID, msg, nil) {
			l.c.logger.Debug("uncorrelated frame", "type", msg.Type.String(), "correlation_id", msg.CorrelationID)
		}
	case protocol.TypeError:
		err := remoteError(msg)
		if !l.resolve(msg.CorrelationID, protocol.Message{}, err) {
			l.c.logger.Warn("gateway error", "error", err)
			l.c.emitError(err)
		}
	case protocol.TypePong:
		l.missed = 0
		l.stopPongTimer()
	case protocol.TypePing:
		return l.write(protocol.PongFrame(msg.CorrelationID))
	default:
		l.c.logger.Debug("ignoring frame", "type", msg.Type.String())
	}
	return nil
}

// deliver hands a Message frame to the one subscription it was sent for.
// The gateway tags each frame with the subscription id from the subscribe
// Ack; untagged frames go to the oldest subscription whose pattern matches.
func (l *loop) deliver(msg protocol.Message) {
	c := l.c
	remoteID, _ := protocol.SplitDeliveryTag(msg.CorrelationID)
	c.subsMu.Lock()
	var target *subscription
	for _, s := range c.subs {
		if remoteID != "" {
			if s.acked && s.remoteID == remoteID {
				target = s
				break
			}
		} else if subject.Match(msg.Subject, s.subject) {
			target = s
			break
		}
	}
	c.subsMu.Unlock()

	if target == nil {
		c.logger.Debug("delivery without subscription", "subject", msg.Subject, "subscription_id", remoteID)
		return
	}
	m := &Message{Subject: msg.Subject, Payload: msg.Payload, Timestamp: msg.Timestamp, client: c}
	if target.opts.ManualAck() {
		m.DeliveryID = msg.CorrelationID
	}
	h := target.handler
	if err := c.events.Submit(func() { h(m) }); err != nil {
		c.logger.Warn("delivery dropped", "subject", msg.Subject, "error", err)
	}
}

func (l *loop) exec(cmd command) error {
	if cmd.sub != nil {
		return l.issue(cmd.sub, cmd.reply)
	}
	// Publishes queue behind the backlog so buffered messages go out first.
	if cmd.frame.Type == protocol.TypePublish && l.backlogged() {
		cmd.reply <- result{err: errors.WrapTransient(errors.ErrNotConnected, "Client", "publish", "behind buffered messages")}
		select {
		case l.c.wake <- struct{}{}:
		default:
		}
		return nil
	}

	corr := cmd.frame.CorrelationID
	if cmd.await {
		reply := cmd.reply
		l.track(corr, func(msg protocol.Message, err error) { reply <- result{msg: msg, err: err} })
	}
	if err := l.write(cmd.frame); err != nil {
		if cmd.await {
			l.resolve(corr, protocol.Message{}, err)
		} else {
			cmd.reply <- result{err: err}
		}
		if errors.IsInvalid(err) {
			return nil
		}
		return err
	}
	if !cmd.await {
		cmd.reply <- result{}
	}
	return nil
}

func (l *loop) backlogged() bool {
	return l.subscribing > 0 || l.inflight != nil || l.c.outbox.Size() > 0
}

// issue sends a subscribe frame for sub unless it was already sent on this
// connection. waiter, when set, receives the gateway's answer.
func (l *loop) issue(sub *subscription, waiter chan result) error {
	c := l.c
	c.subsMu.Lock()
	live := slices.Contains(c.subs, sub)
	issued, acked := sub.issued == l.gen, sub.acked
	if live && !issued {
		sub.issued, sub.acked = l.gen, false
	}
	c.subsMu.Unlock()

	switch {
	case !live:
		if waiter != nil {
			waiter <- result{}
		}
		return nil
	case issued && acked:
		if waiter != nil {
			waiter <- result{}
		}
		return nil
	case issued:
		if waiter != nil {
			l.subWaiters[sub.id] = append(l.subWaiters[sub.id], waiter)
		}
		return nil
	}
	if waiter != nil {
		l.subWaiters[sub.id] = append(l.subWaiters[sub.id], waiter)
	}

	frame, err := protocol.NewMessage(protocol.TypeSubscribe, sub.subject, sub.opts)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "issue", "encode options")
	}
	frame.CorrelationID = uuid.NewString()

	gen := l.gen
	l.subscribing++
	l.track(frame.CorrelationID, func(resp protocol.Message, err error) {
		l.subscribing--
		l.settled(sub, gen, resp, err)
		if l.subscribing == 0 {
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	})
	return l.write(frame)
}

func (l *loop) settled(sub *subscription, gen uint64, resp protocol.Message, err error) {
	c := l.c
	waiters := l.subWaiters[sub.id]
	delete(l.subWaiters, sub.id)

	var remote *protocol.RemoteError
	switch {
	case err == nil:
		var ack protocol.AckPayload
		_ = resp.DecodePayload(&ack)
		c.subsMu.Lock()
		if sub.issued == gen {
			sub.remoteID, sub.stream, sub.acked = ack.SubscriptionID, ack.Stream, true
		}
		c.subsMu.Unlock()
	case stderrors.As(err, &remote):
		c.logger.Warn("subscription rejected", "subject", sub.subject, "error", err)
		_, _, _ = c.removeSub(sub.id)
		if len(waiters) == 0 {
			c.emitError(err)
		}
	default:
		c.subsMu.Lock()
		if sub.issued == gen {
			sub.issued = 0
		}
		c.subsMu.Unlock()
	}

	for _, w := range waiters {
		w <- result{msg: resp, err: err}
	}
}

// drain sends buffered publishes oldest first. A message whose write fails
// stays in flight and is sent first on the next connection.
func (l *loop) drain() error {
	c := l.c
	sent := 0
	for {
		if l.inflight == nil {
			item, ok := c.outbox.Read()
			if !ok {
				break
			}
			l.inflight = &item
		}
		item := *l.inflight

		frame := protocol.Message{
			Type:      protocol.TypePublish,
			Subject:   item.Subject,
			Payload:   item.Payload,
			Timestamp: item.CapturedAt,
		}
		if item.QoS == AtLeastOnce {
			frame.CorrelationID = uuid.NewString()
			l.track(frame.CorrelationID, func(_ protocol.Message, err error) {
				if err != nil {
					c.logger.Warn("buffered publish not confirmed", "subject", item.Subject, "error", err)
					c.emitError(err)
				}
			})
		}
		if err := l.write(frame); err != nil {
			if !errors.IsInvalid(err) {
				return err
			}
			l.resolve(frame.CorrelationID, protocol.Message{}, err)
		} else {
			sent++
		}
		l.inflight = nil
	}
	if sent > 0 {
		c.logger.Info("flushed buffered messages", "count", sent)
	}
	return nil
}

func (l *loop) track(corr string, done func(protocol.Message, error)) {
	l.pending[corr] = &pendingOp{
		deadline: time.Now().Add(l.c.cfg.OperationTimeout),
		done:     done,
	}
}

func (l *loop) resolve(corr string, msg protocol.Message, err error) bool {
	if corr == "" {
		return false
	}
	p, ok := l.pending[corr]
	if !ok {
		return false
	}
	delete(l.pending, corr)
	p.done(msg, err)
	return true
}

func (l *loop) expire(now time.Time) {
	for corr, p := range l.pending {
		if now.After(p.deadline) {
			delete(l.pending, corr)
			p.done(protocol.Message{}, errors.WrapTransient(errors.ErrRequestTimeout, "Client", "expire", corr))
		}
	}
}

func (l *loop) write(frame protocol.Message) error {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	data, err := l.c.codec.Encode(frame)
	if err != nil {
		return err
	}
	_ = l.ws.SetWriteDeadline(time.Now().Add(l.c.cfg.WriteTimeout))
	if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Client", "write", frame.Type.String())
	}
	l.c.stats.sent(len(data))
	return nil
}

func (l *loop) stopPongTimer() {
	if l.pongTimer != nil {
		l.pongTimer.Stop()
	}
	l.pongTimer, l.pongC = nil, nil
}

// closed maps a read error to the reason the connection ended.
func (l *loop) closed(err error) error {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		switch ce.Text {
		case string(protocol.CodeAuthFailed):
			return errors.WrapInvalid(fmt.Errorf("%w: closed by gateway", errors.ErrAuthFailed),
				"Client", "read", "close frame")
		case string(protocol.CodeAuthTimeout):
			return errors.WrapTransient(fmt.Errorf("%w: closed by gateway", errors.ErrAuthTimeout),
				"Client", "read", "close frame")
		case closeReplaced:
			return errors.WrapFatal(fmt.Errorf("%w: replaced by a newer connection", errors.ErrSessionClosed),
				"Client", "read", "close frame")
		}
		return errors.WrapTransient(fmt.Errorf("%w: closed by gateway (%d %s)", errors.ErrConnectionLost, ce.Code, ce.Text),
			"Client", "read", "close frame")
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Client", "read", "socket")
}

func remoteError(msg protocol.Message) error {
	var p protocol.ErrorPayload
	_ = msg.DecodePayload(&p)
	return &protocol.RemoteError{Code: p.Code, Message: p.Message, CorrelationID: msg.CorrelationID}
}
