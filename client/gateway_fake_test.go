package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/c360/wsbridge/protocol"
)

// fakeGateway speaks just enough of the gateway protocol to drive the
// client through its states. Every frame it receives is recorded.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	status       atomic.Int32 // non-zero fails the handshake with this status
	rejectAuth   atomic.Bool
	noPong       atomic.Bool
	holdSubAcks  atomic.Bool
	silentReq    atomic.Bool
	dials        atomic.Int32
	subCounter   atomic.Int32
	forbidPrefix string

	mu    sync.Mutex
	conns []*fakeConn
}

type fakeConn struct {
	gw     *fakeGateway
	ws     *websocket.Conn
	codec  protocol.Codec
	frames chan protocol.Message
	done   chan struct{}

	writeMu sync.Mutex
	heldMu  sync.Mutex
	held    []protocol.Message
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	gw := &fakeGateway{t: t, forbidPrefix: "forbidden."}
	gw.srv = httptest.NewServer(http.HandlerFunc(gw.serve))
	t.Cleanup(func() {
		gw.mu.Lock()
		for _, c := range gw.conns {
			_ = c.ws.Close()
		}
		gw.mu.Unlock()
		gw.srv.Close()
	})
	return gw
}

func (gw *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(gw.srv.URL, "http") + "/ws"
}

func (gw *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	gw.dials.Add(1)
	if code := gw.status.Load(); code != 0 {
		http.Error(w, http.StatusText(int(code)), int(code))
		return
	}
	ws, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &fakeConn{
		gw:     gw,
		ws:     ws,
		codec:  protocol.NewCodec(0),
		frames: make(chan protocol.Message, 256),
		done:   make(chan struct{}),
	}
	gw.mu.Lock()
	gw.conns = append(gw.conns, c)
	gw.mu.Unlock()

	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		c.authOK("")
	}
	go c.read()
}

// conn waits for the n-th accepted connection (1-based).
func (gw *fakeGateway) conn(n int) *fakeConn {
	gw.t.Helper()
	var c *fakeConn
	require.Eventually(gw.t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		if len(gw.conns) >= n {
			c = gw.conns[n-1]
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "connection %d never arrived", n)
	return c
}

func (gw *fakeGateway) connCount() int {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return len(gw.conns)
}

func (c *fakeConn) read() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := c.codec.Decode(data)
		if err != nil {
			continue
		}
		c.frames <- msg
		c.respond(msg)
	}
}

func (c *fakeConn) respond(msg protocol.Message) {
	gw := c.gw
	switch msg.Type {
	case protocol.TypeAuth:
		if gw.rejectAuth.Load() {
			frame, _ := protocol.AuthFrame(protocol.AuthResponse{Success: false, Error: "authentication failed"}, msg.CorrelationID)
			c.send(frame)
			c.close(websocket.ClosePolicyViolation, string(protocol.CodeAuthFailed))
			return
		}
		c.authOK(msg.CorrelationID)
	case protocol.TypePing:
		if !gw.noPong.Load() {
			c.send(protocol.PongFrame(msg.CorrelationID))
		}
	case protocol.TypeSubscribe:
		if strings.HasPrefix(msg.Subject, gw.forbidPrefix) {
			c.send(protocol.ErrorFrame(protocol.CodeNotAuthorized, "subscribe not allowed", msg.CorrelationID))
			return
		}
		ack := protocol.AckFrame(protocol.AckPayload{
			SubscriptionID: fmt.Sprintf("sub-%d", gw.subCounter.Add(1)),
			Stream:         "COMMANDS",
		}, msg.CorrelationID)
		if gw.holdSubAcks.Load() {
			c.heldMu.Lock()
			c.held = append(c.held, ack)
			c.heldMu.Unlock()
			return
		}
		c.send(ack)
	case protocol.TypePublish, protocol.TypeUnsubscribe:
		if msg.CorrelationID != "" {
			c.send(protocol.AckFrame(protocol.AckPayload{Stream: "TELEMETRY", Sequence: 1}, msg.CorrelationID))
		}
	case protocol.TypeRequest:
		if gw.silentReq.Load() {
			return
		}
		c.send(protocol.Message{
			Type:          protocol.TypeReply,
			Subject:       msg.Subject,
			Payload:       msg.Payload,
			CorrelationID: msg.CorrelationID,
		})
	}
}

func (c *fakeConn) authOK(corr string) {
	frame, _ := protocol.AuthFrame(protocol.AuthResponse{
		Success:          true,
		ClientID:         "dev-1",
		Role:             "sensor",
		AllowedPublish:   []string{"telemetry.dev-1.>"},
		AllowedSubscribe: []string{"commands.dev-1.>"},
	}, corr)
	c.send(frame)
}

func (c *fakeConn) send(msg protocol.Message) {
	data, err := c.codec.Encode(msg)
	if err != nil {
		c.gw.t.Errorf("fake gateway encode: %v", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *fakeConn) deliver(subj string, payload any, corr string) {
	raw, _ := json.Marshal(payload)
	c.send(protocol.Message{Type: protocol.TypeMessage, Subject: subj, Payload: raw, CorrelationID: corr})
}

func (c *fakeConn) releaseAcks() {
	c.heldMu.Lock()
	held := c.held
	c.held = nil
	c.heldMu.Unlock()
	for _, m := range held {
		c.send(m)
	}
}

func (c *fakeConn) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// next returns the next recorded frame of type typ, skipping heartbeats.
func (c *fakeConn) next(t *testing.T, typ protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-c.frames:
			if m.Type == protocol.TypePing && typ != protocol.TypePing {
				continue
			}
			require.Equal(t, typ, m.Type, "unexpected %s frame", m.Type)
			return m
		case <-deadline:
			t.Fatalf("no %s frame received", typ)
			return protocol.Message{}
		}
	}
}

// quiet asserts no non-heartbeat frame arrives within d.
func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case m := <-c.frames:
			if m.Type == protocol.TypePing {
				continue
			}
			t.Fatalf("unexpected %s frame on %q", m.Type, m.Subject)
		case <-deadline:
			return
		}
	}
}
