package client

import (
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/c360/wsbridge/errors"
)

func TestLoop_Classify(t *testing.T) {
	cfg := DefaultConfig("ws://gw/ws", "tok")
	cfg.Reconnect.MaxAuthFailures = 2
	l := &loop{c: &Client{cfg: cfg}}

	authErr := errors.WrapInvalid(fmt.Errorf("%w: bad", errors.ErrAuthFailed), "t", "t", "t")
	assert.NoError(t, l.classify(authErr), "first rejection is retried")
	assert.Error(t, l.classify(authErr), "second rejection is final")

	l.authFailures = 0
	lost := errors.WrapTransient(errors.ErrConnectionLost, "t", "t", "t")
	assert.NoError(t, l.classify(lost))

	fatal := errors.WrapFatal(errors.ErrSessionClosed, "t", "t", "t")
	assert.ErrorIs(t, l.classify(fatal), errors.ErrSessionClosed)

	l.c.cfg.Reconnect.Enabled = false
	assert.ErrorIs(t, l.classify(lost), errors.ErrConnectionLost)
}

func TestLoop_Closed(t *testing.T) {
	l := &loop{}
	tests := []struct {
		text   string
		target error
		fatal  bool
	}{
		{"AUTH_FAILED", errors.ErrAuthFailed, false},
		{"AUTH_TIMEOUT", errors.ErrAuthTimeout, false},
		{"SESSION_REPLACED", errors.ErrSessionClosed, true},
		{"SERVER_SHUTDOWN", errors.ErrConnectionLost, false},
		{"IDLE_TIMEOUT", errors.ErrConnectionLost, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			err := l.closed(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: tt.text})
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.fatal, errors.IsFatal(err))
		})
	}

	err := l.closed(fmt.Errorf("read tcp: connection reset by peer"))
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.True(t, errors.IsTransient(err))
}
