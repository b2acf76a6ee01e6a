package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
		class     ErrorClass
	}{
		{"nil", nil, false, false, false, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, true, false, false, ErrorTransient},
		{"heartbeat timeout", ErrHeartbeatTimeout, true, false, false, ErrorTransient},
		{"backend busy", ErrBackendBusy, true, false, false, ErrorTransient},
		{"rate limited", ErrRateLimited, true, false, false, ErrorTransient},
		{"deadline", context.DeadlineExceeded, true, false, false, ErrorTransient},
		{"canceled", fmt.Errorf("dial: %w", context.Canceled), true, false, false, ErrorTransient},
		{"raw socket reset", fmt.Errorf("read tcp: connection reset by peer"), true, false, false, ErrorTransient},
		{"auth failed", ErrAuthFailed, false, true, false, ErrorInvalid},
		{"wrapped not authorized", fmt.Errorf("publish: %w", ErrNotAuthorized), false, true, false, ErrorInvalid},
		{"buffer full", ErrBufferFull, false, true, false, ErrorInvalid},
		{"payload too large", ErrPayloadTooLarge, false, true, false, ErrorInvalid},
		{"invalid config", ErrInvalidConfig, false, false, true, ErrorFatal},
		{"resource exhausted", ErrResourceExhausted, false, false, true, ErrorFatal},
		{"unknown", fmt.Errorf("something odd"), false, false, false, ErrorTransient},
		{"explicit invalid beats timeout sentinel", WrapInvalid(ErrConnectionTimeout, "c", "m", "a"), false, true, false, ErrorInvalid},
		{"explicit transient beats invalid sentinel", WrapTransient(ErrInvalidData, "c", "m", "a"), true, false, false, ErrorTransient},
		{"explicit fatal", WrapFatal(ErrSessionClosed, "c", "m", "a"), false, false, true, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.invalid, IsInvalid(tt.err), "IsInvalid")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
			assert.Equal(t, tt.class, Classify(tt.err))
		})
	}
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Bridge", "Publish", "publish"))

	err := Wrap(fmt.Errorf("no responders"), "Bridge", "Publish", "jetstream publish")
	assert.EqualError(t, err, "Bridge.Publish: jetstream publish failed: no responders")
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapFatal", WrapFatal, ErrorFatal},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(ErrAuthFailed, "Session", "handleAuth", "verify token")

			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Session", ce.Component)
			assert.Equal(t, "handleAuth", ce.Operation)
			assert.EqualError(t, err, "Session.handleAuth: verify token failed: authentication failed")
			assert.ErrorIs(t, err, ErrAuthFailed, "sentinel survives wrapping")
		})

		assert.Nil(t, tt.wrap(nil, "c", "m", "a"))
	}
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("base error")}
	assert.EqualError(t, ce, "base error")
}

func BenchmarkIsTransient(b *testing.B) {
	err := WrapTransient(ErrConnectionTimeout, "c", "m", "a")
	for i := 0; i < b.N; i++ {
		IsTransient(err)
	}
}
