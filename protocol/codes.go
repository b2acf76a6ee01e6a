package protocol

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/wsbridge/errors"
)

// ErrorCode is the closed set of codes carried in Error frames.
type ErrorCode string

const (
	CodeAuthFailed      ErrorCode = "AUTH_FAILED"
	CodeAuthTimeout     ErrorCode = "AUTH_TIMEOUT"
	CodeNotAuthorized   ErrorCode = "NOT_AUTHORIZED"
	CodeInvalidSubject  ErrorCode = "INVALID_SUBJECT"
	CodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

var codeSentinels = []struct {
	err  error
	code ErrorCode
}{
	{errors.ErrAuthTimeout, CodeAuthTimeout},
	{errors.ErrAuthFailed, CodeAuthFailed},
	{errors.ErrTokenExpired, CodeAuthFailed},
	{errors.ErrNotAuthorized, CodeNotAuthorized},
	{errors.ErrAuthRequired, CodeNotAuthorized},
	{errors.ErrInvalidSubject, CodeInvalidSubject},
	{errors.ErrPayloadTooLarge, CodePayloadTooLarge},
	{errors.ErrRateLimited, CodeRateLimit},
}

// CodeFor maps an error to its wire code. Anything unrecognised, including
// malformed frames, unknown types and backend failures, is INTERNAL_ERROR.
func CodeFor(err error) ErrorCode {
	for _, cs := range codeSentinels {
		if stderrors.Is(err, cs.err) {
			return cs.code
		}
	}
	return CodeInternalError
}

// Err converts a received code back into the matching sentinel so device
// code can test it with errors.Is.
func (c ErrorCode) Err() error {
	for _, cs := range codeSentinels {
		if cs.code == c {
			return cs.err
		}
	}
	return errors.ErrInvalidData
}

// RemoteError is an Error frame surfaced to SDK callers.
type RemoteError struct {
	Code          ErrorCode
	Message       string
	CorrelationID string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel for errors.Is.
func (e *RemoteError) Unwrap() error {
	return e.Code.Err()
}
