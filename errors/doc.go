// Package errors provides standardized error handling for the bridge components.
//
// # Overview
//
// Errors fall into three classes:
//
//   - Transient: transport loss, timeouts, busy backend, rate limiting (retry later)
//   - Invalid: bad frames, bad subjects, rejected credentials, missing permissions (do not retry)
//   - Fatal: broken configuration or exhausted resources (stop)
//
// The gateway uses the class to decide between answering with an Error frame and
// closing a session. The device SDK uses it to decide whether to schedule a
// reconnect: a transient failure reconnects with backoff, an authentication
// rejection does not.
//
// # Wrapping
//
// Every component wraps failures with its name, the method and the failed action:
//
//	if err := js.Publish(ctx, subject, data); err != nil {
//	    return errors.WrapTransient(err, "Bridge", "Publish", "jetstream publish")
//	}
//
// which renders as "Bridge.Publish: jetstream publish failed: <cause>". Sentinels
// survive wrapping, so callers keep using errors.Is:
//
//	if stderrors.Is(err, errors.ErrAuthFailed) {
//	    // surface to the operator, no retry
//	}
//
// Packages that import this package alias the standard library as stderrors.
package errors
