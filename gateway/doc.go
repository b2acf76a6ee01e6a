// Package gateway terminates device WebSocket connections.
//
// Each connection is a Session that moves through
// Connecting, Authenticating, Connected, Closing and Closed. A session must
// authenticate with an Auth frame before AuthTimeout, or up front with an
// "Authorization: Bearer" header on the upgrade request. Once connected,
// every frame passes the codec, the identity expiry check, the per-client
// rate limiter and the subject permissions before it reaches the bridge.
// Failures are answered with an Error frame and leave the session open.
//
// The Registry indexes sessions by client id. A second session for the same
// client replaces the first.
//
// Besides the WebSocket endpoint the Server exposes /health and a read-only
// /sessions snapshot.
package gateway
