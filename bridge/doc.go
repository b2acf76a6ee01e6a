// Package bridge connects gateway sessions to the streaming backend.
//
// Publishes go to JetStream through a bounded in-flight gate. Each
// subscription is backed by a consumer: durable consumers (named from the
// client id and subject) when the device asked for replay or durability,
// otherwise a short-lived consumer that starts at new messages and is
// deleted when the session ends. Deliveries are acknowledged after the
// session wrote them to the socket, or by the device itself in manual ack
// mode. Anything not acknowledged is redelivered by the backend.
package bridge
