// Package protocol defines the JSON frames exchanged between devices and the
// gateway over a WebSocket.
//
// Every frame is one JSON object:
//
//	{"type": 0, "subject": "telemetry.dev1.temp", "payload": {...},
//	 "correlationId": "c-1", "timestamp": "2024-05-01T12:00:00.000Z"}
//
// Codec decodes and validates frames before any authorization happens.
// Message.Operation turns a validated frame into one of a closed set of
// operation types for dispatch with a type switch. CodeFor maps classified
// errors onto the wire error codes.
package protocol
