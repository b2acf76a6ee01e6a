package client

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of client counters.
type Stats struct {
	MessagesSent     uint64    `json:"messagesSent"`
	MessagesReceived uint64    `json:"messagesReceived"`
	BytesSent        uint64    `json:"bytesSent"`
	BytesReceived    uint64    `json:"bytesReceived"`
	Reconnects       uint64    `json:"reconnects"`
	Errors           uint64    `json:"errors"`
	Buffered         int       `json:"buffered"`
	BufferDropped    int64     `json:"bufferDropped"`
	EventsDropped    int64     `json:"eventsDropped"`
	ConnectedAt      time.Time `json:"connectedAt,omitempty"`
	LastActivity     time.Time `json:"lastActivity,omitempty"`
}

type counters struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	reconnects       atomic.Uint64
	errors           atomic.Uint64
	connectedAt      atomic.Int64
	lastActivity     atomic.Int64
}

func (c *counters) sent(n int) {
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *counters) received(n int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

func unixOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
