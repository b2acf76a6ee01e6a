// Package buffer provides a bounded FIFO ring with configurable overflow
// behavior.
//
// The device SDK keeps outbound messages here while the gateway is
// unreachable and drains them in order after reconnecting:
//
//	buf, err := buffer.NewCircularBuffer[client.Outbound](1000,
//		buffer.WithOverflowPolicy[client.Outbound](buffer.DropOldest),
//	)
//
// # Overflow Policies
//
//   - DropOldest: evict the head to make room (default)
//   - DropNewest: reject the incoming item with errors.ErrBufferFull
//   - Block: wait until a reader frees space, or until the context passed to
//     WriteContext ends
//
// Size never exceeds capacity under any policy. Evicted and rejected items are
// reported to the WithDropCallback function after the buffer lock is
// released.
//
// Block is only safe when readers never write to the same buffer; the SDK's
// I/O goroutine only reads, so application goroutines blocking on a full
// buffer cannot stall reconnection.
//
// # Observability
//
// Statistics are always collected (Stats). WithMetrics additionally exports
// wsbridge_buffer_* counters and a size gauge labelled with the given prefix.
package buffer
