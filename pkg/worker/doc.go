// Package worker provides a generic, bounded worker pool.
//
// A Pool owns a fixed set of goroutines reading from one buffered channel.
// Submit never blocks: when the queue is full the item is dropped, counted,
// and ErrQueueFull is returned, so producers on latency-sensitive paths
// (the device SDK's I/O goroutine) are never stalled by slow consumers.
//
// The device SDK runs every user callback through a one-worker pool, which
// serializes handlers in submission order:
//
//	events := worker.NewPool(1, 1000, func(ctx context.Context, ev event) error {
//	    ev.fire()
//	    return nil
//	})
//	_ = events.Start(ctx)
//	defer events.Stop(time.Second)
//
// Stop closes the queue and lets workers finish what was already accepted;
// cancelling the context passed to Start abandons the queue instead.
//
// A processor panic is recovered, counted as a failure and reported to the
// optional WithPanicHandler callback; the worker keeps running.
//
// With WithMetricsRegistry the pool exports queue depth, submitted,
// processed, failed and dropped counters, and a processing-time histogram
// labelled by status.
package worker
