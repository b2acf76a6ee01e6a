package worker

import "errors"

// Sentinel errors for worker pool operations
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull is returned by Submit when the item was dropped.
	ErrQueueFull = errors.New("worker pool queue full")

	ErrNilProcessor   = errors.New("processor function cannot be nil")
	ErrStopTimeout    = errors.New("timeout waiting for workers to stop")
	ErrProcessorPanic = errors.New("processor panicked")
)
