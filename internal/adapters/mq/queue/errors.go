package queue

import "errors"

// Sentinel kinds for queue errors.
var (
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned when the queue is at capacity; callers drop or retry later.
	ErrFull = errors.New("queue full")
)
