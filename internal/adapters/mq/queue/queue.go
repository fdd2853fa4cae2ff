// Package queue holds background jobs waiting for a worker.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/pkg/metrics"
)

const defaultQueueCapacity = 1024

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job without blocking. Returns ErrFull or ErrClosed when
	// the job was not accepted.
	Enqueue(ctx context.Context, job model.Job) error

	// Dequeue returns the channel jobs are delivered on. It is closed when
	// the queue is closed and drained.
	Dequeue() <-chan model.Job

	// Len returns the current number of queued jobs.
	Len() int

	// Close stops accepting jobs. Already queued jobs stay readable.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	jobs     chan model.Job
	capacity int

	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan model.Job, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)

	return q
}

// Enqueue adds a job to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, job model.Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return fmt.Errorf("enqueue %s/%s: %w", job.Name, job.Key, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError("context_cancelled")
		return fmt.Errorf("enqueue %s/%s: %w", job.Name, job.Key, err)
	}

	select {
	case q.jobs <- job:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.jobs))
		return nil
	default:
		metrics.RecordQueueEnqueueError("queue_full")
		return fmt.Errorf("enqueue %s/%s: %w", job.Name, job.Key, ErrFull)
	}
}

// Dequeue returns the job channel.
func (q *InMemoryQueue) Dequeue() <-chan model.Job {
	return q.jobs
}

// Len returns the current number of queued jobs.
func (q *InMemoryQueue) Len() int {
	size := len(q.jobs)
	metrics.UpdateQueueSize(size)
	return size
}

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
