// Package worker runs background jobs pulled from the queue on a fixed pool
// of goroutines.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

const (
	metricsUpdateInterval = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Source is where workers receive jobs from.
type Source interface {
	Dequeue() <-chan model.Job
}

// Sink accepts jobs for later execution.
type Sink interface {
	Enqueue(ctx context.Context, job model.Job) error
	Len() int
	Close() error
}

// Queue is both ends of the job queue.
type Queue interface {
	Source
	Sink
}

// Worker executes jobs one at a time.
type Worker struct {
	source Source
	name   string
	done   chan struct{}
	logger logger.Logger
}

// NewWorker creates a new worker with configuration options.
func NewWorker(source Source, opts ...Option) *Worker {
	w := &Worker{
		source: source,
		name:   "worker",
		done:   make(chan struct{}),
		logger: logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.With(logger.String("worker", w.name))
	}
	return w
}

// Run executes jobs until the source is closed and drained or ctx is done.
// A job that has started always runs to completion: it gets a context that
// is not cancelled with ctx.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.source.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.execute(context.WithoutCancel(ctx), job); err != nil {
				w.logger.Error(ctx, "job failed",
					logger.String("job", job.Name),
					logger.String("key", job.Key),
					logger.Error(err),
				)
			}
		}
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) execute(ctx context.Context, job model.Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s/%s panicked: %v", job.Name, job.Key, r)
		}
		metrics.RecordWorkerJob(job.Name, metrics.Result(err), float64(time.Since(start).Milliseconds()))
	}()
	if job.Run == nil {
		return fmt.Errorf("job %s/%s has no run function", job.Name, job.Key)
	}
	return job.Run(ctx)
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*Worker
	queue   Queue

	shutdown chan struct{}
	logger   logger.Logger
}

// NewPool creates a new worker pool. workerCount < 1 means one per CPU.
func NewPool(workerCount int, queue Queue) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers:  make([]*Worker, workerCount),
		queue:    queue,
		shutdown: make(chan struct{}),
		logger:   logger.Get().Named("worker-pool"),
	}
	for i := range workerCount {
		pool.workers[i] = NewWorker(queue, WithName("worker-"+strconv.Itoa(i)))
	}

	metrics.UpdateWorkerCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

// Submit queues a job for execution. It never blocks.
func (p *Pool) Submit(ctx context.Context, job model.Job) error {
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	return nil
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			metrics.UpdateQueueSize(p.queue.Len())
		}
	}
}

// Shutdown closes the queue, lets workers finish the jobs already queued,
// and waits for them or for ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.queue.Close(); err != nil {
		p.logger.Error(ctx, "error closing queue", logger.Error(err))
	}
	close(p.shutdown)

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, worker := range p.workers {
		select {
		case <-worker.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
		}
	}
	metrics.UpdateWorkerCount(0)
	return nil
}
