// Package debounce coalesces bursts of triggers per key into a single
// execution that runs once the key has been quiet for a fixed period.
package debounce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

// Submitter hands jobs to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, job model.Job) error
}

// Func is the recompute function run for a key.
type Func func(ctx context.Context, key string) error

// Scheduler runs Func per key after a quiet period. Runs of one key never
// overlap; different keys are independent.
type Scheduler struct {
	submitter Submitter
	quiet     time.Duration
	fn        Func
	jobName   string
	logger    logger.Logger

	mu      sync.Mutex
	keys    map[string]*entry
	stopped bool
}

type entry struct {
	timer *time.Timer
	// gen identifies the latest armed timer; older callbacks are ignored.
	gen     uint64
	running bool
	// rearm is set when the timer fired during a run.
	rearm bool
}

// New creates a scheduler that submits fn to submitter quiet after the
// last trigger of a key.
func New(submitter Submitter, quiet time.Duration, fn Func, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		quiet:     quiet,
		fn:        fn,
		jobName:   "debounce",
		logger:    logger.Get().Named("debounce"),
		keys:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger (re)starts the quiet period of key. It never blocks on fn.
func (s *Scheduler) Trigger(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		metrics.RecordDebounceDropped(key)
		return fmt.Errorf("trigger %q: %w", key, ErrShutdown)
	}
	metrics.RecordDebounceTrigger(key)

	e, ok := s.keys[key]
	if !ok {
		e = &entry{}
		s.keys[key] = e
	}
	s.arm(key, e)
	return nil
}

// arm replaces the key's timer. Caller holds s.mu.
func (s *Scheduler) arm(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(s.quiet, func() { s.fire(key, gen) })
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.keys[key]
	if s.stopped || !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	if e.running {
		e.rearm = true
		s.mu.Unlock()
		return
	}
	e.running = true
	s.mu.Unlock()

	job := model.Job{
		Name: s.jobName,
		Key:  key,
		Run:  func(ctx context.Context) error { return s.run(ctx, key) },
	}
	if err := s.submitter.Submit(context.Background(), job); err != nil {
		metrics.RecordDebounceDropped(key)
		s.logger.Error(context.Background(), "failed to submit debounced run",
			logger.String("key", key), logger.Error(err))
		s.finish(key)
	}
}

func (s *Scheduler) run(ctx context.Context, key string) error {
	defer s.finish(key)

	err := s.fn(ctx, key)
	metrics.RecordDebounceFire(key, metrics.Result(err))
	if err != nil {
		return fmt.Errorf("debounced run %q: %w", key, err)
	}
	return nil
}

func (s *Scheduler) finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[key]
	if !ok {
		return
	}
	e.running = false
	if e.rearm && !s.stopped {
		e.rearm = false
		s.arm(key, e)
		return
	}
	if e.timer == nil {
		delete(s.keys, key)
	}
}

// Stop cancels every pending timer without running it. Runs already in
// flight complete. Later triggers return ErrShutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, e := range s.keys {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.rearm = false
		if !e.running {
			delete(s.keys, key)
		}
	}
}

// Pending reports whether key has an armed timer or a run in flight.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}
