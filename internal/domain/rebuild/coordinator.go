// Package rebuild recomputes timeline events from current entity state.
//
// Requests are keyed by scope ("all" or "entity:<type>:<id>"). Each scope
// moves Idle -> Pending -> Running -> Idle under its own lock; a request
// that arrives while its scope is Running schedules exactly one follow-up
// run. Pending scopes are executed one after another by a single drain job
// on the worker pool, so at most one rebuild is in flight system-wide.
package rebuild

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

// Rebuilder does the actual work for a scope.
type Rebuilder interface {
	RebuildAll(ctx context.Context) error
	RebuildEntity(ctx context.Context, ref model.Ref) error
}

// Submitter hands jobs to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, job model.Job) error
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Current        string    `json:"current,omitempty"`
	Pending        []string  `json:"pending"`
	Runs           uint64    `json:"runs"`
	Failures       uint64    `json:"failures"`
	LastRunID      string    `json:"last_run_id,omitempty"`
	LastScope      string    `json:"last_scope,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastStartedAt  time.Time `json:"last_started_at,omitzero"`
	LastDurationMS int64     `json:"last_duration_ms"`
}

type scope struct {
	mu       sync.Mutex
	state    State
	followUp bool
	// retired scopes have been removed from the map; lockScope skips them.
	retired bool
}

// Coordinator serializes rebuilds and coalesces overlapping requests.
//
// Lock order is runMu, then a scope's mu.
type Coordinator struct {
	rebuilder Rebuilder
	submitter Submitter
	logger    logger.Logger

	// scopes holds only scopes that are Pending or Running.
	scopes sync.Map // string -> *scope

	runMu    sync.Mutex
	runnable []string
	draining bool
	idle     chan struct{}
	stopped  bool

	statusMu sync.Mutex
	status   Status
}

// NewCoordinator creates a coordinator running rebuilds on submitter.
func NewCoordinator(rebuilder Rebuilder, submitter Submitter, opts ...Option) *Coordinator {
	idle := make(chan struct{})
	close(idle)
	c := &Coordinator{
		rebuilder: rebuilder,
		submitter: submitter,
		logger:    logger.Get().Named("rebuild"),
		idle:      idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lockScope returns the live scope of key with its mu held.
func (c *Coordinator) lockScope(key string) *scope {
	for {
		v, _ := c.scopes.LoadOrStore(key, &scope{})
		sc := v.(*scope) //nolint:forcetypeassert // only *scope is stored
		sc.mu.Lock()
		if !sc.retired {
			return sc
		}
		sc.mu.Unlock()
	}
}

// retire marks an Idle scope as gone. sc.mu must be held.
func (c *Coordinator) retire(key string, sc *scope) {
	sc.state = Idle
	sc.followUp = false
	sc.retired = true
	c.scopes.CompareAndDelete(key, sc)
}

// Request asks for a rebuild of key and returns immediately. A Flush that
// starts after Request returns waits for the requested run.
func (c *Coordinator) Request(ctx context.Context, key string) error {
	if _, _, err := ParseScope(key); err != nil {
		return err
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.stopped {
		return fmt.Errorf("request %q: %w", key, ErrStopped)
	}
	metrics.RecordRebuildRequest(scopeLabel(key))

	sc := c.lockScope(key)
	schedule := false
	switch sc.state {
	case Idle:
		sc.state = Pending
		schedule = true
	case Pending:
		metrics.RecordRebuildCoalesced(scopeLabel(key))
	case Running:
		sc.followUp = true
		metrics.RecordRebuildCoalesced(scopeLabel(key))
	}
	sc.mu.Unlock()

	if schedule {
		c.scheduleLocked(ctx, key)
	}
	return nil
}

// scheduleLocked queues a Pending key and makes sure a drain job is
// running. runMu must be held.
func (c *Coordinator) scheduleLocked(ctx context.Context, key string) {
	c.runnable = append(c.runnable, key)
	if c.draining {
		return
	}
	c.draining = true
	c.idle = make(chan struct{})

	job := model.Job{Name: "rebuild", Key: key, Run: c.drain}
	if err := c.submitter.Submit(context.WithoutCancel(ctx), job); err != nil {
		c.logger.Error(ctx, "failed to submit rebuild", logger.String("scope", key), logger.Error(err))
		for _, k := range c.runnable {
			sc := c.lockScope(k)
			c.retire(k, sc)
			sc.mu.Unlock()
		}
		c.runnable = nil
		c.draining = false
		close(c.idle)
	}
}

// drain executes pending scopes one at a time until none is left.
func (c *Coordinator) drain(ctx context.Context) error {
	for {
		c.runMu.Lock()
		if len(c.runnable) == 0 {
			c.draining = false
			close(c.idle)
			c.runMu.Unlock()
			return nil
		}
		key := c.runnable[0]
		c.runnable = c.runnable[1:]
		sc := c.lockScope(key)
		sc.state = Running
		sc.followUp = false
		sc.mu.Unlock()
		c.runMu.Unlock()

		c.execute(ctx, key)

		c.runMu.Lock()
		sc = c.lockScope(key)
		if sc.followUp {
			sc.state = Pending
			sc.followUp = false
			c.runnable = append(c.runnable, key)
		} else {
			c.retire(key, sc)
		}
		sc.mu.Unlock()
		c.runMu.Unlock()
	}
}

func (c *Coordinator) execute(ctx context.Context, key string) {
	runID := uuid.NewString()
	start := time.Now()
	log := c.logger.With(logger.String("run_id", runID), logger.String("scope", key))

	c.statusMu.Lock()
	c.status.Current = key
	c.statusMu.Unlock()
	metrics.SetRebuildRunning(true)

	err := c.run(ctx, key)
	elapsed := time.Since(start)

	metrics.SetRebuildRunning(false)
	metrics.RecordRebuildRun(scopeLabel(key), metrics.Result(err), float64(elapsed.Milliseconds()))

	c.statusMu.Lock()
	c.status.Current = ""
	c.status.Runs++
	c.status.LastRunID = runID
	c.status.LastScope = key
	c.status.LastStartedAt = start.UTC()
	c.status.LastDurationMS = elapsed.Milliseconds()
	c.status.LastError = ""
	if err != nil {
		c.status.Failures++
		c.status.LastError = err.Error()
	}
	c.statusMu.Unlock()

	if err != nil {
		log.Error(ctx, "rebuild failed", logger.Duration("duration", elapsed), logger.Error(err))
		return
	}
	log.Info(ctx, "rebuild finished", logger.Duration("duration", elapsed))
}

func (c *Coordinator) run(ctx context.Context, key string) error {
	ref, scoped, err := ParseScope(key)
	if err != nil {
		return err
	}
	if scoped {
		return c.rebuilder.RebuildEntity(ctx, ref)
	}
	return c.rebuilder.RebuildAll(ctx)
}

// State returns the current state of key.
func (c *Coordinator) State(key string) State {
	v, ok := c.scopes.Load(key)
	if !ok {
		return Idle
	}
	sc := v.(*scope) //nolint:forcetypeassert // only *scope is stored
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// Flush blocks until no rebuild is pending or running, or ctx is done.
// Requests made after Flush starts may still be pending when it returns.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.runMu.Lock()
	idle := c.idle
	c.runMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush rebuilds: %w", ctx.Err())
	}
}

// Status returns a copy of the coordinator status.
func (c *Coordinator) Status() Status {
	c.runMu.Lock()
	pending := slices.Clone(c.runnable)
	c.runMu.Unlock()
	if pending == nil {
		pending = []string{}
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st := c.status
	st.Pending = pending
	return st
}

// Stop rejects further requests. Work already queued still runs.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.stopped = true
}
