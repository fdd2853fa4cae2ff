// Package stats keeps the process-wide aggregate snapshot fresh. Mutations
// trigger a debounced recompute; readers load the published snapshot
// through an atomic pointer and never block.
package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/roastlog/internal/adapters/repository"
	"github.com/okian/roastlog/internal/domain/debounce"
	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/projection"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

// Key is the debounce key of the stats recompute.
const Key = "stats"

// Aggregator publishes model.Stats snapshots.
type Aggregator struct {
	entities  repository.EntityReader
	scheduler *debounce.Scheduler
	now       func() time.Time
	logger    logger.Logger

	current atomic.Pointer[model.Stats]
	// mu serializes recomputes so generations are published in order.
	mu         sync.Mutex
	generation uint64
}

// New creates an aggregator whose recompute runs on submitter once quiet
// has passed since the last mutation.
func New(entities repository.EntityReader, submitter debounce.Submitter, quiet time.Duration) *Aggregator {
	a := &Aggregator{
		entities: entities,
		now:      time.Now,
		logger:   logger.Get().Named("stats"),
	}
	a.current.Store(model.EmptyStats())
	a.scheduler = debounce.New(submitter, quiet, func(ctx context.Context, _ string) error {
		return a.Refresh(ctx)
	}, debounce.WithJobName("stats"))
	return a
}

// MutationOccurred requests a recompute. It never blocks.
func (a *Aggregator) MutationOccurred() {
	if err := a.scheduler.Trigger(Key); err != nil {
		a.logger.Debug(context.Background(), "stats trigger dropped", logger.Error(err))
	}
}

// Current returns the latest published snapshot. Callers must not modify it.
func (a *Aggregator) Current() *model.Stats {
	return a.current.Load()
}

// Refresh recomputes and publishes a snapshot now. On failure the previous
// snapshot stays published.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	entities, err := repository.LoadAll(ctx, a.entities)
	if err != nil {
		metrics.RecordStatsRecompute(metrics.ResultError, float64(time.Since(start).Milliseconds()))
		return fmt.Errorf("recompute stats: %w", err)
	}

	next := projection.BuildStats(entities, a.now())
	a.generation++
	next.Generation = a.generation
	a.current.Store(next)

	metrics.RecordStatsRecompute(metrics.ResultOK, float64(time.Since(start).Milliseconds()))
	metrics.UpdateStatsGeneration(next.Generation)
	a.logger.Debug(ctx, "stats published",
		logger.Uint64("generation", next.Generation),
		logger.Int("entities", len(entities)),
	)
	return nil
}

// Stop cancels a pending recompute.
func (a *Aggregator) Stop() {
	a.scheduler.Stop()
}
