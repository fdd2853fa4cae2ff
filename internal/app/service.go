// Package service wires the event log, the rebuild coordinator, the stats
// aggregator and the mutation hook into one unit the HTTP API and the CLI
// drive.
package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"

	eventqueue "github.com/okian/roastlog/internal/adapters/mq/queue"
	workerpool "github.com/okian/roastlog/internal/adapters/mq/worker"
	"github.com/okian/roastlog/internal/adapters/repository"
	"github.com/okian/roastlog/internal/domain/dedupe"
	"github.com/okian/roastlog/internal/domain/hook"
	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/rebuild"
	"github.com/okian/roastlog/internal/domain/stats"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

// Sentinel errors of the service layer.
var (
	ErrNotStarted = errors.New("service not started")
	ErrUnknownOp  = errors.New("unknown mutation op")
)

// Service owns every long-lived component of the engine.
type Service struct {
	mu sync.RWMutex

	// Core components
	store     *repository.SQLiteStore
	queue     *eventqueue.InMemoryQueue
	pool      *workerpool.Pool
	builder   *rebuild.Builder
	rebuilds  *rebuild.Coordinator
	periodic  *rebuild.Periodic
	aggregate *stats.Aggregator
	hook      *hook.Hook
	deduper   dedupe.Deduper
	cancel    context.CancelFunc

	// Configuration
	databasePath    string
	workerCount     int
	queueSize       int
	dedupeSize      int
	statsQuiet      time.Duration
	rebuildInterval time.Duration

	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithDatabasePath sets the SQLite file shared with the CRUD collaborator.
func WithDatabasePath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.databasePath = path
		}
	}
}

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the background job queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the mutation idempotency cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithStatsQuietPeriod sets the debounce window of stats recomputes.
func WithStatsQuietPeriod(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.statsQuiet = d
		}
	}
}

// WithRebuildInterval schedules a periodic full rebuild. Zero disables it.
func WithRebuildInterval(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.rebuildInterval = d
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		databasePath: "roastlog.db",
		workerCount:  runtime.NumCPU(),
		queueSize:    1024,
		dedupeSize:   10_000,
		statsQuiet:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store and starts the background machinery. The first
// stats snapshot is computed before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.logger.Info(ctx, "starting roastlog service...", logger.String("database", s.databasePath))

	store, err := repository.Open(s.databasePath)
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	s.store = store

	// Workers outlive the caller's context; Stop drains them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.pool = workerpool.NewPool(s.workerCount, s.queue)
	s.pool.Start(runCtx)

	s.builder = rebuild.NewBuilder(store)
	s.rebuilds = rebuild.NewCoordinator(s.builder, s.pool)
	s.aggregate = stats.New(store, s.pool, s.statsQuiet)
	s.hook = hook.New(s.builder, store, s.rebuilds, s.aggregate)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))

	if err := s.aggregate.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "initial stats recompute failed; serving empty stats", logger.Error(err))
	}

	if s.rebuildInterval > 0 {
		periodic, err := rebuild.StartPeriodic(s.rebuilds, s.rebuildInterval)
		if err != nil {
			_ = s.shutdownLocked(ctx)
			return fmt.Errorf("start service: %w", err)
		}
		s.periodic = periodic
	}

	s.started = true
	s.logger.Info(ctx, "roastlog service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Duration("statsQuietPeriod", s.statsQuiet),
		logger.Duration("rebuildInterval", s.rebuildInterval),
	)
	return nil
}

// Stop rejects new background work, lets queued jobs finish, and closes
// the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping roastlog service...")
	err := s.shutdownLocked(ctx)
	s.started = false
	s.logger.Info(ctx, "roastlog service stopped")
	return err
}

func (s *Service) shutdownLocked(ctx context.Context) error {
	var errs []error
	if s.periodic != nil {
		if err := s.periodic.Stop(); err != nil {
			errs = append(errs, err)
		}
		s.periodic = nil
	}
	if s.rebuilds != nil {
		s.rebuilds.Stop()
	}
	if s.aggregate != nil {
		s.aggregate.Stop()
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// running must be called with mu held.
func (s *Service) running() error {
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Timeline returns one page of the feed, newest first.
func (s *Service) Timeline(ctx context.Context, page repository.Page) (repository.PageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return repository.PageResult{}, err
	}
	return s.store.List(ctx, page)
}

// Stats returns the latest published stats snapshot.
func (s *Service) Stats() *model.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aggregate == nil {
		return model.EmptyStats()
	}
	return s.aggregate.Current()
}

// RefreshStats recomputes stats synchronously.
func (s *Service) RefreshStats(ctx context.Context) (*model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	if err := s.aggregate.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.aggregate.Current(), nil
}

// RequestRebuild queues a rebuild of scope and returns immediately.
func (s *Service) RequestRebuild(ctx context.Context, scope string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return err
	}
	return s.rebuilds.Request(ctx, scope)
}

// WaitRebuilds blocks until no rebuild is pending or running. It returns
// the error of the last run, if any.
func (s *Service) WaitRebuilds(ctx context.Context) error {
	s.mu.RLock()
	coord := s.rebuilds
	started := s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	if err := coord.Flush(ctx); err != nil {
		return err
	}
	if st := coord.Status(); st.LastError != "" {
		return fmt.Errorf("rebuild %s: %s", st.LastScope, st.LastError)
	}
	return nil
}

// RebuildStatus reports the coordinator state.
func (s *Service) RebuildStatus() rebuild.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rebuilds == nil {
		return rebuild.Status{Pending: []string{}}
	}
	return s.rebuilds.Status()
}

// SeenAndRecord reports whether a mutation id was already handled and
// records it if not.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deduper == nil {
		return false
	}
	seen := s.deduper.SeenAndRecord(ctx, id)
	if seen {
		metrics.RecordMutationDuplicate()
	}
	return seen
}

// Unrecord forgets a mutation id so the caller can retry it.
func (s *Service) Unrecord(ctx context.Context, id string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deduper != nil {
		s.deduper.Unrecord(ctx, id)
	}
}

// Notify runs the mutation hook for a write the collaborator committed.
func (s *Service) Notify(ctx context.Context, op string, t model.EntityType, id string, changed []string) (hook.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return hook.Outcome{}, err
	}
	switch op {
	case hook.OpCreated:
		return s.hook.OnEntityCreated(ctx, t, id)
	case hook.OpUpdated:
		return s.hook.OnEntityUpdated(ctx, t, id, changed)
	case hook.OpDeleted:
		return s.hook.OnEntityDeleted(ctx, t, id)
	default:
		return hook.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
}

// PutEntity writes an entity the way the CRUD collaborator does and then
// notifies the hook with the fields that changed.
func (s *Service) PutEntity(ctx context.Context, e model.Entity) (model.Entity, hook.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.Entity{}, hook.Outcome{}, err
	}

	prev, err := s.store.Get(ctx, e.Type, e.ID)
	created := errors.Is(err, repository.ErrNotFound)
	if err != nil && !created {
		return model.Entity{}, hook.Outcome{}, err
	}

	saved, err := s.store.Put(ctx, e)
	if err != nil {
		return model.Entity{}, hook.Outcome{}, err
	}

	if created {
		out, err := s.hook.OnEntityCreated(ctx, saved.Type, saved.ID)
		return saved, out, err
	}
	changed := ChangedFields(prev, saved)
	if len(changed) == 0 {
		return saved, hook.Outcome{}, nil
	}
	out, err := s.hook.OnEntityUpdated(ctx, saved.Type, saved.ID, changed)
	return saved, out, err
}

// DeleteEntity removes an entity and notifies the hook.
func (s *Service) DeleteEntity(ctx context.Context, ref model.Ref) (hook.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return hook.Outcome{}, err
	}
	if err := s.store.Delete(ctx, ref); err != nil {
		return hook.Outcome{}, err
	}
	return s.hook.OnEntityDeleted(ctx, ref.Type, ref.ID)
}

// ChangedFields lists the fields that differ between two versions of an
// entity. Attributes are reported by key and references by target type.
func ChangedFields(prev, next model.Entity) []string {
	var changed []string
	if prev.Name != next.Name {
		changed = append(changed, "name")
	}
	if prev.Slug != next.Slug {
		changed = append(changed, "slug")
	}
	if !prev.OccurredAt.Equal(next.OccurredAt) {
		changed = append(changed, "occurred_at")
	}
	for _, t := range model.EntityTypes {
		if prev.Refs[t] != next.Refs[t] {
			changed = append(changed, string(t))
		}
	}
	keys := make(map[string]struct{}, len(prev.Attrs)+len(next.Attrs))
	for k := range maps.Keys(prev.Attrs) {
		keys[k] = struct{}{}
	}
	for k := range maps.Keys(next.Attrs) {
		keys[k] = struct{}{}
	}
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		if prev.Attrs[k] != next.Attrs[k] {
			changed = append(changed, k)
		}
	}
	return changed
}

// Info returns service settings and queue depth for monitoring.
func (s *Service) Info() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
	}
	if s.started {
		queueLen := s.queue.Len()
		info["queueLength"] = queueLen
		info["dedupeEntries"] = s.deduper.Size()
		metrics.UpdateQueueSize(queueLen)
	}
	return info
}
