package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/okian/roastlog/internal/adapters/repository"
	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/projection"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

// EventWriter is the write side of the event log used by rebuilds. Both
// methods read entities and write events in one transaction.
type EventWriter interface {
	ProjectAll(ctx context.Context, project repository.Projector) (repository.ReplaceStats, error)
	ProjectEntity(ctx context.Context, subject model.Ref, project repository.Projector) error
}

// Builder rebuilds events from the entity store into the event log.
type Builder struct {
	events EventWriter
	logger logger.Logger
}

var _ Rebuilder = (*Builder)(nil)

// NewBuilder creates a Builder.
func NewBuilder(events EventWriter) *Builder {
	return &Builder{
		events: events,
		logger: logger.Get().Named("rebuild"),
	}
}

// RebuildAll replaces the whole event log with events built from every
// entity. Nothing changes if any step fails.
func (b *Builder) RebuildAll(ctx context.Context) error {
	var loaded int
	stats, err := b.events.ProjectAll(ctx, func(ctx context.Context, r repository.EntityReader) ([]model.TimelineEvent, error) {
		entities, err := repository.LoadAll(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("load entities: %w", err)
		}
		loaded = len(entities)
		events, dangling := projection.BuildAll(entities)
		b.reportDangling(ctx, dangling)
		return events, nil
	})
	if err != nil {
		return fmt.Errorf("replace event log: %w", err)
	}
	metrics.UpdateRebuildEvents(stats.Total())
	b.logger.Debug(ctx, "event log replaced",
		logger.Int("entities", loaded),
		logger.Int("inserted", stats.Inserted),
		logger.Int("updated", stats.Updated),
		logger.Int("deleted", stats.Deleted),
	)
	return nil
}

// RebuildEntity refreshes the events of one entity, removing them when the
// entity no longer exists.
func (b *Builder) RebuildEntity(ctx context.Context, ref model.Ref) error {
	var (
		missing bool
		written int
	)
	err := b.events.ProjectEntity(ctx, ref, func(ctx context.Context, r repository.EntityReader) ([]model.TimelineEvent, error) {
		subject, err := r.Get(ctx, ref.Type, ref.ID)
		if errors.Is(err, repository.ErrNotFound) {
			missing = true
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", ref, err)
		}

		lookup, lookupErr := storeLookup(ctx, r)
		events, dangling := projection.BuildEvents(subject, lookup)
		if err := lookupErr(); err != nil {
			return nil, fmt.Errorf("resolve relations of %s: %w", ref, err)
		}
		b.reportDangling(ctx, dangling)
		written = len(events)
		return events, nil
	})
	if err != nil {
		metrics.RecordTimelineAppendError(string(ref.Type))
		return fmt.Errorf("replace events of %s: %w", ref, err)
	}
	if missing {
		metrics.RecordTimelineDelete()
		return nil
	}
	metrics.RecordTimelineAppend(string(ref.Type), written)
	return nil
}

// storeLookup resolves relations against the entity store. A storage fault
// is not a dangling reference: it is kept and reported by the second func so
// the caller can abort instead of writing placeholders.
func storeLookup(ctx context.Context, r repository.EntityReader) (projection.Lookup, func() error) {
	var (
		mu       sync.Mutex
		firstErr error
	)
	lookup := func(t model.EntityType, id string) (model.Entity, bool) {
		e, err := r.Get(ctx, t, id)
		if err == nil {
			return e, true
		}
		if !errors.Is(err, repository.ErrNotFound) {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
		return model.Entity{}, false
	}
	return lookup, func() error {
		mu.Lock()
		defer mu.Unlock()
		return firstErr
	}
}

func (b *Builder) reportDangling(ctx context.Context, dangling []model.Ref) {
	for _, ref := range dangling {
		metrics.RecordDanglingReference(string(ref.Type))
		b.logger.Warn(ctx, "related entity missing, using placeholder",
			logger.String("ref", ref.String()),
			logger.Error(projection.ErrDanglingReference),
		)
	}
}
