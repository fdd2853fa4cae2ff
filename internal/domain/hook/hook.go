// Package hook is the entry point CRUD collaborators call after a write has
// committed. It refreshes the subject's timeline events synchronously and
// leaves stats and cross-entity rebuilds to background work.
package hook

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/okian/roastlog/internal/domain/model"
	"github.com/okian/roastlog/internal/domain/projection"
	"github.com/okian/roastlog/internal/domain/rebuild"
	"github.com/okian/roastlog/pkg/logger"
	"github.com/okian/roastlog/pkg/metrics"
)

// ErrDegraded marks a mutation whose synchronous timeline write failed.
// The entity write itself has committed; a rebuild repairs the feed.
var ErrDegraded = errors.New("timeline write degraded")

// Operations reported by collaborators.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

// Refresher rebuilds one entity's events from the entity store.
type Refresher interface {
	RebuildEntity(ctx context.Context, ref model.Ref) error
}

// EventDeleter removes a subject's events.
type EventDeleter interface {
	DeleteForEntity(ctx context.Context, subject model.Ref) (int, error)
}

// Requester queues background rebuilds.
type Requester interface {
	Request(ctx context.Context, key string) error
}

// StatsNotifier is told about every mutation.
type StatsNotifier interface {
	MutationOccurred()
}

// Outcome describes the side effects of a mutation notification.
type Outcome struct {
	// Rebuild is the scope of the background rebuild requested, if any.
	Rebuild string `json:"rebuild,omitempty"`
}

// Hook maps mutations to projection updates.
type Hook struct {
	refresher Refresher
	deleter   EventDeleter
	rebuilds  Requester
	stats     StatsNotifier
	logger    logger.Logger
}

// New creates a Hook.
func New(refresher Refresher, deleter EventDeleter, rebuilds Requester, stats StatsNotifier) *Hook {
	return &Hook{
		refresher: refresher,
		deleter:   deleter,
		rebuilds:  rebuilds,
		stats:     stats,
		logger:    logger.Get().Named("hook"),
	}
}

// OnEntityCreated refreshes the new entity's events.
func (h *Hook) OnEntityCreated(ctx context.Context, t model.EntityType, id string) (Outcome, error) {
	return h.apply(ctx, OpCreated, model.Ref{Type: t, ID: id}, nil)
}

// OnEntityUpdated refreshes the entity's events. changed lists the entity
// fields the write touched; nil means unknown.
func (h *Hook) OnEntityUpdated(ctx context.Context, t model.EntityType, id string, changed []string) (Outcome, error) {
	return h.apply(ctx, OpUpdated, model.Ref{Type: t, ID: id}, changed)
}

// OnEntityDeleted removes the entity's events.
func (h *Hook) OnEntityDeleted(ctx context.Context, t model.EntityType, id string) (Outcome, error) {
	return h.apply(ctx, OpDeleted, model.Ref{Type: t, ID: id}, nil)
}

func (h *Hook) apply(ctx context.Context, op string, ref model.Ref, changed []string) (Outcome, error) {
	metrics.RecordMutation(op)
	var out Outcome

	var syncErr error
	if op == OpDeleted {
		if _, err := h.deleter.DeleteForEntity(ctx, ref); err != nil {
			syncErr = fmt.Errorf("%w: delete events of %s: %w", ErrDegraded, ref, err)
		} else {
			metrics.RecordTimelineDelete()
		}
	} else if err := h.refresher.RebuildEntity(ctx, ref); err != nil {
		syncErr = fmt.Errorf("%w: refresh events of %s: %w", ErrDegraded, ref, err)
	}

	h.stats.MutationOccurred()

	switch {
	case NeedsFullRebuild(ref.Type, op, changed):
		out.Rebuild = rebuild.ScopeAll
	case syncErr != nil:
		out.Rebuild = rebuild.EntityScope(ref)
	}
	if out.Rebuild != "" {
		if err := h.rebuilds.Request(ctx, out.Rebuild); err != nil {
			h.logger.Warn(ctx, "rebuild not requested",
				logger.String("scope", out.Rebuild), logger.Error(err))
			out.Rebuild = ""
		}
	}

	if syncErr != nil {
		h.logger.Error(ctx, "timeline write degraded",
			logger.String("op", op), logger.String("ref", ref.String()), logger.Error(syncErr))
		return out, syncErr
	}
	return out, nil
}

// NeedsFullRebuild reports whether a mutation can leave other entities'
// snapshots stale. That is the case for a deletion, a change to a field
// other snapshots embed, or a change to one of its own references, of a type
// other entities reference. Snapshots follow references transitively, so
// re-parenting a roast changes what its bags show. An update with an
// unknown change set counts as touching everything.
func NeedsFullRebuild(t model.EntityType, op string, changed []string) bool {
	if !t.Referenced() {
		return false
	}
	switch op {
	case OpDeleted:
		return true
	case OpUpdated:
		if len(changed) == 0 {
			return true
		}
		embedded := projection.EmbeddedFields(t)
		for _, field := range changed {
			field = strings.ToLower(strings.TrimSpace(field))
			if slices.Contains(embedded, field) || refersTo(t, field) {
				return true
			}
		}
	}
	return false
}

// refersTo reports whether field names one of the types t references.
func refersTo(t model.EntityType, field string) bool {
	return slices.ContainsFunc(t.References(), func(ref model.EntityType) bool {
		return string(ref) == field
	})
}
