// Package repository persists the timeline event log and the entity records
// it is derived from.
package repository

import (
	"context"
	"time"

	"github.com/okian/roastlog/internal/domain/model"
)

// EventLog is the durable, append-mostly record of timeline events.
type EventLog interface {
	// Append inserts ev, or updates the existing row with the same
	// (entity_type, entity_id, kind) in place. Returns the row id.
	Append(ctx context.Context, ev model.TimelineEvent) (int64, error)
	// DeleteForEntity removes every event whose subject is the given entity.
	DeleteForEntity(ctx context.Context, subject model.Ref) (int, error)
	// ReplaceForEntity makes events the complete event set of subject, atomically.
	ReplaceForEntity(ctx context.Context, subject model.Ref, events []model.TimelineEvent) error
	// ReplaceBatch makes events the complete event log, atomically.
	ReplaceBatch(ctx context.Context, events []model.TimelineEvent) (ReplaceStats, error)
	// List returns one page ordered by occurred_at DESC, id DESC.
	List(ctx context.Context, page Page) (PageResult, error)
}

// EntityReader is the read side of the entity store.
type EntityReader interface {
	Get(ctx context.Context, t model.EntityType, id string) (model.Entity, error)
	ListAll(ctx context.Context, t model.EntityType) ([]model.Entity, error)
}

// Projector builds timeline events from the entities visible through r.
type Projector func(ctx context.Context, r EntityReader) ([]model.TimelineEvent, error)

// Page selects a slice of the timeline.
type Page struct {
	// Limit is the maximum number of events returned; must be positive.
	Limit int
	// Cursor is the opaque token from a previous PageResult; empty starts at the newest event.
	Cursor string
	// EntityType optionally restricts the feed to one subject type.
	EntityType model.EntityType
}

// PageResult is one page of the timeline.
type PageResult struct {
	Events []model.TimelineEvent
	// Next is empty when the feed is exhausted.
	Next string
}

// ReplaceStats summarizes a ReplaceBatch.
type ReplaceStats struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Total is the number of events in the log after the replace.
func (r ReplaceStats) Total() int {
	return r.Inserted + r.Updated
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// LoadAll lists every entity of every type, referenced types first.
func LoadAll(ctx context.Context, r EntityReader) ([]model.Entity, error) {
	var all []model.Entity
	for _, t := range model.EntityTypes {
		entities, err := r.ListAll(ctx, t)
		if err != nil {
			return nil, err
		}
		all = append(all, entities...)
	}
	return all, nil
}
