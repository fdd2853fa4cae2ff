// Package projection computes timeline events and aggregate statistics from
// current entity state. Everything here is pure: no I/O, no clocks except
// the ones passed in.
package projection

import (
	"strings"
	"time"

	"github.com/okian/roastlog/internal/domain/model"
)

// Placeholder is shown in place of a related entity that cannot be found.
const Placeholder = "(unknown)"

// Lookup resolves a related entity. The bool is false when it does not exist.
type Lookup func(t model.EntityType, id string) (model.Entity, bool)

// displayAttrs lists, per type, the attributes copied into snapshots.
var displayAttrs = map[model.EntityType][]string{ //nolint:gochecknoglobals // fixed catalogue
	model.Roast: {model.AttrOrigin},
	model.Brew:  {model.AttrMethod},
	model.Cup:   {model.AttrRating},
	model.Cafe:  {model.AttrCity},
	model.Gear:  {model.AttrKind},
}

// EmbeddedFields returns the entity fields of type t that appear in the
// snapshots of entities referencing it.
func EmbeddedFields(t model.EntityType) []string {
	return append([]string{"name", "slug"}, displayAttrs[t]...)
}

// BuildSnapshot returns the display fields for subject, following relations
// transitively. Missing related entities get Placeholder and are returned as
// dangling refs.
func BuildSnapshot(subject model.Entity, lookup Lookup) (model.Snapshot, []model.Ref) {
	snap := model.Snapshot{}
	var dangling []model.Ref
	addFields(snap, subject)
	follow(snap, subject, lookup, &dangling)
	return snap, dangling
}

func addFields(snap model.Snapshot, e model.Entity) {
	prefix := string(e.Type)
	snap[prefix+"_name"] = e.Name
	if e.Slug != "" {
		snap[prefix+"_slug"] = e.Slug
	}
	for _, key := range displayAttrs[e.Type] {
		if v := e.Attr(key); v != "" {
			snap[key] = v
		}
	}
}

func follow(snap model.Snapshot, e model.Entity, lookup Lookup, dangling *[]model.Ref) {
	for _, t := range e.Type.References() {
		id, ok := e.RefTo(t)
		if !ok {
			continue
		}
		related, found := lookup(t, id)
		if !found {
			snap[string(t)+"_name"] = Placeholder
			*dangling = append(*dangling, model.Ref{Type: t, ID: id})
			continue
		}
		addFields(snap, related)
		follow(snap, related, lookup, dangling)
	}
}

var subjectKinds = map[model.EntityType]model.Kind{ //nolint:gochecknoglobals // fixed catalogue
	model.Roaster: model.KindRoasterAdded,
	model.Roast:   model.KindRoastRoasted,
	model.Bag:     model.KindBagOpened,
	model.Brew:    model.KindBrewBrewed,
	model.Cup:     model.KindCupTasted,
	model.Cafe:    model.KindCafeVisited,
	model.Gear:    model.KindGearAcquired,
}

// BuildEvents returns the events subject produces: none when archived, one
// per entity, plus bag.finished for a bag with a valid finished_at.
func BuildEvents(subject model.Entity, lookup Lookup) ([]model.TimelineEvent, []model.Ref) {
	kind, ok := subjectKinds[subject.Type]
	if !ok || subject.Archived() {
		return nil, nil
	}
	snap, dangling := BuildSnapshot(subject, lookup)

	events := []model.TimelineEvent{{
		EntityType: subject.Type,
		EntityID:   subject.ID,
		Kind:       kind,
		OccurredAt: subject.EventTime(),
		Snapshot:   snap,
	}}
	if subject.Type == model.Bag {
		if finished, ok := parseTime(subject.Attr(model.AttrFinishedAt)); ok {
			events = append(events, model.TimelineEvent{
				EntityType: subject.Type,
				EntityID:   subject.ID,
				Kind:       model.KindBagFinished,
				OccurredAt: finished,
				Snapshot:   snap,
			})
		}
	}
	return events, dangling
}

// BuildAll builds the events of every entity, resolving relations within the
// same set.
func BuildAll(entities []model.Entity) ([]model.TimelineEvent, []model.Ref) {
	lookup := NewIndex(entities).Lookup
	var (
		events   []model.TimelineEvent
		dangling []model.Ref
	)
	for _, e := range entities {
		evs, d := BuildEvents(e, lookup)
		events = append(events, evs...)
		dangling = append(dangling, d...)
	}
	return events, dangling
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Index is an in-memory Lookup over a fixed entity set.
type Index map[model.Ref]model.Entity

// NewIndex indexes entities by type and id.
func NewIndex(entities []model.Entity) Index {
	idx := make(Index, len(entities))
	for _, e := range entities {
		idx[e.Key()] = e
	}
	return idx
}

// Lookup implements Lookup.
func (idx Index) Lookup(t model.EntityType, id string) (model.Entity, bool) {
	e, ok := idx[model.Ref{Type: t, ID: id}]
	return e, ok
}
