// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names a catalogued kind of thing.
type EntityType string

// Catalogued entity types.
const (
	Roaster EntityType = "roaster"
	Roast   EntityType = "roast"
	Bag     EntityType = "bag"
	Brew    EntityType = "brew"
	Cup     EntityType = "cup"
	Cafe    EntityType = "cafe"
	Gear    EntityType = "gear"
)

// EntityTypes lists every type in dependency order (referenced types first).
var EntityTypes = []EntityType{Roaster, Cafe, Gear, Roast, Bag, Brew, Cup} //nolint:gochecknoglobals // fixed catalogue

// relations maps a type to the types it references directly.
var relations = map[EntityType][]EntityType{ //nolint:gochecknoglobals // fixed catalogue
	Roast: {Roaster},
	Bag:   {Roast},
	Brew:  {Bag, Gear},
	Cup:   {Brew, Cafe},
}

// ParseEntityType validates s as an entity type.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range EntityTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// References returns the types t points at.
func (t EntityType) References() []EntityType {
	return relations[t]
}

// Referenced reports whether some other type points at t.
func (t EntityType) Referenced() bool {
	for _, targets := range relations {
		for _, target := range targets {
			if target == t {
				return true
			}
		}
	}
	return false
}

// Ref identifies one entity.
type Ref struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (r Ref) String() string {
	return string(r.Type) + ":" + r.ID
}

// Entity is the engine's read-only view of a catalogue record.
type Entity struct {
	Type       EntityType            `json:"type"`
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Slug       string                `json:"slug"`
	Refs       map[EntityType]string `json:"refs,omitempty"`
	Attrs      map[string]string     `json:"attrs,omitempty"`
	OccurredAt time.Time             `json:"occurred_at,omitzero"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Key returns the entity's reference.
func (e Entity) Key() Ref {
	return Ref{Type: e.Type, ID: e.ID}
}

// RefTo returns the id of the related entity of type t.
func (e Entity) RefTo(t EntityType) (string, bool) {
	id, ok := e.Refs[t]
	return id, ok && id != ""
}

// Attr returns an attribute or "".
func (e Entity) Attr(key string) string {
	return e.Attrs[key]
}

// EventTime is the semantic time used for timeline ordering.
func (e Entity) EventTime() time.Time {
	if !e.OccurredAt.IsZero() {
		return e.OccurredAt
	}
	return e.CreatedAt
}

// Archived entities drop out of the timeline.
func (e Entity) Archived() bool {
	return strings.EqualFold(e.Attr(AttrArchived), "true")
}

// Well-known attribute keys.
const (
	AttrArchived   = "archived"
	AttrOrigin     = "origin"
	AttrMethod     = "method"
	AttrRating     = "rating"
	AttrCity       = "city"
	AttrKind       = "kind"
	AttrFinishedAt = "finished_at"
)
