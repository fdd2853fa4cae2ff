package model

import (
	"encoding/json"
	"time"
)

// Kind classifies a timeline event.
type Kind string

// Timeline event kinds.
const (
	KindRoasterAdded Kind = "roaster.added"
	KindRoastRoasted Kind = "roast.roasted"
	KindBagOpened    Kind = "bag.opened"
	KindBagFinished  Kind = "bag.finished"
	KindBrewBrewed   Kind = "brew.brewed"
	KindCupTasted    Kind = "cup.tasted"
	KindCafeVisited  Kind = "cafe.visited"
	KindGearAcquired Kind = "gear.acquired"
)

// Snapshot holds display fields copied from related entities.
type Snapshot map[string]string

// Encode renders the snapshot as JSON; keys are sorted so equal snapshots
// encode to identical bytes.
func (s Snapshot) Encode() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(s))
}

// DecodeSnapshot parses an encoded snapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	s := Snapshot{}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// TimelineEvent is a denormalized, chronologically ordered feed entry.
type TimelineEvent struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Kind       Kind       `json:"kind"`
	OccurredAt time.Time  `json:"occurred_at"`
	Snapshot   Snapshot   `json:"snapshot"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EventKey is the natural key of an event: one per subject and kind.
type EventKey struct {
	EntityType EntityType
	EntityID   string
	Kind       Kind
}

// Key returns the event's natural key.
func (e TimelineEvent) Key() EventKey {
	return EventKey{EntityType: e.EntityType, EntityID: e.EntityID, Kind: e.Kind}
}

// Subject returns the reference of the event's subject entity.
func (e TimelineEvent) Subject() Ref {
	return Ref{Type: e.EntityType, ID: e.EntityID}
}
