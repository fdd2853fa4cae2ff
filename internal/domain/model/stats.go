package model

import "time"

// NameCount is one row of a ranked aggregate.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats is an immutable aggregate over the whole catalogue. Values are
// published whole and never mutated after publication.
type Stats struct {
	Generation       uint64             `json:"generation"`
	ComputedAt       time.Time          `json:"computed_at"`
	Counts           map[EntityType]int `json:"counts"`
	TopOrigins       []NameCount        `json:"top_origins"`
	TopRoasters      []NameCount        `json:"top_roasters"`
	BrewMethods      []NameCount        `json:"brew_methods"`
	RatedCups        int                `json:"rated_cups"`
	AverageCupRating float64            `json:"average_cup_rating"`
}

// EmptyStats returns the zeroed default published before the first recompute.
func EmptyStats() *Stats {
	counts := make(map[EntityType]int, len(EntityTypes))
	for _, t := range EntityTypes {
		counts[t] = 0
	}
	return &Stats{
		Counts:      counts,
		TopOrigins:  []NameCount{},
		TopRoasters: []NameCount{},
		BrewMethods: []NameCount{},
	}
}
