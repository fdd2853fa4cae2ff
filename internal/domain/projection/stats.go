package projection

import (
	"cmp"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/okian/roastlog/internal/domain/model"
)

// TopN bounds the ranked lists in Stats.
const TopN = 5

// BuildStats aggregates entities in a single pass. An empty set yields the
// zeroed default. Generation is left for the publisher to assign.
func BuildStats(entities []model.Entity, now time.Time) *model.Stats {
	st := model.EmptyStats()
	st.ComputedAt = now.UTC()

	var (
		origins      = map[string]int{}
		methods      = map[string]int{}
		roastsByID   = map[string]int{}
		roasterNames = map[string]string{}
		ratingSum    float64
	)
	for _, e := range entities {
		st.Counts[e.Type]++
		switch e.Type {
		case model.Roaster:
			roasterNames[e.ID] = e.Name
		case model.Roast:
			if o := e.Attr(model.AttrOrigin); o != "" {
				origins[o]++
			}
			if id, ok := e.RefTo(model.Roaster); ok {
				roastsByID[id]++
			}
		case model.Brew:
			if m := e.Attr(model.AttrMethod); m != "" {
				methods[m]++
			}
		case model.Cup:
			if r, err := strconv.ParseFloat(e.Attr(model.AttrRating), 64); err == nil && !math.IsNaN(r) {
				st.RatedCups++
				ratingSum += r
			}
		}
	}

	roasters := map[string]int{}
	for id, n := range roastsByID {
		name, ok := roasterNames[id]
		if !ok {
			name = Placeholder
		}
		roasters[name] += n
	}

	st.TopOrigins = ranked(origins, TopN)
	st.TopRoasters = ranked(roasters, TopN)
	st.BrewMethods = ranked(methods, 0)
	if st.RatedCups > 0 {
		st.AverageCupRating = math.Round(ratingSum/float64(st.RatedCups)*100) / 100
	}
	return st
}

// ranked orders counts by count desc then name; limit 0 keeps everything.
func ranked(counts map[string]int, limit int) []model.NameCount {
	out := make([]model.NameCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, model.NameCount{Name: name, Count: n})
	}
	slices.SortFunc(out, func(a, b model.NameCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
