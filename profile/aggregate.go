package profile

import (
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Confidence is the saturating confidence of a preference backed by n
// pieces of evidence: 0, 0.5, 0.67, 0.75, ...
func Confidence(n int) float64 {
	return 1 - 1/(1+float64(n))
}

type tally struct {
	value  string
	weight float64
	latest time.Time
}

// beats orders candidate values: more weight, then more recent, then the
// smaller value.
func (t *tally) beats(o *tally) bool {
	if t.weight != o.weight {
		return t.weight > o.weight
	}
	if !t.latest.Equal(o.latest) {
		return t.latest.After(o.latest)
	}
	return t.value < o.value
}

// Aggregate folds evidence into preferences. It is pure: the same evidence
// in any order yields the same preferences.
func Aggregate(evidence []Evidence) core.Preferences {
	type group struct {
		values map[string]*tally
		total  float64
		count  int
		latest time.Time
	}

	groups := make(map[string]*group)
	for _, e := range evidence {
		g, ok := groups[e.Key]
		if !ok {
			g = &group{values: make(map[string]*tally)}
			groups[e.Key] = g
		}
		t, ok := g.values[e.Value]
		if !ok {
			t = &tally{value: e.Value}
			g.values[e.Value] = t
		}
		t.weight += e.Weight
		if e.ObservedAt.After(t.latest) {
			t.latest = e.ObservedAt
		}
		if e.ObservedAt.After(g.latest) {
			g.latest = e.ObservedAt
		}
		g.total += e.Weight
		g.count++
	}

	prefs := make(core.Preferences, len(groups))
	for key, g := range groups {
		var best *tally
		for _, t := range g.values {
			if best == nil || t.beats(best) {
				best = t
			}
		}
		support := 0.0
		if g.total > 0 {
			support = best.weight / g.total
		}
		prefs[key] = core.Preference{
			Value:         best.value,
			Confidence:    Confidence(g.count),
			Support:       support,
			EvidenceCount: g.count,
			LastUpdated:   g.latest,
		}
	}
	return prefs
}
