package dorms

import (
	"cmp"
	"slices"
)

// Score maps the current load to a potential-energy score. Lower load never
// scores lower.
func Score(load float64) int {
	switch {
	case load < 200:
		return 300
	case load < 280:
		return 250
	case load < 350:
		return 200
	default:
		return 150
	}
}

// Rank orders snapshots by score, highest first, breaking ties by name, and
// assigns 1-based ranks in place.
func Rank(snapshots []Snapshot) {
	slices.SortStableFunc(snapshots, func(a, b Snapshot) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	for i := range snapshots {
		snapshots[i].Rank = i + 1
	}
}
