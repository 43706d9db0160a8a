package dorms

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScoreSteps(t *testing.T) {
	tests := []struct {
		load   float64
		expect int
	}{
		{load: 0, expect: 300},
		{load: 199.9, expect: 300},
		{load: 200, expect: 250},
		{load: 279.9, expect: 250},
		{load: 280, expect: 200},
		{load: 349.9, expect: 200},
		{load: 350, expect: 150},
		{load: 10000, expect: 150},
	}
	for _, test := range tests {
		require.Equal(t, test.expect, Score(test.load), "load %.1f", test.load)
	}
}

func TestScoreMonotonic(t *testing.T) {
	prev := Score(0)
	for load := 0.0; load <= 1000; load += 0.5 {
		cur := Score(load)
		require.LessOrEqual(t, cur, prev, "load %.1f", load)
		prev = cur
	}
}

func TestRankTieBreaksByName(t *testing.T) {
	snapshots := []Snapshot{
		{Name: "A", Score: 300},
		{Name: "B", Score: 200},
		{Name: "C", Score: 300},
	}
	Rank(snapshots)

	require.Equal(t, "A", snapshots[0].Name)
	require.Equal(t, 1, snapshots[0].Rank)
	require.Equal(t, "C", snapshots[1].Name)
	require.Equal(t, 2, snapshots[1].Rank)
	require.Equal(t, "B", snapshots[2].Name)
	require.Equal(t, 3, snapshots[2].Rank)
}

func TestPlaceholderBounds(t *testing.T) {
	p := newPlaceholders(rand.New(rand.NewPCG(7, 11)))
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 500 {
		now := start.Add(time.Duration(i) * 17 * time.Minute)
		snap := p.snapshot(tinsley, now)
		require.False(t, snap.IsRealData)
		require.GreaterOrEqual(t, snap.CurrentLoad, 250.0)
		require.LessOrEqual(t, snap.CurrentLoad, 350.0)
		require.GreaterOrEqual(t, snap.YesterdayTotal, 5000.0)
		require.LessOrEqual(t, snap.YesterdayTotal, 7000.0)
		require.GreaterOrEqual(t, snap.Score, 200)
		require.LessOrEqual(t, snap.Score, 300)
	}
}

func TestDailyCycleShape(t *testing.T) {
	morning := time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	evening := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	require.InDelta(t, -1, dailyCycle(morning), 1e-9)
	require.InDelta(t, 1, dailyCycle(evening), 1e-9)
}
