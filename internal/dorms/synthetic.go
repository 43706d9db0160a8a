package dorms

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	placeholderLoadMid  = 300.0
	placeholderLoadSpan = 50.0
	placeholderDayMin   = 5000.0
	placeholderDaySpan  = 2000.0
	placeholderScoreMin = 200
	placeholderScoreMax = 300
)

// placeholders builds stand-in snapshots when an entity cannot be fetched.
// Load follows a daily curve peaking in the early evening plus bounded
// noise, staying within 250..350.
type placeholders struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newPlaceholders(rng *rand.Rand) *placeholders {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return &placeholders{rng: rng}
}

func (p *placeholders) snapshot(e Entity, now time.Time) Snapshot {
	p.mu.Lock()
	noise := p.rng.Float64()*2 - 1
	yesterday := placeholderDayMin + p.rng.Float64()*placeholderDaySpan
	score := placeholderScoreMin + p.rng.IntN(placeholderScoreMax-placeholderScoreMin+1)
	p.mu.Unlock()

	load := placeholderLoadMid + placeholderLoadSpan*(0.6*dailyCycle(now)+0.4*noise)

	return Snapshot{
		Name:           e.Name,
		TwinID:         e.TwinID,
		CurrentLoad:    math.Round(load*10) / 10,
		YesterdayTotal: math.Round(yesterday),
		Score:          score,
		UpdatedAt:      now,
		IsRealData:     false,
	}
}

// dailyCycle is in [-1, 1], lowest at 06:00 and highest at 18:00 local time.
func dailyCycle(now time.Time) float64 {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	return math.Sin(2 * math.Pi * (hour - 12) / 24)
}
