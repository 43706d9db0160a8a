package dorms

import (
	"strings"
	"time"
)

// StaleAfter is the age after which a snapshot is shown as stale.
const StaleAfter = 30 * time.Minute

// Entity is a monitored building.
type Entity struct {
	Name   string `json:"name" yaml:"name"`
	TwinID string `json:"twinId" yaml:"twinId"`
}

// DefaultEntities are the dorms monitored when no entities file is given.
func DefaultEntities() []Entity {
	return []Entity{
		{Name: "TINSLEY", TwinID: "PNT9CnuLmTV4tkZwAigypXrnY"},
		{Name: "GABALDON", TwinID: "PNT6hrRL8shRqbwLaXsbhDrBC"},
	}
}

// Snapshot is the derived energy view of one dorm at one refresh.
type Snapshot struct {
	Name   string `json:"name"`
	TwinID string `json:"twinId"`
	// CurrentLoad is the latest reading in kW.
	CurrentLoad float64 `json:"currentLoad"`
	// YesterdayTotal is the previous day's energy in kWh. Estimated from the
	// current load unless YesterdayMeasured is set.
	YesterdayTotal    float64   `json:"yesterdayTotal"`
	YesterdayMeasured bool      `json:"yesterdayMeasured"`
	Score             int       `json:"score"`
	Rank              int       `json:"rank"`
	UpdatedAt         time.Time `json:"updatedAt"`
	ReadingAt         time.Time `json:"readingAt,omitempty"`
	IsRealData        bool      `json:"isRealData"`
	// Untrusted is set when the reading carried data quality flags.
	Untrusted  bool `json:"untrusted"`
	IsUserDorm bool `json:"isUserDorm"`
}

// Stale reports whether the snapshot is older than StaleAfter at now.
func (s Snapshot) Stale(now time.Time) bool {
	return now.Sub(s.UpdatedAt) > StaleAfter
}

// UserSelection is the dorm the user follows, the name shown for them and
// their spendable energy points. It is persisted as one record.
type UserSelection struct {
	Username     string `json:"username"`
	Dorm         string `json:"dorm"`
	EnergyPoints int    `json:"energyPoints"`
}

func findEntity(entities []Entity, name string) (Entity, bool) {
	for _, e := range entities {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entity{}, false
}

func cloneSnapshots(in []Snapshot) []Snapshot {
	if in == nil {
		return nil
	}
	out := make([]Snapshot, len(in))
	copy(out, in)
	return out
}
