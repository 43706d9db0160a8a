package telemetry

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// DataQuality flags raised by the telemetry service for a sample.
type DataQuality struct {
	Offline         bool `json:"offline"`
	ValueOutOfRange bool `json:"valueOutOfRange"`
	Sparse          bool `json:"sparse"`
	Flatline        bool `json:"flatline"`
	Delayed         bool `json:"delayed"`
}

// Flagged reports whether any quality flag is set.
func (q DataQuality) Flagged() bool {
	return q.Offline || q.ValueOutOfRange || q.Sparse || q.Flatline || q.Delayed
}

// Reading is a single scalar sample for an entity.
type Reading struct {
	EntityID          string
	ConnectorID       string
	ExternalID        string
	TrendID           string
	SourceTimestamp   time.Time
	EnqueuedTimestamp time.Time
	Value             float64
	Properties        map[string]any
	Quality           DataQuality
}

// Trusted is false when the service flagged the sample. Flagged samples are
// still returned to callers.
func (r Reading) Trusted() bool {
	return !r.Quality.Flagged()
}

// readingPayload is the wire shape of a time-series sample.
type readingPayload struct {
	ConnectorID       string           `json:"connectorId"`
	TwinID            string           `json:"twinId"`
	ExternalID        string           `json:"externalId"`
	TrendID           string           `json:"trendId"`
	SourceTimestamp   *strfmt.DateTime `json:"sourceTimestamp"`
	EnqueuedTimestamp *strfmt.DateTime `json:"enqueuedTimestamp"`
	ScalarValue       *float64         `json:"scalarValue"`
	Properties        map[string]any   `json:"properties"`
	DataQuality       *DataQuality     `json:"dataQuality"`
}

func (p readingPayload) toReading(entityID string) Reading {
	r := Reading{
		EntityID:    entityID,
		ConnectorID: p.ConnectorID,
		ExternalID:  p.ExternalID,
		TrendID:     p.TrendID,
		Properties:  p.Properties,
	}
	if p.TwinID != "" {
		r.EntityID = p.TwinID
	}
	r.SourceTimestamp = timeOf(p.SourceTimestamp)
	r.EnqueuedTimestamp = timeOf(p.EnqueuedTimestamp)
	if p.ScalarValue != nil {
		r.Value = *p.ScalarValue
	}
	if p.DataQuality != nil {
		r.Quality = *p.DataQuality
	}
	return r
}

// timeOf maps a missing or empty timestamp to the zero time. strfmt decodes
// "" as the Unix epoch.
func timeOf(dt *strfmt.DateTime) time.Time {
	if dt == nil {
		return time.Time{}
	}
	t := time.Time(*dt)
	if t.Unix() == 0 {
		return time.Time{}
	}
	return t
}
