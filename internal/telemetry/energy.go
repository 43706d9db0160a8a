package telemetry

import "time"

const (
	// DefaultSampleInterval replaces steps that cannot be trusted: zero,
	// negative or missing timestamps.
	DefaultSampleInterval = 15 * time.Minute
	// MaxSampleGap caps the step between two samples so one long outage
	// does not dominate the total.
	MaxSampleGap = 2 * time.Hour
)

// IntegrateKWh accumulates energy over a series of power samples in kW using
// the trapezoidal rule. Samples are taken in the order given.
func IntegrateKWh(readings []Reading) float64 {
	var total float64
	for i := 1; i < len(readings); i++ {
		prev, cur := readings[i-1], readings[i]
		step := sampleStep(prev.SourceTimestamp, cur.SourceTimestamp)
		total += (prev.Value + cur.Value) / 2 * step.Hours()
	}
	return total
}

func sampleStep(prev, cur time.Time) time.Duration {
	if prev.IsZero() || cur.IsZero() {
		return DefaultSampleInterval
	}
	step := cur.Sub(prev)
	switch {
	case step <= 0:
		return DefaultSampleInterval
	case step > MaxSampleGap:
		return MaxSampleGap
	}
	return step
}
