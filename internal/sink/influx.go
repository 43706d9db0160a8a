// Package sink forwards aggregation results and published state to external
// systems.
package sink

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/mgazza/dorm-energy-sync/internal/dorms"
)

const measurement = "dorm_energy"

// Influx writes every aggregation cycle to an InfluxDB bucket.
type Influx struct {
	client influxdb2.Client
	org    string
	bucket string
	log    *zap.Logger
}

// NewInflux creates an Influx sink.
func NewInflux(url, token, org, bucket string, logger *zap.Logger) *Influx {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Influx{
		client: influxdb2.NewClient(url, token),
		org:    org,
		bucket: bucket,
		log:    logger.Named("influx"),
	}
}

// Record writes one point per dorm.
func (i *Influx) Record(ctx context.Context, snapshots []dorms.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(snapshots))
	for _, snap := range snapshots {
		points = append(points, snapshotPoint(snap))
	}

	writeAPI := i.client.WriteAPIBlocking(i.org, i.bucket)
	if err := writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}
	i.log.Debug("points written", zap.String("bucket", i.bucket), zap.Int("points", len(points)))
	return nil
}

// Close releases the client's connections.
func (i *Influx) Close() {
	i.client.Close()
}

func snapshotPoint(snap dorms.Snapshot) *write.Point {
	ts := snap.ReadingAt
	if ts.IsZero() {
		ts = snap.UpdatedAt
	}
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"dorm":      snap.Name,
			"twin_id":   snap.TwinID,
			"real_data": strconv.FormatBool(snap.IsRealData),
		},
		map[string]interface{}{
			"current_load_kw":    snap.CurrentLoad,
			"yesterday_kwh":      snap.YesterdayTotal,
			"yesterday_measured": snap.YesterdayMeasured,
			"score":              snap.Score,
			"rank":               snap.Rank,
			"untrusted":          snap.Untrusted,
		},
		ts,
	)
}
