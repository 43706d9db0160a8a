package telemetry

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	latestPath = "/time-series/{entityId}/latest"
	rangePath  = "/time-series/{entityId}"

	// DefaultPageSize is the page size used for range queries.
	DefaultPageSize = 250
)

// GetLatestReading returns the most recent sample for entityID, or nil when
// the service has no data for it.
func (c *Client) GetLatestReading(ctx context.Context, entityID string) (*Reading, error) {
	body, err := c.Execute(ctx, Request{
		ID:         "latest",
		Path:       latestPath,
		PathParams: map[string]string{"entityId": entityID},
		Query:      url.Values{"includeDataQuality": {"true"}},
	})
	if err != nil {
		return nil, err
	}

	p, err := decodePage[readingPayload](body)
	if err != nil {
		return nil, err
	}
	if len(p.Items) == 0 {
		return nil, nil
	}

	reading := latestOf(p.Items).toReading(entityID)
	if !reading.Trusted() {
		c.log.Info("reading flagged by data quality",
			zap.String("entity", entityID),
			zap.Any("quality", reading.Quality),
		)
	}
	return &reading, nil
}

// latestOf picks the sample with the newest source timestamp. The service
// normally returns one sample; ties keep the first.
func latestOf(items []readingPayload) readingPayload {
	best := items[0]
	for _, item := range items[1:] {
		if item.SourceTimestamp == nil || best.SourceTimestamp == nil {
			continue
		}
		if time.Time(*item.SourceTimestamp).After(time.Time(*best.SourceTimestamp)) {
			best = item
		}
	}
	return best
}

// GetReadingsInRange returns up to maxCount samples for entityID with source
// timestamps in [start, end), following continuation tokens across pages.
// A non-positive maxCount means DefaultPageSize.
func (c *Client) GetReadingsInRange(ctx context.Context, entityID string, start, end time.Time, maxCount int) ([]Reading, error) {
	if maxCount <= 0 {
		maxCount = DefaultPageSize
	}

	var (
		readings     []Reading
		continuation string
	)
	for len(readings) < maxCount {
		pageSize := min(maxCount-len(readings), DefaultPageSize)
		query := url.Values{
			"start":              {start.UTC().Format(time.RFC3339)},
			"end":                {end.UTC().Format(time.RFC3339)},
			"pageSize":           {strconv.Itoa(pageSize)},
			"includeDataQuality": {"true"},
		}
		if continuation != "" {
			query.Set("continuationToken", continuation)
		}

		body, err := c.Execute(ctx, Request{
			ID:         "range",
			Path:       rangePath,
			PathParams: map[string]string{"entityId": entityID},
			Query:      query,
		})
		if err != nil {
			return nil, err
		}

		p, err := decodePage[readingPayload](body)
		if err != nil {
			return nil, err
		}
		for _, item := range p.Items {
			if len(readings) == maxCount {
				break
			}
			readings = append(readings, item.toReading(entityID))
		}

		if p.ContinuationToken == "" || len(p.Items) == 0 {
			break
		}
		continuation = p.ContinuationToken
	}

	c.log.Debug("range fetched",
		zap.String("entity", entityID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("count", len(readings)),
	)
	return readings, nil
}
