// Package dorms aggregates per-dorm telemetry into ranked snapshots and
// caches them.
package dorms

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mgazza/dorm-energy-sync/internal/metrics"
	"github.com/mgazza/dorm-energy-sync/internal/store"
	"github.com/mgazza/dorm-energy-sync/internal/telemetry"
)

const (
	// DefaultTTL is how long an aggregation result is served without I/O.
	DefaultTTL = 30 * time.Minute

	// estimate for the previous day when history is not integrated
	estimatedHours  = 24
	estimatedFactor = 0.8

	historyLimit = 2000

	selectionKey = "selection"
	snapshotsKey = "snapshots"
)

// Fetcher retrieves readings for one entity.
type Fetcher interface {
	GetLatestReading(ctx context.Context, entityID string) (*telemetry.Reading, error)
	GetReadingsInRange(ctx context.Context, entityID string, start, end time.Time, maxCount int) ([]telemetry.Reading, error)
}

// Recorder receives every successful aggregation result.
type Recorder interface {
	Record(ctx context.Context, snapshots []Snapshot) error
}

// Options configures a Service. Zero values pick defaults.
type Options struct {
	Entities         []Entity
	TTL              time.Duration
	IntegrateHistory bool
	DefaultSelection UserSelection
	Store            store.Store
	Recorder         Recorder
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
	Rand             *rand.Rand
}

type cacheEntry struct {
	Snapshots  []Snapshot `json:"snapshots"`
	CapturedAt time.Time  `json:"capturedAt"`
}

// Service owns the aggregation cache. It is safe for concurrent use.
type Service struct {
	fetcher      Fetcher
	entities     []Entity
	ttl          time.Duration
	integrate    bool
	defaultSel   UserSelection
	store        store.Store
	recorder     Recorder
	log          *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	placeholders *placeholders

	mu    sync.RWMutex
	entry *cacheEntry
	valid bool

	group singleflight.Group
}

// NewService wires a Service around fetcher.
func NewService(fetcher Fetcher, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Entities == nil {
		opts.Entities = DefaultEntities()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultSelection.Username == "" {
		opts.DefaultSelection.Username = "Guest"
	}

	entities := make([]Entity, len(opts.Entities))
	copy(entities, opts.Entities)

	return &Service{
		fetcher:      fetcher,
		entities:     entities,
		ttl:          opts.TTL,
		integrate:    opts.IntegrateHistory,
		defaultSel:   opts.DefaultSelection,
		store:        opts.Store,
		recorder:     opts.Recorder,
		log:          opts.Logger.Named("dorms"),
		metrics:      opts.Metrics,
		now:          opts.Now,
		placeholders: newPlaceholders(opts.Rand),
	}
}

// Entities returns the configured dorms.
func (s *Service) Entities() []Entity {
	out := make([]Entity, len(s.entities))
	copy(out, s.entities)
	return out
}

// GetAllDormData returns ranked snapshots for every configured dorm. A cache
// entry younger than the TTL is returned without I/O. Otherwise the dorms are
// fetched one after another; a failed dorm is replaced by a placeholder and
// only a failure of every dorm is returned as an error. Concurrent callers
// that miss the cache share one fetch.
func (s *Service) GetAllDormData(ctx context.Context) ([]Snapshot, error) {
	if snapshots, ok := s.fresh(); ok {
		s.metrics.CacheHit()
		return snapshots, nil
	}
	s.metrics.CacheMiss()

	result := s.group.DoChan("all", func() (any, error) {
		if snapshots, ok := s.fresh(); ok {
			return snapshots, nil
		}
		return s.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneSnapshots(res.Val.([]Snapshot)), nil
	}
}

// GetUserDormData returns the snapshot of the selected dorm.
func (s *Service) GetUserDormData(ctx context.Context) (Snapshot, error) {
	sel := s.Selection(ctx)
	if sel.Dorm == "" {
		return Snapshot{}, &NotFoundError{}
	}
	if _, ok := findEntity(s.entities, sel.Dorm); !ok {
		return Snapshot{}, &NotFoundError{Name: sel.Dorm}
	}

	snapshots, err := s.GetAllDormData(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, snap := range snapshots {
		if strings.EqualFold(snap.Name, sel.Dorm) {
			snap.IsUserDorm = true
			return snap, nil
		}
	}
	return Snapshot{}, &NotFoundError{Name: sel.Dorm}
}

// GetLeaderboard returns the first topN snapshots by rank. A non-positive
// topN returns all of them.
func (s *Service) GetLeaderboard(ctx context.Context, topN int) ([]Snapshot, error) {
	snapshots, err := s.GetAllDormData(ctx)
	if err != nil {
		return nil, err
	}
	if topN > 0 && topN < len(snapshots) {
		snapshots = snapshots[:topN]
	}
	sel := s.Selection(ctx)
	for i := range snapshots {
		snapshots[i].IsUserDorm = sel.Dorm != "" && strings.EqualFold(snapshots[i].Name, sel.Dorm)
	}
	return snapshots, nil
}

// ClearCache makes the next GetAllDormData call fetch. The previous result
// stays available through Cached.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// Cached returns the last aggregation result regardless of age, for painting
// before the first refresh completes.
func (s *Service) Cached() ([]Snapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entry == nil {
		return nil, time.Time{}, false
	}
	return cloneSnapshots(s.entry.Snapshots), s.entry.CapturedAt, true
}

// Restore loads the last persisted aggregation result. It is served as fresh
// only while it is younger than the TTL.
func (s *Service) Restore(ctx context.Context) error {
	var entry cacheEntry
	if err := store.GetValue(ctx, s.store, snapshotsKey, &entry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore snapshots: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != nil && !s.entry.CapturedAt.Before(entry.CapturedAt) {
		return nil
	}
	s.entry = &entry
	s.valid = true
	s.log.Info("restored snapshots",
		zap.Int("count", len(entry.Snapshots)),
		zap.Time("captured_at", entry.CapturedAt),
	)
	return nil
}

// Selection returns the persisted user selection, or the configured default
// when none was saved or the store is unavailable.
func (s *Service) Selection(ctx context.Context) UserSelection {
	var sel UserSelection
	err := store.GetValue(ctx, s.store, selectionKey, &sel)
	switch {
	case err == nil:
		return sel
	case !errors.Is(err, store.ErrNotFound):
		s.log.Warn("load selection failed, using default", zap.Error(err))
	}
	return s.defaultSel
}

// SetSelection validates and persists sel, energy points included.
func (s *Service) SetSelection(ctx context.Context, sel UserSelection) (UserSelection, error) {
	entity, ok := findEntity(s.entities, sel.Dorm)
	if !ok {
		return UserSelection{}, &NotFoundError{Name: sel.Dorm}
	}
	if sel.EnergyPoints < 0 {
		return UserSelection{}, ErrNegativePoints
	}
	sel.Dorm = entity.Name
	sel.Username = strings.TrimSpace(sel.Username)
	if sel.Username == "" {
		sel.Username = s.defaultSel.Username
	}
	if err := store.PutValue(ctx, s.store, selectionKey, sel, 0); err != nil {
		return UserSelection{}, fmt.Errorf("save selection: %w", err)
	}
	s.log.Info("selection changed",
		zap.String("dorm", sel.Dorm),
		zap.String("username", sel.Username),
		zap.Int("energy_points", sel.EnergyPoints),
	)
	return sel, nil
}

func (s *Service) fresh() ([]Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entry == nil || !s.valid || s.now().Sub(s.entry.CapturedAt) >= s.ttl {
		return nil, false
	}
	return cloneSnapshots(s.entry.Snapshots), true
}

// refresh runs one aggregation cycle. The cache is only replaced once every
// dorm has been resolved; a cancelled context discards the partial result.
func (s *Service) refresh(ctx context.Context) ([]Snapshot, error) {
	cycle := uuid.NewString()
	log := s.log.With(zap.String("cycle", cycle))

	ctx, span := otel.Tracer("github.com/mgazza/dorm-energy-sync/internal/dorms").Start(ctx, "dorms.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("cycle", cycle), attribute.Int("entities", len(s.entities)))

	started := s.now()
	snapshots := make([]Snapshot, 0, len(s.entities))
	var (
		lastErr  error
		failures int
	)
	for _, entity := range s.entities {
		snap, err := s.fetchSnapshot(ctx, entity)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("refresh cancelled", zap.Error(ctx.Err()))
				return nil, ctx.Err()
			}
			failures++
			lastErr = fmt.Errorf("%s: %w", entity.Name, err)
			log.Warn("dorm fetch failed, using placeholder",
				zap.String("entity", entity.Name),
				zap.Bool("retryable", telemetry.IsRetryable(err)),
				zap.Error(err),
			)
			s.metrics.SyntheticFallback(entity.Name)
			snap = s.placeholders.snapshot(entity, s.now())
		}
		snapshots = append(snapshots, snap)
	}

	if err := ctx.Err(); err != nil {
		log.Info("refresh cancelled", zap.Error(err))
		return nil, err
	}
	if len(s.entities) > 0 && failures == len(s.entities) {
		s.metrics.AggregationCycle("failed")
		span.SetStatus(codes.Error, lastErr.Error())
		log.Error("every dorm failed", zap.Error(lastErr))
		return nil, lastErr
	}

	Rank(snapshots)
	capturedAt := s.now()

	s.mu.Lock()
	s.entry = &cacheEntry{Snapshots: snapshots, CapturedAt: capturedAt}
	s.valid = true
	s.mu.Unlock()

	switch {
	case failures == 0:
		s.metrics.AggregationCycle("real")
	default:
		s.metrics.AggregationCycle("partial")
	}
	log.Info("refresh complete",
		zap.Int("dorms", len(snapshots)),
		zap.Int("placeholders", failures),
		zap.Duration("took", capturedAt.Sub(started)),
	)

	s.persist(ctx, snapshots, capturedAt)
	return cloneSnapshots(snapshots), nil
}

func (s *Service) persist(ctx context.Context, snapshots []Snapshot, capturedAt time.Time) {
	entry := cacheEntry{Snapshots: snapshots, CapturedAt: capturedAt}
	if err := store.PutValue(ctx, s.store, snapshotsKey, entry, 0); err != nil {
		s.log.Warn("persist snapshots failed", zap.Error(err))
	}
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, cloneSnapshots(snapshots)); err != nil {
			s.log.Warn("record snapshots failed", zap.Error(err))
		}
	}
}

func (s *Service) fetchSnapshot(ctx context.Context, entity Entity) (Snapshot, error) {
	reading, err := s.fetcher.GetLatestReading(ctx, entity.TwinID)
	if err != nil {
		return Snapshot{}, err
	}
	if reading == nil {
		return Snapshot{}, ErrNoReading
	}

	now := s.now()
	load := reading.Value
	snap := Snapshot{
		Name:           entity.Name,
		TwinID:         entity.TwinID,
		CurrentLoad:    load,
		YesterdayTotal: load * estimatedHours * estimatedFactor,
		Score:          Score(load),
		UpdatedAt:      now,
		ReadingAt:      reading.SourceTimestamp,
		IsRealData:     true,
		Untrusted:      !reading.Trusted(),
	}

	if s.integrate {
		start, end := previousDay(now)
		readings, err := s.fetcher.GetReadingsInRange(ctx, entity.TwinID, start, end, historyLimit)
		switch {
		case err != nil:
			s.log.Debug("history unavailable, keeping estimate", zap.String("entity", entity.Name), zap.Error(err))
		case len(readings) >= 2:
			snap.YesterdayTotal = telemetry.IntegrateKWh(readings)
			snap.YesterdayMeasured = true
		}
	}
	return snap, nil
}

// previousDay returns the local calendar day before now.
func previousDay(now time.Time) (time.Time, time.Time) {
	end := truncateToMidnight(now)
	return end.AddDate(0, 0, -1), end
}

func truncateToMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
