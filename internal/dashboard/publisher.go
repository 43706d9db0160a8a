// Package dashboard drives periodic refreshes and publishes the resulting
// state to observers.
package dashboard

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mgazza/dorm-energy-sync/internal/dorms"
	"github.com/mgazza/dorm-energy-sync/internal/metrics"
)

const (
	// DefaultRefreshInterval drives real fetches.
	DefaultRefreshInterval = 30 * time.Minute
	// DefaultRotateInterval rotates the displayed dorm through cached data.
	DefaultRotateInterval = 10 * time.Second
	// LeaderboardSize is how many dorms the published leaderboard holds.
	LeaderboardSize = 3
)

// ErrStopped is returned by ForceRefresh when the publisher was stopped
// while the refresh ran. Its results are dropped.
var ErrStopped = errors.New("dashboard: publisher stopped")

// Source is the subset of dorms.Service the publisher drives.
type Source interface {
	GetUserDormData(ctx context.Context) (dorms.Snapshot, error)
	GetLeaderboard(ctx context.Context, topN int) ([]dorms.Snapshot, error)
	ClearCache()
	Cached() ([]dorms.Snapshot, time.Time, bool)
	Selection(ctx context.Context) dorms.UserSelection
	SetSelection(ctx context.Context, sel dorms.UserSelection) (dorms.UserSelection, error)
}

// Profile is the user-facing account summary shown next to the dorm data.
type Profile struct {
	Username      string `json:"username"`
	Dorm          string `json:"dorm"`
	EnergyPoints  int    `json:"energyPoints"`
	RallyDaysLeft int    `json:"rallyDaysLeft"`
}

// State is what observers see.
type State struct {
	UserDorm     *dorms.Snapshot  `json:"userDorm,omitempty"`
	Leaderboard  []dorms.Snapshot `json:"leaderboard"`
	Displayed    *dorms.Snapshot  `json:"displayed,omitempty"`
	Profile      Profile          `json:"profile"`
	Loading      bool             `json:"loading"`
	APIConnected bool             `json:"apiConnected"`
	LastError    error            `json:"-"`
	RefreshedAt  time.Time        `json:"refreshedAt"`
}

func (s State) clone() State {
	out := s
	if s.UserDorm != nil {
		u := *s.UserDorm
		out.UserDorm = &u
	}
	if s.Displayed != nil {
		d := *s.Displayed
		out.Displayed = &d
	}
	if s.Leaderboard != nil {
		out.Leaderboard = append([]dorms.Snapshot(nil), s.Leaderboard...)
	}
	return out
}

// Observer receives state updates. Observers run on a single dispatch
// goroutine, one update at a time, in publish order.
type Observer func(State)

// Options configures a Publisher.
type Options struct {
	RefreshInterval time.Duration
	RotateInterval  time.Duration
	// RallyEnd is the last day of the running rally; zero means none.
	RallyEnd time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type delivery struct {
	state  State
	target *subscriber
}

type subscriber struct {
	fn Observer
}

// Publisher owns the observable state.
type Publisher struct {
	source  Source
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state State
	// epoch is bumped by Stop; guarded by mu so a refresh can compare it
	// and publish in one step.
	epoch uint64

	refreshing atomic.Bool
	rerun      atomic.Bool
	rotation   int

	subMu       sync.Mutex
	subscribers []*subscriber

	queueMu sync.Mutex
	queue   []delivery
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once

	runMu     sync.Mutex
	cancelRun context.CancelFunc
}

// NewPublisher starts the dispatch goroutine. Call Close to stop it.
func NewPublisher(source Source, opts Options) *Publisher {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.RotateInterval <= 0 {
		opts.RotateInterval = DefaultRotateInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Publisher{
		source:  source,
		opts:    opts,
		log:     opts.Logger.Named("dashboard"),
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if cached, capturedAt, ok := source.Cached(); ok {
		p.state.Leaderboard = topN(cached, LeaderboardSize)
		p.state.RefreshedAt = capturedAt
	}
	p.state.Profile = p.profile(source.Selection(context.Background()))
	go p.dispatch()
	return p
}

// State returns a copy of the current state.
func (p *Publisher) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clone()
}

// Subscribe registers fn. It first receives the current state, then every
// later update. The returned function unsubscribes.
func (p *Publisher) Subscribe(fn Observer) func() {
	sub := &subscriber{fn: fn}
	p.mu.RLock()
	p.subMu.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.subMu.Unlock()
	p.enqueue(delivery{state: p.state.clone(), target: sub})
	p.mu.RUnlock()

	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		for i, s := range p.subscribers {
			if s == sub {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				return
			}
		}
	}
}

// ForceRefresh clears the aggregation cache and reloads the user's dorm and
// the leaderboard. It returns immediately when a refresh is already running,
// unless a selection change asked that refresh to run again.
// On failure the previous data stays published alongside the error.
func (p *Publisher) ForceRefresh(ctx context.Context) error {
	if !p.refreshing.CompareAndSwap(false, true) {
		p.log.Debug("refresh already in flight")
		return nil
	}
	for {
		p.rerun.Store(false)
		err := p.refresh(ctx)
		p.refreshing.Store(false)
		if errors.Is(err, ErrStopped) || !p.rerun.Load() || !p.refreshing.CompareAndSwap(false, true) {
			return err
		}
		p.log.Debug("selection changed during refresh, refreshing again")
	}
}

func (p *Publisher) refresh(ctx context.Context) error {
	epoch := p.currentEpoch()
	if !p.updateIf(epoch, func(s *State) { s.Loading = true }) {
		return ErrStopped
	}

	p.source.ClearCache()

	var (
		g        errgroup.Group
		user     dorms.Snapshot
		board    []dorms.Snapshot
		userErr  error
		boardErr error
	)
	g.Go(func() error {
		user, userErr = p.source.GetUserDormData(ctx)
		return userErr
	})
	g.Go(func() error {
		board, boardErr = p.source.GetLeaderboard(ctx, LeaderboardSize)
		return boardErr
	})
	failed := g.Wait() != nil

	connected := userErr == nil && user.IsRealData
	for _, snap := range board {
		if snap.IsRealData {
			connected = true
		}
	}
	lastErr := errors.Join(boardErr, userErr)

	// The user's dorm was resolved before the fetch; a selection saved since
	// then makes it the wrong dorm.
	sel := p.source.Selection(ctx)
	userCurrent := userErr == nil && strings.EqualFold(user.Name, sel.Dorm)
	for i := range board {
		board[i].IsUserDorm = sel.Dorm != "" && strings.EqualFold(board[i].Name, sel.Dorm)
	}

	published := p.updateIf(epoch, func(s *State) {
		s.Loading = false
		s.APIConnected = connected
		s.LastError = lastErr
		s.Profile = p.profile(sel)
		switch {
		case userCurrent:
			u := user
			s.UserDorm = &u
		case dorms.IsNotFound(userErr):
			s.UserDorm = nil
		}
		if boardErr == nil {
			s.Leaderboard = board
			s.RefreshedAt = p.opts.Now()
		}
	})
	if !published {
		p.abandon()
		p.log.Info("dropping refresh result after stop")
		return ErrStopped
	}
	p.metrics.SetAPIConnected(connected)

	if failed {
		p.log.Warn("refresh finished with errors", zap.Error(lastErr), zap.Bool("api_connected", connected))
	} else {
		p.log.Info("refresh finished", zap.Bool("api_connected", connected), zap.Int("leaderboard", len(board)))
	}
	return lastErr
}

// UpdateSelection stores a new selection and refreshes.
func (p *Publisher) UpdateSelection(ctx context.Context, sel dorms.UserSelection) (dorms.UserSelection, error) {
	saved, err := p.source.SetSelection(ctx, sel)
	if err != nil {
		return dorms.UserSelection{}, err
	}
	cached, _, _ := p.source.Cached()
	p.update(func(s *State) {
		s.Profile = p.profile(saved)
		s.UserDorm = nil
		for _, snap := range cached {
			if strings.EqualFold(snap.Name, saved.Dorm) {
				snap.IsUserDorm = true
				s.UserDorm = &snap
				break
			}
		}
		for i := range s.Leaderboard {
			s.Leaderboard[i].IsUserDorm = strings.EqualFold(s.Leaderboard[i].Name, saved.Dorm)
		}
	})
	p.rerun.Store(true)
	go func() {
		if err := p.ForceRefresh(context.WithoutCancel(ctx)); err != nil {
			p.log.Debug("refresh after selection change", zap.Error(err))
		}
	}()
	return saved, nil
}

// Run refreshes immediately, then on every refresh tick, and rotates the
// displayed dorm on every rotate tick. It returns when ctx is done or Stop
// is called.
func (p *Publisher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.runMu.Lock()
	p.cancelRun = cancel
	p.runMu.Unlock()
	defer cancel()

	refresh := func() {
		go func() {
			if err := p.ForceRefresh(ctx); err != nil && !errors.Is(err, ErrStopped) {
				p.log.Debug("scheduled refresh failed", zap.Error(err))
			}
		}()
	}
	refresh()

	refreshTicker := time.NewTicker(p.opts.RefreshInterval)
	defer refreshTicker.Stop()
	rotateTicker := time.NewTicker(p.opts.RotateInterval)
	defer rotateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.bumpEpoch()
			return nil
		case <-p.done:
			return nil
		case <-refreshTicker.C:
			refresh()
		case <-rotateTicker.C:
			p.Rotate()
		}
	}
}

// Stop cancels Run and any refresh in flight; nothing started before Stop is
// published afterwards.
func (p *Publisher) Stop() {
	p.bumpEpoch()
	p.runMu.Lock()
	if p.cancelRun != nil {
		p.cancelRun()
	}
	p.runMu.Unlock()
}

// Close stops the publisher and the dispatch goroutine.
func (p *Publisher) Close() {
	p.Stop()
	p.stopped.Do(func() { close(p.done) })
}

// Rotate advances the displayed dorm through the cached snapshots. It never
// fetches.
func (p *Publisher) Rotate() {
	cached, _, ok := p.source.Cached()
	if !ok || len(cached) == 0 {
		return
	}
	p.update(func(s *State) {
		p.rotation = (p.rotation + 1) % len(cached)
		d := cached[p.rotation]
		s.Displayed = &d
		s.Profile.RallyDaysLeft = RallyDaysLeft(p.opts.Now(), p.opts.RallyEnd)
	})
}

func (p *Publisher) profile(sel dorms.UserSelection) Profile {
	return Profile{
		Username:      sel.Username,
		Dorm:          sel.Dorm,
		EnergyPoints:  sel.EnergyPoints,
		RallyDaysLeft: RallyDaysLeft(p.opts.Now(), p.opts.RallyEnd),
	}
}

// RallyDaysLeft counts the calendar days from now until the rally's last
// day, in end's location. It is 0 once the rally is over or when end is zero.
func RallyDaysLeft(now, end time.Time) int {
	if end.IsZero() {
		return 0
	}
	loc := end.Location()
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)
	days := int(math.Round(last.Sub(today).Hours() / 24))
	return max(days, 0)
}

func (p *Publisher) currentEpoch() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.epoch
}

func (p *Publisher) bumpEpoch() {
	p.mu.Lock()
	p.epoch++
	p.mu.Unlock()
}

// update mutates the state and queues the result for every observer while
// holding the state lock, so deliveries follow mutation order.
func (p *Publisher) update(fn func(*State)) {
	p.mu.Lock()
	fn(&p.state)
	snapshot := p.state.clone()
	p.enqueue(delivery{state: snapshot})
	p.mu.Unlock()
}

// updateIf is update for a refresh started at epoch. It does nothing and
// returns false once Stop has been called since.
func (p *Publisher) updateIf(epoch uint64, fn func(*State)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return false
	}
	fn(&p.state)
	p.enqueue(delivery{state: p.state.clone()})
	return true
}

// abandon clears the loading flag of a dropped refresh without telling
// observers.
func (p *Publisher) abandon() {
	p.mu.Lock()
	p.state.Loading = false
	p.mu.Unlock()
}

func (p *Publisher) enqueue(d delivery) {
	p.queueMu.Lock()
	p.queue = append(p.queue, d)
	p.queueMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.queueMu.Lock()
			batch := p.queue
			p.queue = nil
			p.queueMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, d := range batch {
				p.deliver(d)
			}
		}
	}
}

func (p *Publisher) deliver(d delivery) {
	if d.target != nil {
		p.call(d.target, d.state)
		return
	}
	p.subMu.Lock()
	subs := append([]*subscriber(nil), p.subscribers...)
	p.subMu.Unlock()
	for _, sub := range subs {
		p.call(sub, d.state)
	}
}

func (p *Publisher) call(sub *subscriber, state State) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("observer panicked", zap.Any("panic", r))
		}
	}()
	sub.fn(state)
}

func topN(snapshots []dorms.Snapshot, n int) []dorms.Snapshot {
	if n > 0 && n < len(snapshots) {
		return snapshots[:n]
	}
	return snapshots
}
