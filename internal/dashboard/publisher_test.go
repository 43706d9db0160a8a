package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgazza/dorm-energy-sync/internal/dorms"
	"github.com/mgazza/dorm-energy-sync/internal/telemetry"
)

type fakeSource struct {
	mu            sync.Mutex
	snapshots     []dorms.Snapshot
	err           error
	selection     dorms.UserSelection
	gate          chan struct{}
	selectionGate chan struct{}
	clears        atomic.Int32
	fetches       atomic.Int32
	userReads     atomic.Int32
	lookups       atomic.Int32
	cached        []dorms.Snapshot
	hasCached     bool
}

func (f *fakeSource) wait(ctx context.Context) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-ctx.Done():
	}
}

// GetUserDormData resolves the selection before waiting, as dorms.Service
// does before it fetches.
func (f *fakeSource) GetUserDormData(ctx context.Context) (dorms.Snapshot, error) {
	f.mu.Lock()
	dorm := f.selection.Dorm
	f.mu.Unlock()
	f.userReads.Add(1)

	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return dorms.Snapshot{}, f.err
	}
	for _, snap := range f.snapshots {
		if snap.Name == dorm {
			snap.IsUserDorm = true
			return snap, nil
		}
	}
	return dorms.Snapshot{}, &dorms.NotFoundError{Name: dorm}
}

func (f *fakeSource) GetLeaderboard(ctx context.Context, topN int) ([]dorms.Snapshot, error) {
	f.fetches.Add(1)
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.cached = append([]dorms.Snapshot(nil), f.snapshots...)
	f.hasCached = true
	out := append([]dorms.Snapshot(nil), f.snapshots...)
	if topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}

func (f *fakeSource) ClearCache() { f.clears.Add(1) }

func (f *fakeSource) Cached() ([]dorms.Snapshot, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dorms.Snapshot(nil), f.cached...), time.Time{}, f.hasCached
}

func (f *fakeSource) Selection(ctx context.Context) dorms.UserSelection {
	f.mu.Lock()
	gate := f.selectionGate
	f.mu.Unlock()
	if gate != nil {
		f.lookups.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selection
}

func (f *fakeSource) SetSelection(_ context.Context, sel dorms.UserSelection) (dorms.UserSelection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range f.snapshots {
		if snap.Name == sel.Dorm {
			f.selection = sel
			return sel, nil
		}
	}
	return dorms.UserSelection{}, &dorms.NotFoundError{Name: sel.Dorm}
}

func (f *fakeSource) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeSource) setSelectionGate(gate chan struct{}) {
	f.mu.Lock()
	f.selectionGate = gate
	f.mu.Unlock()
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func realSnapshots() []dorms.Snapshot {
	return []dorms.Snapshot{
		{Name: "TINSLEY", CurrentLoad: 180, Score: 300, Rank: 1, IsRealData: true},
		{Name: "GABALDON", CurrentLoad: 320, Score: 200, Rank: 2, IsRealData: true},
	}
}

var (
	testNow      = time.Date(2025, time.October, 26, 15, 30, 0, 0, time.UTC)
	testRallyEnd = time.Date(2025, time.October, 29, 0, 0, 0, 0, time.UTC)
)

func newTestPublisher(t *testing.T, src *fakeSource) *Publisher {
	t.Helper()
	p := NewPublisher(src, Options{
		RallyEnd: testRallyEnd,
		Now:      func() time.Time { return testNow },
	})
	t.Cleanup(p.Close)
	return p
}

func TestForceRefreshPublishesState(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Username: "sam", Dorm: "TINSLEY", EnergyPoints: 5460}}
	p := newTestPublisher(t, src)

	require.NoError(t, p.ForceRefresh(context.Background()))

	state := p.State()
	require.False(t, state.Loading)
	require.True(t, state.APIConnected)
	require.NoError(t, state.LastError)
	require.Len(t, state.Leaderboard, 2)
	require.NotNil(t, state.UserDorm)
	require.Equal(t, "TINSLEY", state.UserDorm.Name)
	require.Equal(t, Profile{Username: "sam", Dorm: "TINSLEY", EnergyPoints: 5460, RallyDaysLeft: 3}, state.Profile)
	require.EqualValues(t, 1, src.clears.Load())
}

func TestForceRefreshIsNoOpWhileRefreshing(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	src.setGate(gate)
	p := newTestPublisher(t, src)

	done := make(chan error, 1)
	go func() { done <- p.ForceRefresh(context.Background()) }()

	require.Eventually(t, func() bool { return p.State().Loading }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.ForceRefresh(context.Background()))
	require.EqualValues(t, 1, src.clears.Load())

	close(gate)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, src.fetches.Load())
	require.False(t, p.State().Loading)
}

func TestStopDropsInFlightRefresh(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	src.setGate(gate)
	p := newTestPublisher(t, src)

	var updates atomic.Int32
	p.Subscribe(func(State) { updates.Add(1) })

	done := make(chan error, 1)
	go func() { done <- p.ForceRefresh(context.Background()) }()
	require.Eventually(t, func() bool { return p.State().Loading }, time.Second, 5*time.Millisecond)

	p.Stop()
	close(gate)
	require.ErrorIs(t, <-done, ErrStopped)

	state := p.State()
	require.Empty(t, state.Leaderboard)
	require.Nil(t, state.UserDorm)
	require.False(t, state.APIConnected)
	require.False(t, state.Loading)

	// initial state + loading flag, nothing after the stop
	require.Eventually(t, func() bool { return updates.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, updates.Load())
}

func TestStopDuringSelectionLookupPublishesNothing(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)

	var updates atomic.Int32
	p.Subscribe(func(State) { updates.Add(1) })
	require.Eventually(t, func() bool { return updates.Load() == 1 }, time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	src.setSelectionGate(gate)

	done := make(chan error, 1)
	go func() { done <- p.ForceRefresh(context.Background()) }()

	// both fetches are done; the refresh now waits on the selection store
	require.Eventually(t, func() bool { return src.lookups.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, src.fetches.Load())

	p.Stop()
	close(gate)
	require.ErrorIs(t, <-done, ErrStopped)

	state := p.State()
	require.Empty(t, state.Leaderboard)
	require.Nil(t, state.UserDorm)
	require.False(t, state.Loading)

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, updates.Load())
}

func TestSelectionChangeDuringRefresh(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Username: "sam", Dorm: "TINSLEY"}}
	src.setGate(gate)
	p := newTestPublisher(t, src)

	var (
		mu     sync.Mutex
		states []State
	)
	p.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- p.ForceRefresh(context.Background()) }()

	// the running refresh has already resolved TINSLEY
	require.Eventually(t, func() bool { return src.userReads.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := p.UpdateSelection(context.Background(), dorms.UserSelection{Username: "sam", Dorm: "GABALDON"})
	require.NoError(t, err)
	require.Equal(t, "GABALDON", p.State().Profile.Dorm)

	close(gate)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		s := p.State()
		return !s.Loading && s.UserDorm != nil && s.UserDorm.Name == "GABALDON"
	}, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, src.fetches.Load(), int32(2))

	final := p.State()
	for _, snap := range final.Leaderboard {
		require.Equal(t, snap.Name == "GABALDON", snap.IsUserDorm, snap.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, s := range states {
		if s.UserDorm != nil {
			require.Equal(t, s.Profile.Dorm, s.UserDorm.Name, "state %d pairs a profile with another dorm", i)
		}
	}
}

func TestRallyDaysLeft(t *testing.T) {
	end := time.Date(2025, time.October, 29, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		now    time.Time
		end    time.Time
		expect int
	}{
		{name: "three days out", now: time.Date(2025, time.October, 26, 9, 0, 0, 0, time.UTC), end: end, expect: 3},
		{name: "late evening", now: time.Date(2025, time.October, 26, 23, 59, 0, 0, time.UTC), end: end, expect: 3},
		{name: "last day", now: time.Date(2025, time.October, 29, 12, 0, 0, 0, time.UTC), end: end, expect: 0},
		{name: "over", now: time.Date(2025, time.November, 2, 12, 0, 0, 0, time.UTC), end: end, expect: 0},
		{name: "other zone", now: time.Date(2025, time.October, 27, 2, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)), end: end, expect: 3},
		{name: "no rally", now: time.Date(2025, time.October, 26, 9, 0, 0, 0, time.UTC), expect: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expect, RallyDaysLeft(test.now, test.end))
		})
	}
}

func TestServeStaleOnTotalFailure(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)
	require.NoError(t, p.ForceRefresh(context.Background()))

	upstreamErr := &telemetry.NetworkError{Op: "latest", Err: errors.New("unreachable")}
	src.setErr(upstreamErr)
	err := p.ForceRefresh(context.Background())
	require.ErrorAs(t, err, new(*telemetry.NetworkError))

	state := p.State()
	require.False(t, state.Loading)
	require.False(t, state.APIConnected)
	require.Error(t, state.LastError)
	require.Len(t, state.Leaderboard, 2)
	require.NotNil(t, state.UserDorm)
	require.Equal(t, "TINSLEY", state.UserDorm.Name)
}

func TestSyntheticDataIsNotConnected(t *testing.T) {
	snapshots := realSnapshots()
	for i := range snapshots {
		snapshots[i].IsRealData = false
	}
	src := &fakeSource{snapshots: snapshots, selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)

	require.NoError(t, p.ForceRefresh(context.Background()))
	require.False(t, p.State().APIConnected)
	require.Len(t, p.State().Leaderboard, 2)
}

func TestUnknownSelectionKeepsLeaderboard(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "NOWHERE"}}
	p := newTestPublisher(t, src)

	err := p.ForceRefresh(context.Background())
	require.True(t, dorms.IsNotFound(err))

	state := p.State()
	require.True(t, state.APIConnected)
	require.Nil(t, state.UserDorm)
	require.Len(t, state.Leaderboard, 2)
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)

	var (
		mu         sync.Mutex
		states     []State
		inFlight   atomic.Int32
		overlapped atomic.Bool
	)
	p.Subscribe(func(s State) {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, p.ForceRefresh(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, overlapped.Load())
	require.False(t, states[0].Loading)
	require.Empty(t, states[0].Leaderboard)
	require.True(t, states[1].Loading)
	require.False(t, states[2].Loading)
	require.Len(t, states[2].Leaderboard, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)

	var calls atomic.Int32
	cancel := p.Subscribe(func(State) { calls.Add(1) })
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, p.ForceRefresh(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestRotateCyclesCachedSnapshots(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)

	p.Rotate()
	require.Nil(t, p.State().Displayed)

	require.NoError(t, p.ForceRefresh(context.Background()))
	fetches := src.fetches.Load()

	p.Rotate()
	require.Equal(t, "GABALDON", p.State().Displayed.Name)
	p.Rotate()
	require.Equal(t, "TINSLEY", p.State().Displayed.Name)
	require.Equal(t, fetches, src.fetches.Load())
}

func TestUpdateSelection(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := newTestPublisher(t, src)

	_, err := p.UpdateSelection(context.Background(), dorms.UserSelection{Username: "alex", Dorm: "NOWHERE"})
	require.True(t, dorms.IsNotFound(err))

	saved, err := p.UpdateSelection(context.Background(), dorms.UserSelection{Username: "alex", Dorm: "GABALDON", EnergyPoints: 120})
	require.NoError(t, err)
	require.Equal(t, "GABALDON", saved.Dorm)

	require.Eventually(t, func() bool {
		s := p.State()
		return s.UserDorm != nil && s.UserDorm.Name == "GABALDON" && !s.Loading
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, Profile{Username: "alex", Dorm: "GABALDON", EnergyPoints: 120, RallyDaysLeft: 3}, p.State().Profile)
}

func TestRunRefreshesAndStops(t *testing.T) {
	src := &fakeSource{snapshots: realSnapshots(), selection: dorms.UserSelection{Dorm: "TINSLEY"}}
	p := NewPublisher(src, Options{RefreshInterval: time.Hour, RotateInterval: 10 * time.Millisecond})
	t.Cleanup(p.Close)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		s := p.State()
		return s.Displayed != nil && len(s.Leaderboard) == 2
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	require.EqualValues(t, 1, src.fetches.Load())
}
