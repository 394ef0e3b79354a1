package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/overlay"
	"github.com/star/orbitrack/internal/tle"
)

func TestFastTickSharesTimestamp(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.set(snapshot(1, 2, 3, 4, 5))
	h.sched.Refresh(context.Background())

	h.clock.Advance(1500 * time.Millisecond)
	report := h.sched.FastTick()

	assert.Equal(t, 5, report.Propagated)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, h.oracle.times, 1)
	assert.Equal(t, 5, h.oracle.times[baseTime.Add(1500*time.Millisecond)])
	assert.Equal(t, baseTime.Add(1500*time.Millisecond), report.At)
}

func TestFastTickFailureMarksStale(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.set(snapshot(1, 2, 3, 4))
	h.sched.Refresh(context.Background())
	h.sched.FastTick()

	before, ok := h.sched.Registry().Object(3)
	require.True(t, ok)
	require.NotNil(t, before.Position)
	marker, ok := h.surface.marker("OBJ 3")
	require.True(t, ok)
	updatesBefore := h.log.count("update_marker")

	h.oracle.setFail(3, true)
	h.clock.Advance(time.Second)
	report := h.sched.FastTick()

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Render.Moved)
	assert.Equal(t, 1, report.Render.Frozen)
	assert.Equal(t, updatesBefore+3, h.log.count("update_marker"))

	after, ok := h.sched.Registry().Object(3)
	require.True(t, ok)
	assert.True(t, after.Stale)
	assert.Equal(t, *before.Position, *after.Position)
	assert.Contains(t, after.LastError, "decayed")

	frozen, ok := h.surface.marker("OBJ 3")
	require.True(t, ok)
	assert.Equal(t, marker.Position, frozen.Position)
	assert.Equal(t, 1, h.sched.Registry().Status().Stale)

	// Recovery clears the flag.
	h.oracle.setFail(3, false)
	h.clock.Advance(time.Second)
	h.sched.FastTick()
	after, _ = h.sched.Registry().Object(3)
	assert.False(t, after.Stale)
	assert.Empty(t, after.LastError)
}

func TestFailureBeforeFirstPositionStaysHidden(t *testing.T) {
	h := newHarness(Config{})
	h.oracle.setFail(7, true)
	h.aggregator.set(snapshot(7))
	h.sched.Refresh(context.Background())
	h.sched.FastTick()

	obj, ok := h.sched.Registry().Object(7)
	require.True(t, ok)
	assert.True(t, obj.Stale)
	assert.Nil(t, obj.Position)

	m, ok := h.surface.marker("OBJ 7")
	require.True(t, ok)
	assert.False(t, m.Visible)
}

func TestRefreshDropAndAdd(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.set(snapshot(1, 2, 10))
	h.sched.Refresh(context.Background())
	h.sched.FastTick()

	h.aggregator.set(snapshot(1, 2, 20))
	h.sched.Refresh(context.Background())
	mark := len(h.log.list())
	h.sched.FastTick()

	events := h.log.list()
	assert.NotContains(t, events[mark:], "propagate 10")

	created, propagated := -1, -1
	for i, e := range events {
		switch e {
		case "create_marker OBJ 20":
			created = i
		case "propagate 20":
			if propagated < 0 {
				propagated = i
			}
		}
	}
	require.GreaterOrEqual(t, created, 0)
	require.GreaterOrEqual(t, propagated, 0)
	assert.Less(t, created, propagated)
	assert.Less(t, created, mark)

	_, ok := h.surface.marker("OBJ 10")
	assert.False(t, ok)
	assert.Equal(t, 3, h.surface.markerCount())
	assert.Equal(t, []int{10}, h.oracle.forgotten)
}

func TestRefreshKeepsRecordSetWhenAllGroupsFail(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.set(snapshot(1, 2))
	h.sched.Refresh(context.Background())

	h.aggregator.set(failedSnapshot())
	h.sched.Refresh(context.Background())

	assert.Equal(t, 2, h.sched.Registry().Len())
	st := h.sched.Registry().Status()
	assert.Equal(t, "Error loading satellites: timeout", st.Status)
	assert.True(t, st.Ready)
}

func TestFirstRefreshFailureLeavesRegistryEmpty(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.set(failedSnapshot())
	h.sched.Refresh(context.Background())

	st := h.sched.Registry().Status()
	assert.Equal(t, 0, st.Tracked)
	assert.False(t, st.Ready)
	assert.Contains(t, st.Status, "Error loading")
	assert.Zero(t, h.surface.markerCount())

	// A later successful refresh makes the engine ready.
	h.aggregator.set(snapshot(1))
	h.sched.Refresh(context.Background())
	assert.True(t, h.sched.Registry().Status().Ready)
}

func TestFastTickIsIdempotentForUnchangedPositions(t *testing.T) {
	h := newHarness(Config{})
	h.oracle.frozen = true
	h.aggregator.set(snapshot(1, 2, 3))
	h.sched.Refresh(context.Background())
	h.sched.FastTick()

	creates := h.log.count("create_")
	removes := h.log.count("remove_")

	h.clock.Advance(time.Second)
	report := h.sched.FastTick()

	assert.Equal(t, 0, report.Render.Created)
	assert.Equal(t, 0, report.Render.Removed)
	assert.Equal(t, 0, report.Render.Moved)
	assert.Equal(t, 3, report.Render.Unchanged)
	assert.Equal(t, creates, h.log.count("create_"))
	assert.Equal(t, removes, h.log.count("remove_"))
}

func TestCapacityTruncation(t *testing.T) {
	ids := []int{9, 4, 7, 1, 12, 3}

	h := newHarness(Config{MaxObjects: 3})
	snap := snapshot(ids...)
	h.aggregator.set(snap)
	h.sched.Refresh(context.Background())

	var got []int
	for _, o := range h.sched.Registry().Objects() {
		got = append(got, o.CatalogID)
	}
	assert.Equal(t, []int{1, 3, 4}, got)
	assert.Equal(t, 3, h.sched.Registry().Status().Truncated)

	h = newHarness(Config{
		MaxObjects:     3,
		PreferFeatured: true,
		Featured:       tle.Featured{12: {Name: "Featured"}},
	})
	h.aggregator.set(snap)
	h.sched.Refresh(context.Background())

	got = got[:0]
	for _, o := range h.sched.Registry().Objects() {
		got = append(got, o.CatalogID)
	}
	assert.Equal(t, []int{1, 3, 12}, got)
}

func TestRunDrivesBothCycles(t *testing.T) {
	h := newHarness(Config{FastInterval: time.Second, SlowInterval: time.Hour})
	h.aggregator.set(snapshot(1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return h.sched.Registry().Status().Ready }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.clock.ticker(time.Second) != nil }, time.Second, 5*time.Millisecond)

	h.clock.ticker(time.Second).ch <- baseTime
	require.Eventually(t, func() bool { return h.log.count("propagate") == 2 }, time.Second, 5*time.Millisecond)

	h.aggregator.set(snapshot(1, 2, 3))
	h.clock.ticker(time.Hour).ch <- baseTime
	require.Eventually(t, func() bool { return h.sched.Registry().Len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.aggregator.callCount())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, h.surface.markerCount())
	assert.True(t, h.clock.ticker(time.Second).stopped)
}

func TestCloseDiscardsInFlightRefresh(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.gate = make(chan struct{})
	h.aggregator.set(snapshot(1, 2, 3))

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(context.Background()) }()
	require.Eventually(t, func() bool { return h.aggregator.callCount() == 1 }, time.Second, 5*time.Millisecond)

	h.sched.Close()
	require.NoError(t, <-done)
	close(h.aggregator.gate)

	// The late result must not resurrect anything.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.sched.Registry().Len())
	assert.Equal(t, 0, h.surface.markerCount())
	assert.Equal(t, TickReport{}, h.sched.FastTick())

	h.sched.Refresh(context.Background())
	assert.Equal(t, 0, h.sched.Registry().Len())
}

func TestSelectDrawsDetail(t *testing.T) {
	h := newHarness(Config{
		Track: geo.Window{Past: 2 * time.Minute, Future: 2 * time.Minute, Step: time.Minute},
	})
	h.aggregator.set(snapshot(1, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sched.Run(ctx)
	require.Eventually(t, func() bool { return h.sched.Registry().Status().Ready }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.sched.Select(ctx, 99), ErrUnknownObject)
	require.NoError(t, h.sched.Select(ctx, 2))
	assert.Equal(t, 2, h.sched.Registry().Status().Selected)

	require.Eventually(t, func() bool { return h.clock.ticker(time.Second) != nil }, time.Second, 5*time.Millisecond)
	h.clock.ticker(time.Second).ch <- baseTime
	require.Eventually(t, func() bool { return h.log.count("create_circle") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.log.count("create_polyline"))

	require.NoError(t, h.sched.ClearSelection(ctx))
	h.clock.ticker(time.Second).ch <- baseTime
	require.Eventually(t, func() bool { return h.log.count("remove_circle") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.sched.Registry().Status().Selected)

	h.sched.Close()
	assert.ErrorIs(t, h.sched.Select(context.Background(), 1), ErrClosed)
}

func TestDroppedSelectionIsCleared(t *testing.T) {
	h := newHarness(Config{})
	h.aggregator.set(snapshot(1, 2))
	h.sched.Refresh(context.Background())
	h.sched.setSelected(2)
	h.sched.FastTick()
	require.Equal(t, 1, h.surface.circles)

	h.aggregator.set(snapshot(1))
	h.sched.Refresh(context.Background())
	assert.Equal(t, 0, h.sched.Registry().Status().Selected)
	assert.Equal(t, 0, h.surface.circles)
}

func TestOutcomeOK(t *testing.T) {
	assert.True(t, Outcome{CatalogID: 1}.OK())
	assert.False(t, Outcome{CatalogID: 1, Err: errDecayed}.OK())
}

var _ overlay.Surface = (*logSurface)(nil)
