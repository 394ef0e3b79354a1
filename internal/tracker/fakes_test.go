package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/overlay"
	"github.com/star/orbitrack/internal/source"
	"github.com/star/orbitrack/internal/tle"
)

var (
	testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	baseTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errDecayed = errors.New("decayed")
)

// eventLog interleaves oracle and surface activity so tests can assert order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.list() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// fakeClock hands out tickers that fire only when the test says so.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration]*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime, tickers: make(map[time.Duration]*fakeTicker)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	c.tickers[d] = t
	return t
}

func (c *fakeClock) ticker(d time.Duration) *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[d]
}

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }

// fakeOracle moves each object one degree of longitude per second unless
// frozen, and fails for ids in fail.
type fakeOracle struct {
	mu        sync.Mutex
	log       *eventLog
	fail      map[int]bool
	frozen    bool
	times     map[time.Time]int
	forgotten []int
}

func newFakeOracle(log *eventLog) *fakeOracle {
	return &fakeOracle{log: log, fail: make(map[int]bool), times: make(map[time.Time]int)}
}

func (o *fakeOracle) Propagate(rec tle.Record, t time.Time) (geo.Geodetic, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.add("propagate %d", rec.CatalogID)
	o.times[t]++
	if o.fail[rec.CatalogID] {
		return geo.Geodetic{}, errDecayed
	}
	lon := float64(rec.CatalogID)
	if !o.frozen {
		lon += t.Sub(baseTime).Seconds()
	}
	return geo.Geodetic{LatDeg: 10, LonDeg: geo.NormalizeLongitude(lon), AltKm: 400}, nil
}

func (o *fakeOracle) Forget(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgotten = append(o.forgotten, id)
}

func (o *fakeOracle) setFail(id int, fail bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail[id] = fail
}

// fakeAggregator returns the configured snapshot. When gate is non-nil,
// Refresh blocks until it is closed.
type fakeAggregator struct {
	mu    sync.Mutex
	snap  *source.Snapshot
	gate  chan struct{}
	calls int
}

func (a *fakeAggregator) set(snap *source.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap = snap
}

func (a *fakeAggregator) Refresh(ctx context.Context) *source.Snapshot {
	a.mu.Lock()
	a.calls++
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

func (a *fakeAggregator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func snapshot(ids ...int) *source.Snapshot {
	recs := make([]tle.Record, len(ids))
	for i, id := range ids {
		recs[i] = tle.Record{CatalogID: id, Name: fmt.Sprintf("OBJ %d", id), Glyph: tle.GenericGlyph}
	}
	return &source.Snapshot{
		Records:   recs,
		Groups:    []source.GroupResult{{Name: "test", Records: len(ids)}},
		Status:    fmt.Sprintf("Loaded %d satellites", len(ids)),
		FetchedAt: baseTime,
	}
}

func failedSnapshot() *source.Snapshot {
	return &source.Snapshot{
		Groups: []source.GroupResult{{Name: "test", Error: "timeout"}},
		Status: "Error loading satellites: timeout",
	}
}

// logSurface records every intent in the shared event log.
type logSurface struct {
	mu      sync.Mutex
	log     *eventLog
	next    int
	markers map[overlay.Handle]overlay.MarkerSpec
	circles int
	lines   int
}

func newLogSurface(log *eventLog) *logSurface {
	return &logSurface{log: log, markers: make(map[overlay.Handle]overlay.MarkerSpec)}
}

func (s *logSurface) handle() overlay.Handle {
	s.next++
	return overlay.Handle(fmt.Sprintf("h%d", s.next))
}

func (s *logSurface) CreateMarker(spec overlay.MarkerSpec) (overlay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("create_marker %s", spec.Label)
	h := s.handle()
	s.markers[h] = spec
	return h, nil
}

func (s *logSurface) UpdateMarker(h overlay.Handle, spec overlay.MarkerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("update_marker %s", spec.Label)
	s.markers[h] = spec
	return nil
}

func (s *logSurface) RemoveMarker(h overlay.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("remove_marker %s", s.markers[h].Label)
	delete(s.markers, h)
	return nil
}

func (s *logSurface) CreatePolyline(overlay.PolylineSpec) (overlay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("create_polyline")
	s.lines++
	return s.handle(), nil
}

func (s *logSurface) RemovePolyline(overlay.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("remove_polyline")
	s.lines--
	return nil
}

func (s *logSurface) CreateCircle(overlay.CircleSpec) (overlay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("create_circle")
	s.circles++
	return s.handle(), nil
}

func (s *logSurface) UpdateCircle(overlay.Handle, overlay.CircleSpec) error {
	s.log.add("update_circle")
	return nil
}

func (s *logSurface) RemoveCircle(overlay.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.add("remove_circle")
	s.circles--
	return nil
}

func (s *logSurface) marker(label string) (overlay.MarkerSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markers {
		if m.Label == label {
			return m, true
		}
	}
	return overlay.MarkerSpec{}, false
}

func (s *logSurface) markerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers)
}

type harness struct {
	log        *eventLog
	clock      *fakeClock
	oracle     *fakeOracle
	aggregator *fakeAggregator
	surface    *logSurface
	sched      *Scheduler
}

func newHarness(cfg Config) *harness {
	log := &eventLog{}
	h := &harness{
		log:        log,
		clock:      newFakeClock(),
		oracle:     newFakeOracle(log),
		aggregator: &fakeAggregator{},
		surface:    newLogSurface(log),
	}
	rec := overlay.NewReconciler(h.surface, testLogger)
	h.sched = NewScheduler(cfg, h.clock, h.aggregator, h.oracle, rec, testLogger)
	return h
}
