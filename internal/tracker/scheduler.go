// Package tracker runs the two tracking cycles: a slow cycle that refreshes
// element sets from the source aggregator and a fast cycle that propagates
// every tracked object and reconciles the overlay.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/overlay"
	"github.com/star/orbitrack/internal/source"
	"github.com/star/orbitrack/internal/tle"
)

var (
	// ErrUnknownObject is returned when selecting a catalog id that is not tracked.
	ErrUnknownObject = errors.New("object is not tracked")
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Aggregator produces merged record snapshots.
type Aggregator interface {
	Refresh(ctx context.Context) *source.Snapshot
}

// forgetter is implemented by oracles that cache per-object state.
type forgetter interface {
	Forget(catalogID int)
}

// Config controls cycle timing, capacity and the detail view.
type Config struct {
	FastInterval   time.Duration
	SlowInterval   time.Duration
	MaxObjects     int
	PreferFeatured bool
	Featured       tle.Featured
	Track          geo.Window
	TrackRefresh   time.Duration
}

func (c *Config) setDefaults() {
	if c.FastInterval <= 0 {
		c.FastInterval = time.Second
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = 6 * time.Hour
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = 500
	}
	if c.Track.Step <= 0 {
		c.Track = geo.Window{Past: 45 * time.Minute, Future: 90 * time.Minute, Step: 30 * time.Second}
	}
	if c.TrackRefresh <= 0 {
		c.TrackRefresh = time.Minute
	}
}

// TickReport describes one fast tick.
type TickReport struct {
	At         time.Time
	Propagated int
	Failed     int
	Render     overlay.Stats
}

// Scheduler owns the registry. All mutation happens on the goroutine that
// calls Run; FastTick and Refresh may be called directly only when Run is
// not active.
type Scheduler struct {
	cfg        Config
	clock      Clock
	aggregator Aggregator
	oracle     geo.Oracle
	reconciler *overlay.Reconciler
	logger     *slog.Logger
	registry   *Registry

	cmds      chan func()
	results   chan *source.Snapshot
	closed    chan struct{}
	closeOnce sync.Once

	// Owned by the cycle goroutine.
	refreshing bool
	selected   int
	trackDirty bool
	trackAt    time.Time
}

// NewScheduler wires a scheduler. Nothing runs until Run is called.
func NewScheduler(cfg Config, clock Clock, aggregator Aggregator, oracle geo.Oracle, reconciler *overlay.Reconciler, logger *slog.Logger) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:        cfg,
		clock:      clock,
		aggregator: aggregator,
		oracle:     oracle,
		reconciler: reconciler,
		logger:     logger,
		registry:   newRegistry(),
		cmds:       make(chan func()),
		results:    make(chan *source.Snapshot, 1),
		closed:     make(chan struct{}),
	}
}

// Registry returns the read-only registry view.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Objects returns a snapshot of every tracked object.
func (s *Scheduler) Objects() []Object { return s.registry.Objects() }

// Object returns one tracked object.
func (s *Scheduler) Object(id int) (Object, bool) { return s.registry.Object(id) }

// Status returns the registry status summary.
func (s *Scheduler) Status() Status { return s.registry.Status() }

// Run refreshes once immediately, then drives both cycles until ctx is done
// or Close is called. Entities are released on return.
func (s *Scheduler) Run(ctx context.Context) error {
	fast := s.clock.NewTicker(s.cfg.FastInterval)
	defer fast.Stop()
	slow := s.clock.NewTicker(s.cfg.SlowInterval)
	defer slow.Stop()

	s.logger.Info("scheduler started",
		"fast_interval", s.cfg.FastInterval.String(),
		"slow_interval", s.cfg.SlowInterval.String(),
		"max_objects", s.cfg.MaxObjects,
	)
	s.startRefresh(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.closed:
			s.logger.Info("scheduler stopped")
			return nil
		case <-fast.C():
			s.FastTick()
		case <-slow.C():
			s.startRefresh(ctx)
		case snap := <-s.results:
			s.refreshing = false
			s.applySnapshot(snap)
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// Close stops both cycles and removes every overlay entity. In-flight
// fetches complete but their results are discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.reconciler.Close()
	})
}

func (s *Scheduler) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// startRefresh runs the aggregator off the cycle goroutine so the fast
// cycle keeps ticking while groups download.
func (s *Scheduler) startRefresh(ctx context.Context) {
	if s.refreshing {
		s.logger.Warn("source refresh still running, skipping slow tick")
		return
	}
	s.refreshing = true
	go func() {
		snap := s.aggregator.Refresh(ctx)
		select {
		case s.results <- snap:
		case <-s.closed:
		case <-ctx.Done():
		}
	}()
}

// Refresh runs one slow cycle synchronously.
func (s *Scheduler) Refresh(ctx context.Context) {
	s.applySnapshot(s.aggregator.Refresh(ctx))
}

func (s *Scheduler) applySnapshot(snap *source.Snapshot) {
	if s.isClosed() {
		s.logger.Debug("discarding refresh after close")
		return
	}

	if snap.Failed() {
		s.logger.Warn("all groups failed, keeping previous record set",
			"status", snap.Status,
			"tracked", s.registry.Len(),
		)
		s.registry.setStatus(func(st *Status) {
			st.Status = snap.Status
			st.Groups = snap.Groups
		})
		return
	}

	records, truncated := s.truncate(snap.Records)
	added, removed := s.registry.replace(records)

	if f, ok := s.oracle.(forgetter); ok {
		for _, id := range removed {
			f.Forget(id)
		}
	}
	if s.selected != 0 {
		if _, ok := s.registry.Object(s.selected); !ok {
			s.selected = 0
		}
	}
	s.trackDirty = true

	// New objects get entities now, before their first propagation.
	rs := s.reconciler.Sync(s.overlayObjects())

	s.registry.setStatus(func(st *Status) {
		st.Status = snap.Status
		st.Ready = true
		st.Truncated = truncated
		st.FetchedAt = snap.FetchedAt
		st.Groups = snap.Groups
		st.Selected = s.selected
	})
	metrics.SetTrackedObjects(s.registry.Len())
	metrics.SetTruncatedObjects(truncated)

	s.logger.Info("registry updated",
		"tracked", s.registry.Len(),
		"added", len(added),
		"removed", len(removed),
		"truncated", truncated,
		"entities_created", rs.Created,
		"entities_removed", rs.Removed,
	)
}

// truncate enforces the capacity bound. Records arrive in ascending catalog
// id order; with PreferFeatured, featured ids are kept ahead of the rest.
func (s *Scheduler) truncate(records []tle.Record) ([]tle.Record, int) {
	limit := s.cfg.MaxObjects
	if len(records) <= limit {
		return records, 0
	}
	kept := append([]tle.Record(nil), records...)
	sort.SliceStable(kept, func(i, j int) bool {
		if s.cfg.PreferFeatured {
			fi, fj := s.isFeatured(kept[i].CatalogID), s.isFeatured(kept[j].CatalogID)
			if fi != fj {
				return fi
			}
		}
		return kept[i].CatalogID < kept[j].CatalogID
	})
	dropped := len(kept) - limit
	kept = kept[:limit]
	sort.Slice(kept, func(i, j int) bool { return kept[i].CatalogID < kept[j].CatalogID })
	return kept, dropped
}

func (s *Scheduler) isFeatured(id int) bool {
	_, ok := s.cfg.Featured[id]
	return ok
}

// FastTick propagates every tracked object at one shared instant, folds the
// outcomes into the registry and reconciles the overlay.
func (s *Scheduler) FastTick() TickReport {
	if s.isClosed() {
		return TickReport{}
	}
	start := time.Now()
	now := s.clock.Now()

	records := s.registry.records()
	outcomes := make([]Outcome, len(records))
	failed := 0
	for i, rec := range records {
		pos, err := s.oracle.Propagate(rec, now)
		outcomes[i] = Outcome{CatalogID: rec.CatalogID, Position: pos, Err: err}
		if err != nil {
			failed++
			s.logger.Debug("propagation failed", "catalog_id", rec.CatalogID, "error", err)
		}
	}
	s.registry.applyOutcomes(outcomes, now)

	frame := overlay.Frame{Objects: s.overlayObjects(), Detail: s.detail(now)}
	stats := s.reconciler.Apply(frame)

	metrics.ObserveFastTick(time.Since(start), len(records)-failed, failed)
	metrics.SetStaleObjects(s.registry.Status().Stale)

	return TickReport{
		At:         now,
		Propagated: len(records) - failed,
		Failed:     failed,
		Render:     stats,
	}
}

func (s *Scheduler) overlayObjects() []overlay.Object {
	objs := s.registry.Objects()
	out := make([]overlay.Object, len(objs))
	for i, o := range objs {
		out[i] = overlay.Object{
			CatalogID: o.CatalogID,
			Name:      o.Name,
			Glyph:     o.Glyph,
			Stale:     o.Stale,
		}
		if o.Position != nil {
			out[i].Position = *o.Position
			out[i].HasPosition = true
		}
	}
	return out
}

// detail builds the selected object's footprint and, when due, a freshly
// sampled ground track.
func (s *Scheduler) detail(now time.Time) *overlay.Detail {
	if s.selected == 0 {
		return nil
	}
	obj, ok := s.registry.Object(s.selected)
	if !ok || obj.Position == nil {
		return nil
	}
	d := &overlay.Detail{
		CatalogID:       obj.CatalogID,
		Center:          obj.Position.Point(),
		FootprintMeters: geo.FootprintRadiusMeters(obj.Position.AltKm),
	}
	if s.trackDirty || now.Sub(s.trackAt) >= s.cfg.TrackRefresh {
		track := geo.GroundTrack(s.oracle, obj.Record, now, s.cfg.Track)
		d.Track = &track
		s.trackDirty = false
		s.trackAt = now
	}
	return d
}

// Select makes id the detail object. It is applied on the cycle goroutine.
func (s *Scheduler) Select(ctx context.Context, id int) error {
	return s.do(ctx, func() error {
		if _, ok := s.registry.Object(id); !ok {
			return ErrUnknownObject
		}
		s.setSelected(id)
		return nil
	})
}

// ClearSelection removes the detail view.
func (s *Scheduler) ClearSelection(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.setSelected(0)
		return nil
	})
}

func (s *Scheduler) setSelected(id int) {
	if s.selected != id {
		s.selected = id
		s.trackDirty = true
	}
	s.registry.setStatus(func(st *Status) { st.Selected = id })
}

// do runs fn on the cycle goroutine and waits for its result.
func (s *Scheduler) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
