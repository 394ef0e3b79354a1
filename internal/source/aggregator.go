// Package source merges element sets from several named groups into the
// record set the tracker follows.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/star/orbitrack/internal/metrics"
	"github.com/star/orbitrack/internal/tle"
	"github.com/star/orbitrack/internal/tracing"
)

// ErrNoGroups is returned by NewAggregator when no group is configured.
var ErrNoGroups = errors.New("no data groups configured")

// Fetcher retrieves the raw text of one group.
type Fetcher interface {
	Fetch(ctx context.Context, group tle.Group) ([]byte, error)
}

// GroupResult records how one group fared in a refresh.
type GroupResult struct {
	Name       string `json:"name"`
	Records    int    `json:"records"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Snapshot is the outcome of one refresh. It is immutable once published.
type Snapshot struct {
	Records   []tle.Record  `json:"-"` // merged, ascending catalog id
	Groups    []GroupResult `json:"groups"`
	Status    string        `json:"status"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Failed reports whether every group failed.
func (s *Snapshot) Failed() bool {
	for _, g := range s.Groups {
		if g.Error == "" {
			return false
		}
	}
	return true
}

// Aggregator fetches and parses every configured group and merges the
// results by catalog id. Later groups win on collision.
type Aggregator struct {
	groups   []tle.Group
	fetcher  Fetcher
	featured tle.Featured
	logger   *slog.Logger

	latest atomic.Pointer[Snapshot]
	mu     sync.Mutex // serializes refreshes
}

// NewAggregator creates an Aggregator over groups, merged in the given order.
func NewAggregator(groups []tle.Group, fetcher Fetcher, featured tle.Featured, logger *slog.Logger) (*Aggregator, error) {
	if len(groups) == 0 {
		return nil, ErrNoGroups
	}
	return &Aggregator{
		groups:   append([]tle.Group(nil), groups...),
		fetcher:  fetcher,
		featured: featured,
		logger:   logger,
	}, nil
}

// Latest returns the most recent snapshot, or nil before the first refresh.
func (a *Aggregator) Latest() *Snapshot {
	return a.latest.Load()
}

// Refresh fetches all groups concurrently and publishes a merged snapshot.
// A failing group is reported in the snapshot and never aborts the others.
func (a *Aggregator) Refresh(ctx context.Context) *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := tracing.Start(ctx, "source.Refresh", attribute.Int("groups", len(a.groups)))
	defer span.End()

	start := time.Now()
	parsed := make([][]tle.Record, len(a.groups))
	results := make([]GroupResult, len(a.groups))

	var wg sync.WaitGroup
	for i, g := range a.groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parsed[i], results[i] = a.loadGroup(ctx, g)
		}()
	}
	wg.Wait()

	merged := make(map[int]tle.Record)
	var firstErr string
	for i, recs := range parsed {
		if results[i].Error != "" && firstErr == "" {
			firstErr = results[i].Error
		}
		for _, rec := range recs {
			merged[rec.CatalogID] = rec
		}
	}

	records := make([]tle.Record, 0, len(merged))
	for _, rec := range merged {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CatalogID < records[j].CatalogID })

	snap := &Snapshot{
		Records:   records,
		Groups:    results,
		FetchedAt: time.Now(),
	}

	result := "success"
	switch {
	case snap.Failed():
		snap.Status = "Error loading satellites: " + firstErr
		result = "failure"
		span.SetStatus(codes.Error, firstErr)
	case firstErr != "":
		snap.Status = fmt.Sprintf("Loaded %d satellites", len(records))
		result = "partial"
	default:
		snap.Status = fmt.Sprintf("Loaded %d satellites", len(records))
	}
	span.SetAttributes(attribute.Int("records", len(records)), attribute.String("result", result))

	elapsed := time.Since(start)
	metrics.ObserveRefresh(elapsed, result)
	a.logger.Info("source refresh complete",
		"records", len(records),
		"result", result,
		"duration_ms", elapsed.Milliseconds(),
	)

	a.latest.Store(snap)
	return snap
}

func (a *Aggregator) loadGroup(ctx context.Context, g tle.Group) ([]tle.Record, GroupResult) {
	ctx, span := tracing.Start(ctx, "source.FetchGroup", attribute.String("group", g.Name))
	defer span.End()

	start := time.Now()
	res := GroupResult{Name: g.Name}

	body, err := a.fetcher.Fetch(ctx, g)
	if err == nil {
		var recs []tle.Record
		recs, err = tle.Parse(bytes.NewReader(body), a.featured, a.logger.With("group", g.Name))
		if err == nil {
			res.Records = len(recs)
			res.DurationMs = time.Since(start).Milliseconds()
			metrics.SetGroupRecords(g.Name, len(recs))
			span.SetAttributes(attribute.Int("records", len(recs)))
			return recs, res
		}
	}

	res.Error = err.Error()
	res.DurationMs = time.Since(start).Milliseconds()
	metrics.IncGroupFetchErrors(g.Name)
	span.RecordError(err)
	span.SetStatus(codes.Error, "group fetch failed")
	a.logger.Warn("group fetch failed", "group", g.Name, "error", err)
	return nil, res
}
