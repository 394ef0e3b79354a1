// Package propagation implements the propagation oracle on top of SGP4.
//
// SGP4 library: github.com/joshuaferrara/go-satellite. It is pure Go, but
// Propagate takes the Satellite by value so its error codes never reach the
// caller, and TLEToSat calls log.Fatal on unparsable numeric fields. Lines are
// therefore pre-validated, and propagation failures are detected from the
// output (NaN/Inf or an implausible radius).
package propagation

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/tle"
	"github.com/star/orbitrack/internal/transform"
)

var (
	// ErrInvalidElements means the element set cannot initialise SGP4.
	ErrInvalidElements = errors.New("invalid element set")
	// ErrDecayed means SGP4 produced no plausible orbit at the requested time.
	ErrDecayed = errors.New("no plausible position")
)

// Plausible geocentric radius bounds in km.
const (
	minRadiusKm = 6200.0
	maxRadiusKm = 50000.0
)

type cachedSat struct {
	line1, line2 string
	sat          satellite.Satellite
	err          error
}

// SGP4Oracle propagates element sets with SGP4 and reports WGS-84 geodetic
// positions. Initialised satellites are cached per catalog id and rebuilt
// when the element lines change. Safe for concurrent use.
type SGP4Oracle struct {
	mu     sync.RWMutex
	sats   map[int]*cachedSat
	logger *slog.Logger
}

// NewSGP4Oracle creates an oracle with an empty cache.
func NewSGP4Oracle(logger *slog.Logger) *SGP4Oracle {
	return &SGP4Oracle{
		sats:   make(map[int]*cachedSat),
		logger: logger,
	}
}

// Propagate computes the sub-satellite point and altitude of rec at t.
// t is truncated to whole seconds, the resolution go-satellite accepts.
func (o *SGP4Oracle) Propagate(rec tle.Record, t time.Time) (geo.Geodetic, error) {
	cs := o.satFor(rec)
	if cs.err != nil {
		return geo.Geodetic{}, cs.err
	}

	t = t.UTC().Truncate(time.Second)
	pos, _ := satellite.Propagate(cs.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	teme := transform.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	if !teme.Finite() {
		return geo.Geodetic{}, fmt.Errorf("catalog %d at %s: %w: output is NaN/Inf", rec.CatalogID, t.Format(time.RFC3339), ErrDecayed)
	}
	if r := teme.Norm(); r < minRadiusKm || r > maxRadiusKm {
		return geo.Geodetic{}, fmt.Errorf("catalog %d at %s: %w: radius %.1f km", rec.CatalogID, t.Format(time.RFC3339), ErrDecayed, r)
	}

	g := transform.ECEFToGeodetic(transform.TEMEToECEF(teme, transform.GMST(t)))
	return geo.Geodetic{
		LatDeg: g.LatDeg,
		LonDeg: geo.NormalizeLongitude(g.LonDeg),
		AltKm:  g.AltKm,
	}, nil
}

// Forget drops the cached satellite for id.
func (o *SGP4Oracle) Forget(id int) {
	o.mu.Lock()
	delete(o.sats, id)
	o.mu.Unlock()
}

// Cached returns the number of initialised satellites.
func (o *SGP4Oracle) Cached() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sats)
}

// satFor returns the cached satellite for rec, initialising it on first use
// or when the element lines changed (double-checked locking).
func (o *SGP4Oracle) satFor(rec tle.Record) *cachedSat {
	o.mu.RLock()
	cs, ok := o.sats[rec.CatalogID]
	o.mu.RUnlock()
	if ok && cs.line1 == rec.Line1 && cs.line2 == rec.Line2 {
		return cs
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cs, ok := o.sats[rec.CatalogID]; ok && cs.line1 == rec.Line1 && cs.line2 == rec.Line2 {
		return cs
	}

	cs = &cachedSat{line1: rec.Line1, line2: rec.Line2}
	if err := validateLines(rec.Line1, rec.Line2); err != nil {
		cs.err = fmt.Errorf("catalog %d: %w: %v", rec.CatalogID, ErrInvalidElements, err)
	} else {
		cs.sat = satellite.TLEToSat(rec.Line1, rec.Line2, satellite.GravityWGS84)
		if cs.sat.Error != 0 {
			cs.err = fmt.Errorf("catalog %d: %w: sgp4 init code=%d %s", rec.CatalogID, ErrInvalidElements, cs.sat.Error, cs.sat.ErrorStr)
		}
	}
	if cs.err != nil {
		o.logger.Warn("sgp4 init failed", "catalog_id", rec.CatalogID, "error", cs.err)
	}
	o.sats[rec.CatalogID] = cs
	return cs
}

// numeric columns (0-indexed, end exclusive) that go-satellite parses.
var (
	line1Fields = [][2]int{{18, 20}, {20, 32}, {33, 43}}
	line2Fields = [][2]int{{8, 16}, {17, 25}, {34, 42}, {43, 51}, {52, 63}}
)

// validateLines rejects lines go-satellite would log.Fatal on.
func validateLines(line1, line2 string) error {
	line1 = strings.TrimSpace(line1)
	line2 = strings.TrimSpace(line2)

	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if !strings.HasPrefix(line1, "1 ") {
		return fmt.Errorf("line1 must start with \"1 \"")
	}
	if !strings.HasPrefix(line2, "2 ") {
		return fmt.Errorf("line2 must start with \"2 \"")
	}
	for _, f := range line1Fields {
		if err := checkFloat(line1[f[0]:f[1]]); err != nil {
			return fmt.Errorf("line1 columns %d-%d: %w", f[0]+1, f[1], err)
		}
	}
	for _, f := range line2Fields {
		if err := checkFloat(line2[f[0]:f[1]]); err != nil {
			return fmt.Errorf("line2 columns %d-%d: %w", f[0]+1, f[1], err)
		}
	}
	if err := checkFloat("0." + strings.TrimSpace(line2[26:33])); err != nil {
		return fmt.Errorf("line2 eccentricity: %w", err)
	}
	return nil
}

func checkFloat(s string) error {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err
}
