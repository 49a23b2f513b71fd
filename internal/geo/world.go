package geo

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrZoneExists   = errors.New("zone already exists")
	ErrZoneNotFound = errors.New("zone not found")
	ErrBadBounds    = errors.New("world bounds must be positive")
)

// mutationLogMax bounds the in-memory mutation history used for cache
// invalidation. Queries older than the log are treated as dirty.
const mutationLogMax = 256

type mutation struct {
	version uint64
	bbox    BBox
}

// World owns the zone set and the planning grid. All mutation goes through
// it and bumps a monotonically increasing version; readers take an immutable
// View per planning cycle.
type World struct {
	mu         sync.RWMutex
	width      float64
	height     float64
	resolution float64
	zones      map[string]*Zone
	order      []string // zone ids in insertion order, for deterministic views
	version    uint64
	mutations  []mutation
	logStart   uint64 // lowest version still in the mutation log
}

// NewWorld creates a world grid of the given extent and cell resolution.
func NewWorld(width, height, resolution float64) (*World, error) {
	if width <= 0 || height <= 0 || resolution <= 0 {
		return nil, ErrBadBounds
	}
	return &World{width: width, height: height, resolution: resolution, zones: map[string]*Zone{}, logStart: 1}, nil
}

// Version returns the current mutation counter.
func (w *World) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// AddZone registers a zone and bumps the version.
func (w *World) AddZone(z *Zone) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.zones[z.ID]; ok {
		return fmt.Errorf("add zone %s: %w", z.ID, ErrZoneExists)
	}
	w.zones[z.ID] = z
	w.order = append(w.order, z.ID)
	w.bump(z.BBox())
	return nil
}

// RemoveZone deletes a zone and bumps the version.
func (w *World) RemoveZone(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	z, ok := w.zones[id]
	if !ok {
		return fmt.Errorf("remove zone %s: %w", id, ErrZoneNotFound)
	}
	delete(w.zones, id)
	for i, zid := range w.order {
		if zid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.bump(z.BBox())
	return nil
}

// SetZoneActive toggles a zone and bumps the version.
func (w *World) SetZoneActive(id string, active bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	z, ok := w.zones[id]
	if !ok {
		return fmt.Errorf("toggle zone %s: %w", id, ErrZoneNotFound)
	}
	z.Active = active
	w.bump(z.BBox())
	return nil
}

// Zones returns copies of every registered zone in insertion order,
// active or not.
func (w *World) Zones() []Zone {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Zone, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.zones[id])
	}
	return out
}

func (w *World) bump(b BBox) {
	w.version++
	w.mutations = append(w.mutations, mutation{version: w.version, bbox: b})
	if len(w.mutations) > mutationLogMax {
		drop := len(w.mutations) - mutationLogMax
		w.logStart = w.mutations[drop-1].version + 1
		w.mutations = append([]mutation(nil), w.mutations[drop:]...)
	}
}

// Snapshot returns an immutable view of the world as of now, resolving zone
// activity at the given time. Planning cycles hold one view throughout.
func (w *World) Snapshot(at time.Time) *View {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v := &View{
		width:      w.width,
		height:     w.height,
		resolution: w.resolution,
		version:    w.version,
		at:         at,
		logStart:   w.logStart,
		mutations:  append([]mutation(nil), w.mutations...),
	}
	for _, id := range w.order {
		z := w.zones[id]
		if z.ActiveAt(at) {
			zc := *z // shallow copy; Ring is never mutated after construction
			v.zones = append(v.zones, &zc)
		}
		if z.Active && (!z.WindowStart.IsZero() || !z.WindowEnd.IsZero()) {
			zc := *z
			v.windowed = append(v.windowed, &zc)
		}
	}
	return v
}

// View is a read-only snapshot of the world for one planning cycle. It is
// safe for concurrent use.
type View struct {
	width      float64
	height     float64
	resolution float64
	version    uint64
	at         time.Time
	zones      []*Zone
	windowed   []*Zone // zones whose activity depends on time, active or not at `at`
	mutations  []mutation
	logStart   uint64
}

// Version returns the world version this view was taken at.
func (v *View) Version() uint64 { return v.version }

// At returns the time zone activity was resolved against.
func (v *View) At() time.Time { return v.at }

// Resolution returns the grid cell size.
func (v *View) Resolution() float64 { return v.resolution }

// Zones returns the zones active in this view.
func (v *View) Zones() []*Zone { return v.zones }

// InBounds reports whether p lies inside the operating area.
func (v *View) InBounds(p Position) bool {
	return p.X >= 0 && p.X < v.width && p.Y >= 0 && p.Y < v.height
}

// Snap aligns p to the planning grid.
func (v *View) Snap(p Position) Position {
	return Position{
		X: math.Round(p.X/v.resolution) * v.resolution,
		Y: math.Round(p.Y/v.resolution) * v.resolution,
	}
}

// Blocked reports whether p is out of bounds or inside an active zone.
func (v *View) Blocked(p Position) bool {
	if !v.InBounds(p) {
		return true
	}
	for _, z := range v.zones {
		if z.Contains(p) {
			return true
		}
	}
	return false
}

// SegmentBlocked reports whether the straight segment a-b crosses an active
// zone.
func (v *View) SegmentBlocked(a, b Position) bool {
	for _, z := range v.zones {
		if z.IntersectsSegment(a, b) {
			return true
		}
	}
	return false
}

// Cost returns the traversal cost of the direct segment a-b, or +Inf when it
// is blocked.
func (v *View) Cost(a, b Position) float64 {
	if v.Blocked(b) || v.SegmentBlocked(a, b) {
		return math.Inf(1)
	}
	return a.Dist(b)
}

// Neighbors returns the in-bounds 8-connected grid neighbors of p.
func (v *View) Neighbors(p Position) []Position {
	out := make([]Position, 0, 8)
	for _, d := range [8][2]float64{{0, 1}, {1, 0}, {0, -1}, {-1, 0}, {1, 1}, {-1, 1}, {1, -1}, {-1, -1}} {
		n := Position{X: p.X + d[0]*v.resolution, Y: p.Y + d[1]*v.resolution}
		if v.InBounds(n) {
			out = append(out, n)
		}
	}
	return out
}

// WindowChangedBetween reports whether any windowed zone overlapping bbox is
// active at one of the two instants but not the other. A path evaluated at t0
// is unsafe to reuse at t1 across such a boundary even when no mutation
// bumped the version in between.
func (v *View) WindowChangedBetween(t0, t1 time.Time, bbox BBox) bool {
	for _, z := range v.windowed {
		if z.BBox().Intersects(bbox) && z.ActiveAt(t0) != z.ActiveAt(t1) {
			return true
		}
	}
	return false
}

// DirtySince reports whether any mutation after version touched bbox. Used
// by path caches: a cached result from an older version is reusable only if
// nothing in its bounding region changed. Versions older than the mutation
// log are conservatively dirty.
func (v *View) DirtySince(version uint64, bbox BBox) bool {
	if version == v.version {
		return false
	}
	if version+1 < v.logStart {
		return true
	}
	for _, m := range v.mutations {
		if m.version > version && m.bbox.Intersects(bbox) {
			return true
		}
	}
	return false
}
