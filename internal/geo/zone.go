package geo

import (
	"errors"
	"math"
	"time"
)

// Zone geometry kinds.
const (
	GeometryPolygon = "polygon"
	GeometryCircle  = "circle"
)

var (
	ErrPolygonTooSmall = errors.New("polygon needs at least 3 vertices")
	ErrBadRadius       = errors.New("circle radius must be positive")
	ErrBadWindow       = errors.New("activation window end before start")
)

// Zone is a no-fly region. Geometry is fixed at construction; the active
// flag and activation window decide whether it blocks traversal at a given
// time.
type Zone struct {
	ID       string
	Geometry string
	Ring     []Position // polygon vertices, implicit closing edge
	Center   Position   // circle
	Radius   float64

	Active      bool
	WindowStart time.Time // zero means always
	WindowEnd   time.Time

	bbox BBox
}

// NewPolygonZone builds a polygon zone from its vertex ring.
func NewPolygonZone(id string, ring []Position) (*Zone, error) {
	if len(ring) < 3 {
		return nil, ErrPolygonTooSmall
	}
	z := &Zone{ID: id, Geometry: GeometryPolygon, Ring: append([]Position(nil), ring...), Active: true}
	z.bbox = BBox{MinX: ring[0].X, MinY: ring[0].Y, MaxX: ring[0].X, MaxY: ring[0].Y}
	for _, p := range ring[1:] {
		z.bbox = z.bbox.expand(p)
	}
	return z, nil
}

// NewCircleZone builds a circular zone.
func NewCircleZone(id string, center Position, radius float64) (*Zone, error) {
	if radius <= 0 {
		return nil, ErrBadRadius
	}
	return &Zone{
		ID: id, Geometry: GeometryCircle, Center: center, Radius: radius, Active: true,
		bbox: BBox{MinX: center.X - radius, MinY: center.Y - radius, MaxX: center.X + radius, MaxY: center.Y + radius},
	}, nil
}

// SetWindow restricts the zone to an activation window.
func (z *Zone) SetWindow(start, end time.Time) error {
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return ErrBadWindow
	}
	z.WindowStart, z.WindowEnd = start, end
	return nil
}

// ActiveAt reports whether the zone blocks traversal at t.
func (z *Zone) ActiveAt(t time.Time) bool {
	if !z.Active {
		return false
	}
	if !z.WindowStart.IsZero() && t.Before(z.WindowStart) {
		return false
	}
	if !z.WindowEnd.IsZero() && t.After(z.WindowEnd) {
		return false
	}
	return true
}

// BBox returns the zone's bounding box.
func (z *Zone) BBox() BBox { return z.bbox }

// Contains reports whether p lies inside the zone geometry.
func (z *Zone) Contains(p Position) bool {
	if !z.bbox.Contains(p) {
		return false
	}
	if z.Geometry == GeometryCircle {
		return p.Dist(z.Center) <= z.Radius
	}
	return pointInRing(p, z.Ring)
}

// IntersectsSegment reports whether the straight segment a-b crosses or
// touches the zone geometry.
func (z *Zone) IntersectsSegment(a, b Position) bool {
	seg := BBox{MinX: math.Min(a.X, b.X), MinY: math.Min(a.Y, b.Y), MaxX: math.Max(a.X, b.X), MaxY: math.Max(a.Y, b.Y)}
	if !z.bbox.Intersects(seg) {
		return false
	}
	if z.Geometry == GeometryCircle {
		return segmentPointDist(a, b, z.Center) <= z.Radius
	}
	if pointInRing(a, z.Ring) || pointInRing(b, z.Ring) {
		return true
	}
	n := len(z.Ring)
	for i := 0; i < n; i++ {
		if segmentsCross(a, b, z.Ring[i], z.Ring[(i+1)%n]) {
			return true
		}
	}
	return false
}

// pointInRing uses the even-odd ray casting rule.
func pointInRing(p Position, ring []Position) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := ring[i], ring[j]
		if (vi.Y > p.Y) != (vj.Y > p.Y) &&
			p.X < (vj.X-vi.X)*(p.Y-vi.Y)/(vj.Y-vi.Y)+vi.X {
			inside = !inside
		}
	}
	return inside
}

func orient(a, b, c Position) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func onSegment(a, b, p Position) bool {
	return math.Min(a.X, b.X) <= p.X && p.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= p.Y && p.Y <= math.Max(a.Y, b.Y)
}

// segmentsCross reports whether segments p1-p2 and q1-q2 intersect,
// counting collinear overlap.
func segmentsCross(p1, p2, q1, q2 Position) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	if d1 == 0 && onSegment(q1, q2, p1) {
		return true
	}
	if d2 == 0 && onSegment(q1, q2, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, q2) {
		return true
	}
	return false
}

// segmentPointDist returns the distance from point p to segment a-b.
func segmentPointDist(a, b, p Position) float64 {
	abx, aby := b.X-a.X, b.Y-a.Y
	l2 := abx*abx + aby*aby
	if l2 == 0 {
		return p.Dist(a)
	}
	t := ((p.X-a.X)*abx + (p.Y-a.Y)*aby) / l2
	t = math.Max(0, math.Min(1, t))
	return p.Dist(Position{X: a.X + t*abx, Y: a.Y + t*aby})
}
