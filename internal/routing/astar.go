// Package routing computes collision-free paths over a world view using A*.
package routing

import (
	"container/heap"
	"errors"
	"fmt"
	"math"

	"dronefleet/internal/geo"
)

// ErrUnreachable means the open set emptied before reaching the goal. It is
// recoverable: the delivery/drone pair is infeasible under current zones.
var ErrUnreachable = errors.New("unreachable")

// Path is a computed flight path. It is only valid at the world version it
// was computed under.
type Path struct {
	Waypoints    []geo.Position
	Dist         float64
	WorldVersion uint64
}

// BBox returns the bounding box of the path's waypoints.
func (p Path) BBox() geo.BBox {
	b := geo.BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, w := range p.Waypoints {
		if w.X < b.MinX {
			b.MinX = w.X
		}
		if w.X > b.MaxX {
			b.MaxX = w.X
		}
		if w.Y < b.MinY {
			b.MinY = w.Y
		}
		if w.Y > b.MaxY {
			b.MaxY = w.Y
		}
	}
	return b
}

type cell struct{ X, Y int }

func toCell(p geo.Position, res float64) cell {
	return cell{X: int(math.Round(p.X / res)), Y: int(math.Round(p.Y / res))}
}

// node is an open-set entry. seq preserves insertion order so ties resolve
// deterministically.
type node struct {
	pos    geo.Position
	g      float64
	h      float64
	f      float64
	parent *node
	seq    int
	index  int
}

type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	if h[i].h != h[j].h {
		return h[i].h < h[j].h // prefer closer to goal
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *nodeHeap) Push(x any) {
	n := x.(*node)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// FindPath runs A* from start to goal over the view's grid. The direct
// segment is taken when no active zone crosses it, so unobstructed pairs
// cost exactly their Euclidean distance.
func FindPath(v *geo.View, start, goal geo.Position) (Path, error) {
	if v.Blocked(goal) {
		return Path{}, fmt.Errorf("goal %+v blocked: %w", goal, ErrUnreachable)
	}
	if v.Blocked(start) {
		return Path{}, fmt.Errorf("start %+v blocked: %w", start, ErrUnreachable)
	}
	if !v.SegmentBlocked(start, goal) {
		return Path{
			Waypoints:    []geo.Position{start, goal},
			Dist:         start.Dist(goal),
			WorldVersion: v.Version(),
		}, nil
	}

	res := v.Resolution()
	gs := v.Snap(start)
	gg := v.Snap(goal)
	goalCell := toCell(gg, res)

	open := &nodeHeap{}
	heap.Init(open)
	seq := 0
	startNode := &node{pos: gs, g: 0, h: gs.Dist(gg), seq: seq}
	startNode.f = startNode.h
	heap.Push(open, startNode)

	gScore := map[cell]float64{toCell(gs, res): 0}
	closed := map[cell]bool{}

	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		cc := toCell(cur.pos, res)
		if closed[cc] {
			continue
		}
		closed[cc] = true

		if cc == goalCell {
			return finish(v, start, goal, cur), nil
		}

		for _, nb := range v.Neighbors(cur.pos) {
			nc := toCell(nb, res)
			if closed[nc] {
				continue
			}
			stepCost := v.Cost(cur.pos, nb)
			if math.IsInf(stepCost, 1) {
				continue
			}
			tentative := cur.g + stepCost
			if best, ok := gScore[nc]; ok && tentative >= best {
				continue
			}
			gScore[nc] = tentative
			seq++
			n := &node{pos: nb, g: tentative, h: nb.Dist(gg), parent: cur, seq: seq}
			n.f = n.g + n.h
			heap.Push(open, n)
		}
	}
	return Path{}, fmt.Errorf("no path %+v -> %+v at version %d: %w", start, goal, v.Version(), ErrUnreachable)
}

// finish reconstructs the waypoint chain, smooths it, and restores the exact
// endpoints in place of their grid-snapped cells.
func finish(v *geo.View, start, goal geo.Position, end *node) Path {
	var rev []geo.Position
	for n := end; n != nil; n = n.parent {
		rev = append(rev, n.pos)
	}
	pts := make([]geo.Position, 0, len(rev)+2)
	pts = append(pts, start)
	for i := len(rev) - 1; i >= 0; i-- {
		pts = append(pts, rev[i])
	}
	pts = append(pts, goal)
	pts = smooth(v, pts)

	p := Path{Waypoints: pts, WorldVersion: v.Version()}
	for i := 1; i < len(pts); i++ {
		p.Dist += pts[i-1].Dist(pts[i])
	}
	return p
}

// smooth drops intermediate waypoints whose bypassing segment stays clear of
// active zones. Grid staircases collapse toward straight lines without ever
// introducing a blocked segment.
func smooth(v *geo.View, pts []geo.Position) []geo.Position {
	if len(pts) <= 2 {
		return pts
	}
	out := []geo.Position{pts[0]}
	anchor := 0
	for i := 1; i < len(pts)-1; i++ {
		if v.SegmentBlocked(pts[anchor], pts[i+1]) {
			out = append(out, pts[i])
			anchor = i
		}
	}
	out = append(out, pts[len(pts)-1])
	return out
}
