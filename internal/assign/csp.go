// Package assign maps deliveries onto drones by backtracking search with
// constraint propagation. Capacity, battery range, and time windows are hard
// constraints; an unassignable delivery is marked infeasible and never blocks
// the rest.
package assign

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"dronefleet/internal/geo"
	"dronefleet/internal/model"
	"dronefleet/internal/routing"
)

// DefaultNodeBudget bounds the backtracking search. Exhausting it yields the
// best partial assignment found so far, not a failure.
const DefaultNodeBudget = 20000

// Problem is one assignment instance over an immutable snapshot.
type Problem struct {
	View       *geo.View
	Drones     []*model.Drone
	Deliveries []*model.Delivery
	Paths      *routing.Cache
	NodeBudget int
	At         time.Time // cycle time; time windows resolve against it
}

// Result is the best complete-or-partial assignment found.
type Result struct {
	ByDrone         map[string][]string // drone id -> delivery ids in visit order
	Infeasible      []model.InfeasibleDelivery
	Nodes           int
	BudgetExhausted bool
}

// QueueCost is the evaluated cost of one drone's delivery queue.
type QueueCost struct {
	Dist   float64
	Time   float64
	Energy float64 // includes the return-home leg used for range checks
}

// Solve runs the backtracking search. Variables are ordered most-constrained
// first, values cheapest-incremental-cost first.
func Solve(p Problem) Result {
	if p.NodeBudget <= 0 {
		p.NodeBudget = DefaultNodeBudget
	}
	if p.Paths == nil {
		p.Paths = routing.NewCache()
	}
	s := &search{p: p, queues: map[string][]*model.Delivery{}, rejections: map[string]int{}}
	for _, d := range p.Drones {
		s.queues[d.ID] = nil
	}
	pending := append([]*model.Delivery(nil), p.Deliveries...)
	// Deterministic base order: priority descending, then id.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].ID < pending[j].ID
	})
	s.step(pending, nil, 0)

	res := Result{
		ByDrone:         map[string][]string{},
		Nodes:           s.nodes,
		BudgetExhausted: s.exhausted,
	}
	for id, q := range s.best {
		ids := make([]string, len(q))
		for i, d := range q {
			ids[i] = d.ID
		}
		res.ByDrone[id] = ids
	}
	res.Infeasible = s.bestInfeasible
	return res
}

type search struct {
	p         Problem
	nodes     int
	exhausted bool

	queues map[string][]*model.Delivery

	// every hard-constraint rejection seen while narrowing domains, so a
	// dead-ended delivery can be reported against the constraint that
	// actually blocked its branches
	rejections map[string]int

	best           map[string][]*model.Delivery
	bestAssigned   int
	bestCost       float64
	bestInfeasible []model.InfeasibleDelivery
	done           bool
}

// candidate is one drone a delivery could go to, with its incremental cost.
type candidate struct {
	drone *model.Drone
	delta float64
}

// step assigns one delivery per recursion level. infeasible accumulates
// deliveries given up on along this branch.
func (s *search) step(pending []*model.Delivery, infeasible []model.InfeasibleDelivery, costSoFar float64) {
	if s.done || s.exhausted {
		return
	}
	if len(pending) == 0 {
		s.record(infeasible, costSoFar)
		if len(infeasible) == 0 {
			s.done = true // complete assignment; nothing better exists
		}
		return
	}

	// Most-constrained variable: fewest feasible drones.
	varIdx := 0
	var varCands []candidate
	var varReason model.InfeasibleDelivery
	minDomain := math.MaxInt
	for i, d := range pending {
		cands, reason := s.domain(d)
		if len(cands) < minDomain {
			minDomain = len(cands)
			varIdx, varCands, varReason = i, cands, reason
		}
	}
	dv := pending[varIdx]
	rest := make([]*model.Delivery, 0, len(pending)-1)
	rest = append(rest, pending[:varIdx]...)
	rest = append(rest, pending[varIdx+1:]...)

	if len(varCands) == 0 {
		// No drone can take it on this branch; mark and carry on.
		s.step(rest, append(infeasible, varReason), costSoFar)
		return
	}

	// Least-cost value ordering, drone id as the stable tie-break.
	sort.Slice(varCands, func(i, j int) bool {
		if varCands[i].delta != varCands[j].delta {
			return varCands[i].delta < varCands[j].delta
		}
		return varCands[i].drone.ID < varCands[j].drone.ID
	})

	for _, c := range varCands {
		s.nodes++
		if s.nodes > s.p.NodeBudget {
			s.exhausted = true
			s.record(infeasible, costSoFar) // keep the best partial on the way out
			return
		}
		q := s.queues[c.drone.ID]
		s.queues[c.drone.ID] = append(q, dv)
		s.step(rest, infeasible, costSoFar+c.delta)
		s.queues[c.drone.ID] = q
		if s.done || s.exhausted {
			return
		}
	}

	// Every choice dead-ended deeper down; the partial without dv may still
	// beat them. Blame the constraint that dominated the failed branches,
	// falling back to the budget only when nothing was ever rejected.
	reason := model.ReasonBudgetExhausted
	if len(s.rejections) > 0 {
		reason = dominantReason(s.rejections)
	}
	s.step(rest, append(infeasible, model.InfeasibleDelivery{
		DeliveryID: dv.ID, Reason: reason,
		Detail: "no consistent assignment within explored branches",
	}), costSoFar)
}

// record keeps the branch outcome if it assigns more deliveries, or as many
// at lower cost.
func (s *search) record(infeasible []model.InfeasibleDelivery, cost float64) {
	assigned := 0
	for _, q := range s.queues {
		assigned += len(q)
	}
	if s.best != nil && (assigned < s.bestAssigned || (assigned == s.bestAssigned && cost >= s.bestCost)) {
		return
	}
	snap := map[string][]*model.Delivery{}
	for id, q := range s.queues {
		snap[id] = append([]*model.Delivery(nil), q...)
	}
	s.best = snap
	s.bestAssigned = assigned
	s.bestCost = cost
	s.bestInfeasible = append([]model.InfeasibleDelivery(nil), infeasible...)
}

// domain returns the feasible drones for d given current queues, cheapest
// first unsorted, plus the reason to report when the domain is empty.
func (s *search) domain(d *model.Delivery) ([]candidate, model.InfeasibleDelivery) {
	var cands []candidate
	reasons := map[string]int{}
	var detail string
	for _, dr := range s.p.Drones {
		// straight-line round trip is a lower bound on any real path, so a
		// drone that cannot afford it unloaded needs no pathfinding
		if dr.Position.Dist(d.Position)+d.Position.Dist(dr.Start) > dr.RangeFor(0) {
			reasons[model.ReasonRange]++
			s.rejections[model.ReasonRange]++
			if detail == "" {
				detail = fmt.Sprintf("drone %s: delivery %s beyond maximum range", dr.ID, d.ID)
			}
			continue
		}
		base, err := EvalQueue(s.p.View, s.p.Paths, dr, s.queues[dr.ID], s.p.At)
		if err != nil {
			continue // existing queue became unevaluable; drone is out
		}
		cost, verr := s.tryAppend(dr, d)
		if verr != nil {
			var v *Violation
			if errors.As(verr, &v) {
				reasons[v.Reason]++
				s.rejections[v.Reason]++
				if detail == "" {
					detail = v.Error()
				}
			}
			continue
		}
		cands = append(cands, candidate{drone: dr, delta: cost.Energy - base.Energy})
	}
	if len(cands) > 0 {
		return cands, model.InfeasibleDelivery{}
	}
	return nil, model.InfeasibleDelivery{DeliveryID: d.ID, Reason: dominantReason(reasons), Detail: detail}
}

func (s *search) tryAppend(dr *model.Drone, d *model.Delivery) (QueueCost, error) {
	q := s.queues[dr.ID]
	trial := make([]*model.Delivery, 0, len(q)+1)
	trial = append(trial, q...)
	trial = append(trial, d)
	return EvalQueue(s.p.View, s.p.Paths, dr, trial, s.p.At)
}

// dominantReason picks the reported code when every drone rejected a
// delivery. Capacity beats range beats time window; Unreachable only when no
// drone had any path at all.
func dominantReason(reasons map[string]int) string {
	for _, r := range []string{model.ReasonCapacity, model.ReasonRange, model.ReasonTimeWindow} {
		if reasons[r] > 0 {
			return r
		}
	}
	return model.ReasonUnreachable
}

// Violation is a hard-constraint failure for one drone/queue pairing.
// Recoverable: it narrows a domain, it does not abort the search.
type Violation struct {
	Reason string
	Msg    string
}

func (v *Violation) Error() string { return v.Msg }

// EvalQueue walks a drone's queue in order, pricing each leg through the
// pathfinder and enforcing capacity, range (with the return-home leg), and
// time windows. The drone carries the whole queue's payload from the start,
// shedding weight at each drop.
func EvalQueue(v *geo.View, paths *routing.Cache, dr *model.Drone, queue []*model.Delivery, at time.Time) (QueueCost, error) {
	total := 0.0
	for _, d := range queue {
		total += d.Weight
	}
	if !dr.CanCarry(total) {
		return QueueCost{}, &Violation{Reason: model.ReasonCapacity,
			Msg: fmt.Sprintf("drone %s: queue weight %.2f exceeds capacity %.2f", dr.ID, total, dr.Capacity)}
	}

	var out QueueCost
	pos := dr.Position
	payload := total
	elapsed := 0.0
	for _, d := range queue {
		path, err := paths.FindPath(v, pos, d.Position)
		if err != nil {
			return QueueCost{}, &Violation{Reason: model.ReasonUnreachable,
				Msg: fmt.Sprintf("drone %s -> delivery %s: %v", dr.ID, d.ID, err)}
		}
		flight := path.Dist / dr.Speed
		out.Dist += path.Dist
		out.Energy += dr.EnergyFor(path.Dist, payload)
		elapsed += flight

		if d.Window != nil {
			arrival := at.Add(time.Duration(elapsed * float64(time.Second)))
			if !d.Window.End.IsZero() && arrival.After(d.Window.End) {
				return QueueCost{}, &Violation{Reason: model.ReasonTimeWindow,
					Msg: fmt.Sprintf("delivery %s: arrival %s after window end %s", d.ID, arrival.Format(time.RFC3339), d.Window.End.Format(time.RFC3339))}
			}
			if !d.Window.Start.IsZero() && arrival.Before(d.Window.Start) {
				elapsed += d.Window.Start.Sub(arrival).Seconds() // wait on station
			}
		}
		payload -= d.Weight
		pos = d.Position
	}
	out.Time = elapsed

	// Round-trip: the drone must still make it home empty.
	if len(queue) > 0 {
		back, err := paths.FindPath(v, pos, dr.Start)
		if err != nil {
			return QueueCost{}, &Violation{Reason: model.ReasonUnreachable,
				Msg: fmt.Sprintf("drone %s: no return path from delivery %s", dr.ID, queue[len(queue)-1].ID)}
		}
		out.Energy += dr.EnergyFor(back.Dist, 0)
	}
	if out.Energy > dr.BatteryLeft {
		return QueueCost{}, &Violation{Reason: model.ReasonRange,
			Msg: fmt.Sprintf("drone %s: round-trip energy %.2f exceeds remaining battery %.2f", dr.ID, out.Energy, dr.BatteryLeft)}
	}
	return out, nil
}
