package fleet

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"dronefleet/internal/assign"
	"dronefleet/internal/geo"
	"dronefleet/internal/metrics"
	"dronefleet/internal/model"
	"dronefleet/internal/opt"
	"dronefleet/internal/routing"
)

// snapshot is the immutable input to one planning cycle.
type snapshot struct {
	view       *geo.View
	drones     []*model.Drone
	deliveries []*model.Delivery
	at         time.Time
}

// takeSnapshot copies the plannable entity set. Drone copies are refunded
// for their soon-to-be-replaced routes, so re-planning prices against the
// battery the drone will actually have once the old route is dropped.
func (o *Orchestrator) takeSnapshot() snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	at := o.clock()
	s := snapshot{view: o.world.Snapshot(at), at: at}
	for _, d := range o.drones {
		cp := *d
		if o.current != nil {
			if old, ok := o.current.Routes[d.ID]; ok {
				o.refund(&cp, old)
			}
		}
		s.drones = append(s.drones, &cp)
	}
	for _, d := range o.deliveries {
		if d.Status == model.DeliveryDelivered {
			continue
		}
		cp := *d
		s.deliveries = append(s.deliveries, &cp)
	}
	sort.Slice(s.drones, func(i, j int) bool { return s.drones[i].ID < s.drones[j].ID })
	sort.Slice(s.deliveries, func(i, j int) bool { return s.deliveries[i].ID < s.deliveries[j].ID })
	return s
}

// refund releases a route's committed consumption on a drone copy. Weight
// already delivered stays consumed.
func (o *Orchestrator) refund(d *model.Drone, r model.Route) {
	d.BatteryLeft += r.Energy
	if d.BatteryLeft > d.Battery {
		d.BatteryLeft = d.Battery
	}
	for _, did := range r.Deliveries {
		if del, ok := o.deliveries[did]; ok && del.Status != model.DeliveryDelivered {
			d.Payload -= del.Weight
		}
	}
	if d.Payload < 0 {
		d.Payload = 0
	}
}

// Trigger queues a planning cycle. Triggers arriving while one is queued
// collapse into a single cycle over the latest snapshot.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Start launches the background planning loop.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.trigger:
				if _, err := o.Plan(ctx, nil); err != nil {
					log.Printf("planning cycle failed: %v", err)
				}
			}
		}
	}()
}

// Plan runs one full cycle synchronously: snapshot, assignment, route
// optimization, leg expansion, commit. A triggering event arriving while the
// cycle runs is queued and a fresh cycle starts immediately after commit.
// The planner never fails outright; it commits a best-effort plan plus the
// list of what could not be satisfied.
func (o *Orchestrator) Plan(ctx context.Context, req *model.PlanRequest) (*model.Plan, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	for {
		o.mu.Lock()
		o.state = StatePlanning
		o.pending = false
		o.mu.Unlock()

		start := time.Now()
		plan, err := o.runCycle(ctx, req)
		if err != nil {
			o.mu.Lock()
			o.state = StateIdle
			o.mu.Unlock()
			metrics.PlanningCycles.WithLabelValues("error").Inc()
			return nil, err
		}
		plan.PlanningElapsed = time.Since(start)
		o.commit(plan)
		metrics.PlanningCycles.WithLabelValues("committed").Inc()
		metrics.PlanningDuration.Observe(time.Since(start).Seconds())
		metrics.InfeasibleDeliveries.Add(float64(len(plan.Infeasible)))
		o.notify("plan.committed", plan)
		for _, inf := range plan.Infeasible {
			o.notify("delivery.infeasible", inf)
		}

		o.mu.Lock()
		again := o.pending
		if !again {
			o.state = StateIdle
		}
		o.mu.Unlock()
		if !again {
			return plan, nil
		}
		// An event landed mid-cycle; the committed plan stands but is
		// immediately superseded.
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, req *model.PlanRequest) (*model.Plan, error) {
	snap := o.takeSnapshot()
	cfg := o.effective(req)

	res := assign.Solve(assign.Problem{
		View:       snap.view,
		Drones:     snap.drones,
		Deliveries: snap.deliveries,
		Paths:      o.paths,
		NodeBudget: cfg.NodeBudget,
		At:         snap.at,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byID := map[string]*model.Delivery{}
	for _, d := range snap.deliveries {
		byID[d.ID] = d
	}
	sol, gm := opt.Solve(opt.Problem{
		View:           snap.view,
		Drones:         snap.drones,
		Deliveries:     byID,
		Base:           res.ByDrone,
		Paths:          o.paths,
		At:             snap.at,
		PopulationSize: cfg.PopulationSize,
		Generations:    cfg.Generations,
		PlateauWindow:  cfg.PlateauWindow,
		Workers:        cfg.Workers,
	}, cfg.Seed)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := &model.Plan{
		ID:           uuid.New().String(),
		WorldVersion: snap.view.Version(),
		Routes:       map[string]model.Route{},
		Infeasible:   res.Infeasible,
		Suboptimal:   res.BudgetExhausted || gm.CapHit,
	}
	for _, dr := range snap.drones {
		queue := sol.Orders[dr.ID]
		if len(queue) == 0 {
			continue
		}
		route, dropped := o.expandRoute(snap.view, dr, queue, byID)
		plan.Infeasible = append(plan.Infeasible, dropped...)
		if len(route.Deliveries) > 0 {
			plan.Routes[dr.ID] = route
			plan.TotalDist += route.Dist
			plan.TotalEnergy += route.Energy
		}
	}
	opt.RecordMetrics(plan.ID, gm)
	return plan, nil
}

// expandRoute turns an ordered delivery queue into flown legs via the
// pathfinder. All queries run against the cycle's view, so every leg carries
// the same world version.
func (o *Orchestrator) expandRoute(view *geo.View, dr *model.Drone, queue []string, byID map[string]*model.Delivery) (model.Route, []model.InfeasibleDelivery) {
	route := model.Route{DroneID: dr.ID, WorldVersion: view.Version()}
	var dropped []model.InfeasibleDelivery
	pos := dr.Position
	payload := 0.0
	for _, did := range queue {
		payload += byID[did].Weight
	}
	route.Waypoints = append(route.Waypoints, pos)
	for _, did := range queue {
		d := byID[did]
		path, err := routePath(o.paths, view, pos, d.Position)
		if err != nil {
			dropped = append(dropped, model.InfeasibleDelivery{
				DeliveryID: did, Reason: model.ReasonUnreachable, Detail: err.Error(),
			})
			payload -= d.Weight
			continue
		}
		for i := 1; i < len(path.Waypoints); i++ {
			from, to := path.Waypoints[i-1], path.Waypoints[i]
			dist := from.Dist(to)
			leg := model.Leg{
				From: from, To: to, Dist: dist,
				Time:   dist / dr.Speed,
				Energy: dr.EnergyFor(dist, payload),
			}
			route.Legs = append(route.Legs, leg)
			route.Waypoints = append(route.Waypoints, to)
			route.Dist += leg.Dist
			route.Time += leg.Time
			route.Energy += leg.Energy
		}
		route.Deliveries = append(route.Deliveries, did)
		payload -= d.Weight
		pos = d.Position
	}
	return route, dropped
}

func routePath(cache *routing.Cache, view *geo.View, from, to geo.Position) (routing.Path, error) {
	return cache.FindPath(view, from, to)
}

// commit atomically writes the plan onto the owned entities: route set,
// battery and payload consumption, delivery status transitions.
func (o *Orchestrator) commit(plan *model.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	assignedBy := map[string]string{} // delivery id -> drone id
	for droneID, r := range plan.Routes {
		for _, did := range r.Deliveries {
			assignedBy[did] = droneID
		}
	}
	infeasible := map[string]bool{}
	for _, inf := range plan.Infeasible {
		infeasible[inf.DeliveryID] = true
	}

	for _, dr := range o.drones {
		if o.current != nil {
			if old, ok := o.current.Routes[dr.ID]; ok {
				o.refund(dr, old)
			}
		}
		if r, ok := plan.Routes[dr.ID]; ok {
			weight := 0.0
			for _, did := range r.Deliveries {
				if d, ok := o.deliveries[did]; ok {
					weight += d.Weight
				}
			}
			dr.Consume(r.Energy, weight)
		}
	}
	for id, d := range o.deliveries {
		if d.Status == model.DeliveryDelivered {
			continue
		}
		switch {
		case assignedBy[id] != "":
			// a departed delivery kept by the same drone stays in route
			if !(d.Status == model.DeliveryInRoute && d.AssignedDrone == assignedBy[id]) {
				d.Status = model.DeliveryAssigned
			}
			d.AssignedDrone = assignedBy[id]
		case infeasible[id]:
			d.Status = model.DeliveryInfeasible
			d.AssignedDrone = ""
		default:
			d.Status = model.DeliveryUnassigned
			d.AssignedDrone = ""
		}
	}
	plan.CommittedAt = o.clock()
	o.current = plan
	o.state = StateCommitted
}
