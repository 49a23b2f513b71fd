// Package fleet coordinates planning cycles: it owns drone and delivery
// state, snapshots the world, runs assignment and optimization, and commits
// the resulting routes.
package fleet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dronefleet/internal/geo"
	"dronefleet/internal/model"
	"dronefleet/internal/routing"
)

// Cycle states.
const (
	StateIdle      = "idle"
	StatePlanning  = "planning"
	StateCommitted = "committed"
)

var (
	ErrStaleVersion        = errors.New("mutation stamped against a stale world version")
	ErrDroneExists         = errors.New("drone already exists")
	ErrDroneNotFound       = errors.New("drone not found")
	ErrDeliveryExists      = errors.New("delivery already exists")
	ErrDeliveryMissing     = errors.New("delivery not found")
	ErrDeliveryNotAssigned = errors.New("delivery has no assigned drone")
)

// Config tunes the planning engine. Zero values fall back to package
// defaults.
type Config struct {
	Seed           int64
	PopulationSize int
	Generations    int
	PlateauWindow  int
	NodeBudget     int
	Workers        int
}

// Notifier receives planning and mutation events. Implementations must not
// block.
type Notifier interface {
	Notify(eventType string, data any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(eventType string, data any)

func (f NotifierFunc) Notify(eventType string, data any) { f(eventType, data) }

// Orchestrator is the single writer of committed fleet state. Everything it
// hands to the planning pipeline is a read-only snapshot.
type Orchestrator struct {
	mu         sync.Mutex
	world      *geo.World
	drones     map[string]*model.Drone
	deliveries map[string]*model.Delivery
	current    *model.Plan
	state      string
	pending    bool // a trigger arrived mid-cycle; coalesced into the next snapshot
	cfg        Config
	notifier   Notifier
	paths      *routing.Cache
	clock      func() time.Time
	trigger    chan struct{}

	cycleMu sync.Mutex // serializes planning cycles; never preempted
}

// New creates an orchestrator over the given world.
func New(world *geo.World, cfg Config) *Orchestrator {
	return &Orchestrator{
		world:      world,
		drones:     map[string]*model.Drone{},
		deliveries: map[string]*model.Delivery{},
		state:      StateIdle,
		cfg:        cfg,
		paths:      routing.NewCache(),
		clock:      time.Now,
		trigger:    make(chan struct{}, 1),
	}
}

// effective merges per-request overrides over the configured defaults.
func (o *Orchestrator) effective(req *model.PlanRequest) Config {
	cfg := o.cfg
	if req != nil {
		if req.Seed != 0 {
			cfg.Seed = req.Seed
		}
		if req.PopulationSize > 0 {
			cfg.PopulationSize = req.PopulationSize
		}
		if req.Generations > 0 {
			cfg.Generations = req.Generations
		}
		if req.PlateauWindow > 0 {
			cfg.PlateauWindow = req.PlateauWindow
		}
		if req.NodeBudget > 0 {
			cfg.NodeBudget = req.NodeBudget
		}
		if req.Workers > 0 {
			cfg.Workers = req.Workers
		}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return cfg
}

// SetNotifier wires an event sink (broker fan-out, webhook publisher).
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	o.notifier = n
	o.mu.Unlock()
}

// SetClock overrides the time source.
func (o *Orchestrator) SetClock(clock func() time.Time) { o.clock = clock }

// State returns the current cycle state.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// WorldVersion returns the spatial model's mutation counter.
func (o *Orchestrator) WorldVersion() uint64 { return o.world.Version() }

// Zones returns every registered zone, active or not.
func (o *Orchestrator) Zones() []geo.Zone { return o.world.Zones() }

func (o *Orchestrator) notify(eventType string, data any) {
	o.mu.Lock()
	n := o.notifier
	o.mu.Unlock()
	if n != nil {
		n.Notify(eventType, data)
	}
}

// checkVersion rejects mutation events stamped against an older world than
// the current one. Zero means unstamped (trusted caller).
func (o *Orchestrator) checkVersion(stamp uint64) error {
	if stamp != 0 && stamp != o.world.Version() {
		return fmt.Errorf("stamp %d, world at %d: %w", stamp, o.world.Version(), ErrStaleVersion)
	}
	return nil
}

// AddZone registers a no-fly zone and marks the fleet for re-planning.
func (o *Orchestrator) AddZone(z *geo.Zone, stamp uint64) error {
	if err := o.mutateZone(stamp, func() error { return o.world.AddZone(z) }); err != nil {
		return err
	}
	o.notify("zone.changed", map[string]any{"op": "add", "zoneId": z.ID, "worldVersion": o.world.Version()})
	return nil
}

// RemoveZone drops a zone and marks the fleet for re-planning.
func (o *Orchestrator) RemoveZone(id string, stamp uint64) error {
	if err := o.mutateZone(stamp, func() error { return o.world.RemoveZone(id) }); err != nil {
		return err
	}
	o.notify("zone.changed", map[string]any{"op": "remove", "zoneId": id, "worldVersion": o.world.Version()})
	return nil
}

// SetZoneActive toggles a zone and marks the fleet for re-planning.
func (o *Orchestrator) SetZoneActive(id string, active bool, stamp uint64) error {
	if err := o.mutateZone(stamp, func() error { return o.world.SetZoneActive(id, active) }); err != nil {
		return err
	}
	o.notify("zone.changed", map[string]any{"op": "toggle", "zoneId": id, "active": active, "worldVersion": o.world.Version()})
	return nil
}

func (o *Orchestrator) mutateZone(stamp uint64, apply func() error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkVersion(stamp); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	o.markDirty()
	return nil
}

// AddDrone registers a drone.
func (o *Orchestrator) AddDrone(d *model.Drone) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.drones[d.ID]; ok {
		return fmt.Errorf("drone %s: %w", d.ID, ErrDroneExists)
	}
	o.drones[d.ID] = d
	o.markDirty()
	return nil
}

// RemoveDrone drops a drone; its assigned deliveries return to unassigned.
func (o *Orchestrator) RemoveDrone(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.drones[id]; !ok {
		return fmt.Errorf("drone %s: %w", id, ErrDroneNotFound)
	}
	delete(o.drones, id)
	for _, d := range o.deliveries {
		if d.AssignedDrone == id && d.Status != model.DeliveryDelivered {
			d.AssignedDrone = ""
			d.Status = model.DeliveryUnassigned
		}
	}
	o.markDirty()
	return nil
}

// AddDelivery registers a delivery.
func (o *Orchestrator) AddDelivery(d *model.Delivery) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.deliveries[d.ID]; ok {
		return fmt.Errorf("delivery %s: %w", d.ID, ErrDeliveryExists)
	}
	o.deliveries[d.ID] = d
	o.markDirty()
	return nil
}

// CancelDelivery removes a not-yet-delivered delivery.
func (o *Orchestrator) CancelDelivery(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.deliveries[id]; !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrDeliveryMissing)
	}
	delete(o.deliveries, id)
	o.markDirty()
	return nil
}

// MarkDelivered completes a delivery: status transition plus payload release
// on the carrying drone.
func (o *Orchestrator) MarkDelivered(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrDeliveryMissing)
	}
	if dr, ok := o.drones[d.AssignedDrone]; ok {
		dr.Payload -= d.Weight
		if dr.Payload < 0 {
			dr.Payload = 0
		}
	}
	d.Status = model.DeliveryDelivered
	return nil
}

// MarkInRoute records that the assigned drone has departed with the
// delivery. Only an assigned delivery can transition.
func (o *Orchestrator) MarkInRoute(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, ErrDeliveryMissing)
	}
	if d.Status != model.DeliveryAssigned || d.AssignedDrone == "" {
		return fmt.Errorf("delivery %s: %w", id, ErrDeliveryNotAssigned)
	}
	d.Status = model.DeliveryInRoute
	return nil
}

// markDirty queues a re-plan. Called with o.mu held. A cycle already in
// Planning is never preempted; the change lands in the next snapshot. Bursts
// of mutations collapse into one queued cycle.
func (o *Orchestrator) markDirty() {
	if o.state == StatePlanning {
		o.pending = true
		return
	}
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Drones returns a sorted copy of the fleet.
func (o *Orchestrator) Drones() []model.Drone {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Drone, 0, len(o.drones))
	for _, d := range o.drones {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deliveries returns a sorted copy of the delivery set.
func (o *Orchestrator) Deliveries() []model.Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Delivery, 0, len(o.deliveries))
	for _, d := range o.deliveries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentPlan returns the latest committed plan, or nil before the first
// cycle. The returned plan is a copy; callers cannot mutate committed state.
func (o *Orchestrator) CurrentPlan() *model.Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	cp := *o.current
	cp.Routes = map[string]model.Route{}
	for id, r := range o.current.Routes {
		cp.Routes[id] = r
	}
	cp.Infeasible = append([]model.InfeasibleDelivery(nil), o.current.Infeasible...)
	return &cp
}

// CurrentRoutes returns the committed drone→route mapping, read-only for
// reporting and visualization.
func (o *Orchestrator) CurrentRoutes() map[string]model.Route {
	p := o.CurrentPlan()
	if p == nil {
		return map[string]model.Route{}
	}
	return p.Routes
}
