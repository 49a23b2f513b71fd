// Package model defines the fleet domain entities and wire types.
package model

import (
	"errors"
	"fmt"
	"time"

	"dronefleet/internal/geo"
)

// Delivery lifecycle states.
const (
	DeliveryUnassigned = "unassigned"
	DeliveryAssigned   = "assigned"
	DeliveryInRoute    = "in_route"
	DeliveryDelivered  = "delivered"
	DeliveryInfeasible = "infeasible"
)

// Reason codes for deliveries the planner could not satisfy.
const (
	ReasonUnreachable     = "Unreachable"
	ReasonCapacity        = "CapacityExceeded"
	ReasonRange           = "RangeExceeded"
	ReasonTimeWindow      = "TimeWindowViolation"
	ReasonInvalidConfig   = "InvalidConfiguration"
	ReasonBudgetExhausted = "SearchBudgetExhausted"
)

var ErrInvalidEntity = errors.New("invalid configuration")

// payloadEnergyFactor scales energy draw with carried weight.
const payloadEnergyFactor = 0.1

// TimeWindow bounds when a delivery or zone applies. Zero bounds are open.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Drone is a fleet vehicle. Battery and payload are consumed by the
// orchestrator's commit step and never go negative.
type Drone struct {
	ID       string       `json:"id"`
	Start    geo.Position `json:"start"`
	Capacity float64      `json:"capacity"` // max payload weight
	Battery  float64      `json:"battery"`  // energy units
	Speed    float64      `json:"speed"`    // distance units per second

	Position    geo.Position `json:"position"`
	BatteryLeft float64      `json:"batteryLeft"`
	Payload     float64      `json:"payload"`
}

// NewDrone validates and constructs a drone at its start position with a
// full battery.
func NewDrone(id string, start geo.Position, capacity, battery, speed float64) (*Drone, error) {
	switch {
	case id == "":
		return nil, fmt.Errorf("drone id required: %w", ErrInvalidEntity)
	case capacity <= 0:
		return nil, fmt.Errorf("drone %s: capacity must be positive: %w", id, ErrInvalidEntity)
	case battery <= 0:
		return nil, fmt.Errorf("drone %s: battery must be positive: %w", id, ErrInvalidEntity)
	case speed <= 0:
		return nil, fmt.Errorf("drone %s: speed must be positive: %w", id, ErrInvalidEntity)
	}
	return &Drone{
		ID: id, Start: start, Capacity: capacity, Battery: battery, Speed: speed,
		Position: start, BatteryLeft: battery,
	}, nil
}

// CanCarry reports whether the drone can take extra weight on top of its
// current payload.
func (d *Drone) CanCarry(weight float64) bool {
	return d.Payload+weight <= d.Capacity
}

// EnergyFor estimates battery draw for flying dist while carrying payload.
func (d *Drone) EnergyFor(dist, payload float64) float64 {
	return (dist / d.Speed) * (1 + payloadEnergyFactor*payload)
}

// RangeFor converts remaining battery into reachable distance at the given
// payload.
func (d *Drone) RangeFor(payload float64) float64 {
	return d.BatteryLeft * d.Speed / (1 + payloadEnergyFactor*payload)
}

// Consume applies committed flight cost, clamping at zero.
func (d *Drone) Consume(energy, payload float64) {
	d.BatteryLeft -= energy
	if d.BatteryLeft < 0 {
		d.BatteryLeft = 0
	}
	d.Payload += payload
	if d.Payload > d.Capacity {
		d.Payload = d.Capacity
	}
}

// Reset returns the drone to its initial state.
func (d *Drone) Reset() {
	d.Position = d.Start
	d.BatteryLeft = d.Battery
	d.Payload = 0
}

// Delivery is a single drop-off. Immutable once created apart from its
// status transitions.
type Delivery struct {
	ID       string       `json:"id"`
	Position geo.Position `json:"position"`
	Weight   float64      `json:"weight"`
	Priority int          `json:"priority"`
	Window   *TimeWindow  `json:"window,omitempty"`

	Status        string `json:"status"`
	AssignedDrone string `json:"assignedDrone,omitempty"`
}

// NewDelivery validates and constructs a pending delivery.
func NewDelivery(id string, pos geo.Position, weight float64, priority int, window *TimeWindow) (*Delivery, error) {
	switch {
	case id == "":
		return nil, fmt.Errorf("delivery id required: %w", ErrInvalidEntity)
	case weight <= 0:
		return nil, fmt.Errorf("delivery %s: weight must be positive: %w", id, ErrInvalidEntity)
	}
	if window != nil && !window.Start.IsZero() && !window.End.IsZero() && window.End.Before(window.Start) {
		return nil, fmt.Errorf("delivery %s: time window end before start: %w", id, ErrInvalidEntity)
	}
	return &Delivery{ID: id, Position: pos, Weight: weight, Priority: priority, Window: window, Status: DeliveryUnassigned}, nil
}

// Leg is one flown segment of a route.
type Leg struct {
	From   geo.Position `json:"from"`
	To     geo.Position `json:"to"`
	Dist   float64      `json:"dist"`
	Time   float64      `json:"timeSec"`
	Energy float64      `json:"energy"`
}

// Route is the ordered waypoint sequence a drone will fly, with aggregate
// cost. Routes are replaced wholesale on re-plan, never patched.
type Route struct {
	DroneID      string         `json:"droneId"`
	Deliveries   []string       `json:"deliveries"` // delivery ids in visit order
	Waypoints    []geo.Position `json:"waypoints"`
	Legs         []Leg          `json:"legs"`
	Dist         float64        `json:"dist"`
	Time         float64        `json:"timeSec"`
	Energy       float64        `json:"energy"`
	WorldVersion uint64         `json:"worldVersion"`
}

// InfeasibleDelivery reports a delivery the plan could not satisfy.
type InfeasibleDelivery struct {
	DeliveryID string `json:"deliveryId"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// Plan is one committed planning result.
type Plan struct {
	ID              string               `json:"id"`
	WorldVersion    uint64               `json:"worldVersion"`
	Routes          map[string]Route     `json:"routes"` // drone id -> route
	Infeasible      []InfeasibleDelivery `json:"infeasible"`
	TotalDist       float64              `json:"totalDist"`
	TotalEnergy     float64              `json:"totalEnergy"`
	Suboptimal      bool                 `json:"suboptimal"` // a search budget was exhausted
	CommittedAt     time.Time            `json:"committedAt"`
	PlanningElapsed time.Duration        `json:"planningElapsedNs"`
}
