package model

import "dronefleet/internal/geo"

// Wire types for the HTTP surface. Scenario input mirrors what the external
// configuration loader produces.

type DroneIn struct {
	ID       string       `json:"id"`
	Start    geo.Position `json:"start"`
	Capacity float64      `json:"capacity"`
	Battery  float64      `json:"battery"`
	Speed    float64      `json:"speed"`
}

type DeliveryIn struct {
	ID       string       `json:"id"`
	Position geo.Position `json:"position"`
	Weight   float64      `json:"weight"`
	Priority int          `json:"priority,omitempty"`
	Window   *TimeWindow  `json:"window,omitempty"`
}

type ZoneIn struct {
	ID       string         `json:"id"`
	Geometry string         `json:"geometry"` // polygon | circle
	Ring     []geo.Position `json:"ring,omitempty"`
	Center   *geo.Position  `json:"center,omitempty"`
	Radius   float64        `json:"radius,omitempty"`
	Active   *bool          `json:"active,omitempty"`
	Window   *TimeWindow    `json:"window,omitempty"`
}

// ScenarioIn is a full entity set, normally produced by the external
// configuration loader.
type ScenarioIn struct {
	Drones     []DroneIn    `json:"drones"`
	Deliveries []DeliveryIn `json:"deliveries"`
	Zones      []ZoneIn     `json:"zones"`
}

// RejectedEntity reports a scenario entity that failed validation. The rest
// of the scenario still loads.
type RejectedEntity struct {
	Kind   string `json:"kind"` // drone | delivery | zone
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// PlanRequest optionally overrides engine tuning for one cycle.
type PlanRequest struct {
	Seed           int64 `json:"seed,omitempty"`
	PopulationSize int   `json:"populationSize,omitempty"`
	Generations    int   `json:"generations,omitempty"`
	PlateauWindow  int   `json:"plateauWindow,omitempty"`
	NodeBudget     int   `json:"nodeBudget,omitempty"`
	Workers        int   `json:"workers,omitempty"`
}

// MutationEvent is a zone/fleet/delivery change consumed from external
// collaborators, stamped with the world version it applies against.
type MutationEvent struct {
	Type         string      `json:"type"` // zone.add, zone.remove, zone.toggle, drone.add, drone.remove, delivery.add, delivery.cancel
	WorldVersion uint64      `json:"worldVersion"`
	Zone         *ZoneIn     `json:"zone,omitempty"`
	Drone        *DroneIn    `json:"drone,omitempty"`
	Delivery     *DeliveryIn `json:"delivery,omitempty"`
	TargetID     string      `json:"targetId,omitempty"`
	Active       *bool       `json:"active,omitempty"`
}
