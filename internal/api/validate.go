package api

import (
	"fmt"

	"dronefleet/internal/geo"
	"dronefleet/internal/model"
)

func validatePlanRequest(req *model.PlanRequest) error {
	if req.PopulationSize < 0 {
		return fmt.Errorf("populationSize must be >= 0")
	}
	if req.Generations < 0 {
		return fmt.Errorf("generations must be >= 0")
	}
	if req.PlateauWindow < 0 {
		return fmt.Errorf("plateauWindow must be >= 0")
	}
	if req.NodeBudget < 0 {
		return fmt.Errorf("nodeBudget must be >= 0")
	}
	if req.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	return nil
}

// buildZone converts a wire zone into a validated geo.Zone.
func buildZone(in model.ZoneIn) (*geo.Zone, error) {
	var z *geo.Zone
	var err error
	switch in.Geometry {
	case geo.GeometryPolygon:
		z, err = geo.NewPolygonZone(in.ID, in.Ring)
	case geo.GeometryCircle:
		if in.Center == nil {
			return nil, fmt.Errorf("circle zone requires center")
		}
		z, err = geo.NewCircleZone(in.ID, *in.Center, in.Radius)
	default:
		return nil, fmt.Errorf("unknown geometry %q", in.Geometry)
	}
	if err != nil {
		return nil, err
	}
	if in.Window != nil {
		if err := z.SetWindow(in.Window.Start, in.Window.End); err != nil {
			return nil, err
		}
	}
	if in.Active != nil {
		z.Active = *in.Active
	}
	return z, nil
}

func buildDrone(in model.DroneIn) (*model.Drone, error) {
	return model.NewDrone(in.ID, in.Start, in.Capacity, in.Battery, in.Speed)
}

func buildDelivery(in model.DeliveryIn) (*model.Delivery, error) {
	return model.NewDelivery(in.ID, in.Position, in.Weight, in.Priority, in.Window)
}
