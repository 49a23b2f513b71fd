package fleet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dronefleet/internal/geo"
	"dronefleet/internal/model"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrch(t *testing.T, width, height float64, cfg Config) *Orchestrator {
	t.Helper()
	w, err := geo.NewWorld(width, height, 1)
	require.NoError(t, err)
	o := New(w, cfg)
	o.SetClock(func() time.Time { return testTime })
	return o
}

func addDrone(t *testing.T, o *Orchestrator, id string, start geo.Position, capacity, battery, speed float64) {
	t.Helper()
	d, err := model.NewDrone(id, start, capacity, battery, speed)
	require.NoError(t, err)
	require.NoError(t, o.AddDrone(d))
}

func addDelivery(t *testing.T, o *Orchestrator, id string, pos geo.Position, weight float64) {
	t.Helper()
	d, err := model.NewDelivery(id, pos, weight, 0, nil)
	require.NoError(t, err)
	require.NoError(t, o.AddDelivery(d))
}

func zoneBox(t *testing.T, id string, minX, minY, maxX, maxY float64) *geo.Zone {
	t.Helper()
	z, err := geo.NewPolygonZone(id, []geo.Position{
		{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY},
	})
	require.NoError(t, err)
	return z
}

func TestEntityRegistration(t *testing.T) {
	o := newOrch(t, 100, 100, Config{})

	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 100, 2)
	d, err := model.NewDrone("d1", geo.Position{X: 0, Y: 0}, 5, 100, 2)
	require.NoError(t, err)
	require.ErrorIs(t, o.AddDrone(d), ErrDroneExists)

	addDelivery(t, o, "p1", geo.Position{X: 20, Y: 20}, 1)
	p, err := model.NewDelivery("p1", geo.Position{X: 0, Y: 0}, 1, 0, nil)
	require.NoError(t, err)
	require.ErrorIs(t, o.AddDelivery(p), ErrDeliveryExists)

	require.ErrorIs(t, o.RemoveDrone("nope"), ErrDroneNotFound)
	require.ErrorIs(t, o.CancelDelivery("nope"), ErrDeliveryMissing)
	require.ErrorIs(t, o.MarkDelivered("nope"), ErrDeliveryMissing)

	require.Len(t, o.Drones(), 1)
	require.Len(t, o.Deliveries(), 1)
}

func TestZoneMutationVersionStamps(t *testing.T) {
	o := newOrch(t, 100, 100, Config{})
	require.NoError(t, o.AddZone(zoneBox(t, "z1", 10, 10, 20, 20), 0))
	v := o.WorldVersion()

	// correct stamp accepted
	require.NoError(t, o.SetZoneActive("z1", false, v))
	// stale stamp rejected, mutation not applied
	require.ErrorIs(t, o.SetZoneActive("z1", true, v), ErrStaleVersion)
	require.ErrorIs(t, o.RemoveZone("z1", v), ErrStaleVersion)
	require.ErrorIs(t, o.AddZone(zoneBox(t, "z2", 0, 0, 5, 5), 1), ErrStaleVersion)

	zones := o.Zones()
	require.Len(t, zones, 1)
	require.False(t, zones[0].Active)
}

func TestRemoveDroneUnassignsDeliveries(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 1})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 1000, 2)
	addDelivery(t, o, "p1", geo.Position{X: 15, Y: 15}, 1)

	_, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, model.DeliveryAssigned, o.Deliveries()[0].Status)

	require.NoError(t, o.RemoveDrone("d1"))
	got := o.Deliveries()[0]
	require.Equal(t, model.DeliveryUnassigned, got.Status)
	require.Empty(t, got.AssignedDrone)
}

// Five drones, twenty 1kg deliveries clustered near their depots, two static
// zones off the flight corridors: everything gets assigned and no route
// touches a zone.
func TestPlanFullScenario(t *testing.T) {
	o := newOrch(t, 200, 200, Config{Seed: 11})
	z1 := zoneBox(t, "z1", 90, 90, 110, 110)
	z2 := zoneBox(t, "z2", 150, 20, 170, 40)
	require.NoError(t, o.AddZone(z1, 0))
	require.NoError(t, o.AddZone(z2, 0))

	depots := []geo.Position{
		{X: 20, Y: 20}, {X: 180, Y: 180}, {X: 20, Y: 180}, {X: 180, Y: 60}, {X: 60, Y: 140},
	}
	for i, depot := range depots {
		addDrone(t, o, fmt.Sprintf("d%d", i), depot, 5, 100, 1)
		for j := 0; j < 4; j++ {
			pos := geo.Position{X: depot.X + float64(j)*2 - 3, Y: depot.Y + float64(j%2)*3 - 1}
			addDelivery(t, o, fmt.Sprintf("p%d-%d", i, j), pos, 1)
		}
	}

	plan, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, plan.Infeasible)

	assigned := 0
	for droneID, r := range plan.Routes {
		assigned += len(r.Deliveries)
		require.LessOrEqual(t, float64(len(r.Deliveries)), 5.0, "drone %s over capacity", droneID)
		for i := 1; i < len(r.Waypoints); i++ {
			require.False(t, z1.IntersectsSegment(r.Waypoints[i-1], r.Waypoints[i]))
			require.False(t, z2.IntersectsSegment(r.Waypoints[i-1], r.Waypoints[i]))
		}
	}
	require.Equal(t, 20, assigned)

	for _, d := range o.Deliveries() {
		require.Equal(t, model.DeliveryAssigned, d.Status)
		require.NotEmpty(t, d.AssignedDrone)
	}
	for _, dr := range o.Drones() {
		require.GreaterOrEqual(t, dr.BatteryLeft, 0.0)
		require.LessOrEqual(t, dr.Payload, dr.Capacity)
	}
}

// A wall forces a detour no drone can afford; the delivery comes back
// RangeExceeded while the rest of the set still plans.
func TestPlanDetourBeyondRange(t *testing.T) {
	o := newOrch(t, 200, 100, Config{Seed: 5})
	require.NoError(t, o.AddZone(zoneBox(t, "wall", 90, 0, 100, 95), 0))

	addDrone(t, o, "d1", geo.Position{X: 50, Y: 50}, 10, 120, 1)
	addDelivery(t, o, "far", geo.Position{X: 150, Y: 50}, 1)
	addDelivery(t, o, "near", geo.Position{X: 54, Y: 50}, 1)

	plan, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, plan.Infeasible, 1)
	require.Equal(t, "far", plan.Infeasible[0].DeliveryID)
	require.Equal(t, model.ReasonRange, plan.Infeasible[0].Reason)

	require.Contains(t, plan.Routes, "d1")
	require.Equal(t, []string{"near"}, plan.Routes["d1"].Deliveries)

	byID := map[string]model.Delivery{}
	for _, d := range o.Deliveries() {
		byID[d.ID] = d
	}
	require.Equal(t, model.DeliveryInfeasible, byID["far"].Status)
	require.Equal(t, model.DeliveryAssigned, byID["near"].Status)
}

func TestPlanDeterministicUnderSeed(t *testing.T) {
	build := func() *Orchestrator {
		o := newOrch(t, 100, 100, Config{Seed: 42})
		require.NoError(t, o.AddZone(zoneBox(t, "z1", 40, 40, 60, 60), 0))
		for i := 0; i < 3; i++ {
			addDrone(t, o, fmt.Sprintf("d%d", i), geo.Position{X: float64(10 + i*30), Y: 10}, 8, 500, 2)
		}
		for i := 0; i < 9; i++ {
			addDelivery(t, o, fmt.Sprintf("p%d", i), geo.Position{X: float64(8 + i*10), Y: 80}, 2)
		}
		return o
	}

	p1, err := build().Plan(context.Background(), nil)
	require.NoError(t, err)
	p2, err := build().Plan(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, p1.Routes, p2.Routes)
	require.Equal(t, p1.Infeasible, p2.Infeasible)
	require.Equal(t, p1.TotalDist, p2.TotalDist)
	require.Equal(t, p1.TotalEnergy, p2.TotalEnergy)
}

// Re-planning must refund the superseded route before charging the new one;
// otherwise batteries drain by bookkeeping alone.
func TestReplanRefundsBattery(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 9})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 50}, 10, 200, 1)
	addDelivery(t, o, "p1", geo.Position{X: 60, Y: 50}, 1)

	p1, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	after1 := o.Drones()[0].BatteryLeft
	require.InDelta(t, 200-p1.Routes["d1"].Energy, after1, 1e-9)

	// route shape changes when a zone lands on the corridor
	require.NoError(t, o.AddZone(zoneBox(t, "z1", 30, 40, 35, 60), 0))
	p2, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	after2 := o.Drones()[0].BatteryLeft
	require.InDelta(t, 200-p2.Routes["d1"].Energy, after2, 1e-9)
	require.Greater(t, p2.Routes["d1"].Energy, p1.Routes["d1"].Energy)
}

// A zone's activation window opening bumps no world version; a later cycle
// must still route around it rather than reuse the pre-window path.
func TestReplanAfterWindowOpens(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 6})
	now := testTime
	o.SetClock(func() time.Time { return now })

	z := zoneBox(t, "window", 40, 0, 45, 80)
	require.NoError(t, z.SetWindow(testTime.Add(time.Hour), testTime.Add(2*time.Hour)))
	require.NoError(t, o.AddZone(z, 0))

	addDrone(t, o, "d1", geo.Position{X: 10, Y: 40}, 5, 500, 1)
	addDelivery(t, o, "p1", geo.Position{X: 70, Y: 40}, 1)

	p1, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	direct := p1.Routes["d1"]

	now = testTime.Add(90 * time.Minute)
	p2, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, p1.WorldVersion, p2.WorldVersion)

	detour := p2.Routes["d1"]
	require.Greater(t, detour.Dist, direct.Dist)
	for i := 1; i < len(detour.Waypoints); i++ {
		require.False(t, z.IntersectsSegment(detour.Waypoints[i-1], detour.Waypoints[i]),
			"route segment %d crosses the now-active zone", i)
	}
}

func TestMarkDeliveredReleasesPayload(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 2})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 500, 2)
	addDelivery(t, o, "p1", geo.Position{X: 20, Y: 20}, 3)

	_, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.InDelta(t, 3.0, o.Drones()[0].Payload, 1e-9)

	require.NoError(t, o.MarkDelivered("p1"))
	require.InDelta(t, 0.0, o.Drones()[0].Payload, 1e-9)
	require.Equal(t, model.DeliveryDelivered, o.Deliveries()[0].Status)

	// delivered deliveries drop out of later snapshots
	p2, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, p2.Routes)
}

func TestMarkInRouteLifecycle(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 2})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 500, 2)
	addDelivery(t, o, "p1", geo.Position{X: 20, Y: 20}, 3)

	// not assigned yet
	require.ErrorIs(t, o.MarkInRoute("p1"), ErrDeliveryNotAssigned)
	require.ErrorIs(t, o.MarkInRoute("nope"), ErrDeliveryMissing)

	_, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, o.MarkInRoute("p1"))
	require.Equal(t, model.DeliveryInRoute, o.Deliveries()[0].Status)

	// a re-plan that keeps the delivery on the same drone preserves in_route
	_, err = o.Plan(context.Background(), nil)
	require.NoError(t, err)
	d := o.Deliveries()[0]
	require.Equal(t, model.DeliveryInRoute, d.Status)
	require.Equal(t, "d1", d.AssignedDrone)

	require.NoError(t, o.MarkDelivered("p1"))
	require.Equal(t, model.DeliveryDelivered, o.Deliveries()[0].Status)
}

func TestBackgroundLoopCoalescesTriggers(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 4})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 500, 2)

	var mu sync.Mutex
	committed := 0
	done := make(chan struct{}, 8)
	o.SetNotifier(NotifierFunc(func(eventType string, data any) {
		if eventType == "plan.committed" {
			mu.Lock()
			committed++
			mu.Unlock()
			done <- struct{}{}
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	// a burst of mutations collapses into few cycles
	addDelivery(t, o, "p1", geo.Position{X: 20, Y: 20}, 1)
	addDelivery(t, o, "p2", geo.Position{X: 25, Y: 20}, 1)
	addDelivery(t, o, "p3", geo.Position{X: 30, Y: 20}, 1)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no plan committed")
	}

	require.Eventually(t, func() bool {
		p := o.CurrentPlan()
		return p != nil && len(p.Routes) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPlanRequestOverrides(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 7, Generations: 100})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 500, 2)
	addDelivery(t, o, "p1", geo.Position{X: 20, Y: 20}, 1)

	cfg := o.effective(&model.PlanRequest{Seed: 99, Generations: 5, NodeBudget: 123})
	require.Equal(t, int64(99), cfg.Seed)
	require.Equal(t, 5, cfg.Generations)
	require.Equal(t, 123, cfg.NodeBudget)
	require.Equal(t, 0, cfg.PopulationSize) // untouched defaults pass through
}

func TestCurrentPlanIsACopy(t *testing.T) {
	o := newOrch(t, 100, 100, Config{Seed: 3})
	addDrone(t, o, "d1", geo.Position{X: 10, Y: 10}, 5, 500, 2)
	addDelivery(t, o, "p1", geo.Position{X: 20, Y: 20}, 1)

	_, err := o.Plan(context.Background(), nil)
	require.NoError(t, err)

	p := o.CurrentPlan()
	require.NotNil(t, p)
	delete(p.Routes, "d1")
	require.Contains(t, o.CurrentPlan().Routes, "d1")
}
