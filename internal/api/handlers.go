package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dronefleet/internal/buildinfo"
	"dronefleet/internal/fleet"
	"dronefleet/internal/geo"
	"dronefleet/internal/model"
	"dronefleet/internal/opt"
)

// zoneOut is the wire shape of a registered zone.
type zoneOut struct {
	ID       string            `json:"id"`
	Geometry string            `json:"geometry"`
	Ring     []geo.Position    `json:"ring,omitempty"`
	Center   *geo.Position     `json:"center,omitempty"`
	Radius   float64           `json:"radius,omitempty"`
	Active   bool              `json:"active"`
	Window   *model.TimeWindow `json:"window,omitempty"`
}

func toZoneOut(z geo.Zone) zoneOut {
	out := zoneOut{ID: z.ID, Geometry: z.Geometry, Active: z.Active}
	if z.Geometry == geo.GeometryCircle {
		c := z.Center
		out.Center = &c
		out.Radius = z.Radius
	} else {
		out.Ring = z.Ring
	}
	if !z.WindowStart.IsZero() || !z.WindowEnd.IsZero() {
		out.Window = &model.TimeWindow{Start: z.WindowStart, End: z.WindowEnd}
	}
	return out
}

func (s *Server) writeMutationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fleet.ErrStaleVersion):
		writeProblem(w, http.StatusConflict, "Stale world version", err.Error(), r.URL.Path)
	case errors.Is(err, geo.ErrZoneNotFound),
		errors.Is(err, fleet.ErrDroneNotFound),
		errors.Is(err, fleet.ErrDeliveryMissing):
		writeProblem(w, http.StatusNotFound, "Not found", err.Error(), r.URL.Path)
	case errors.Is(err, geo.ErrZoneExists),
		errors.Is(err, fleet.ErrDroneExists),
		errors.Is(err, fleet.ErrDeliveryExists):
		writeProblem(w, http.StatusConflict, "Already exists", err.Error(), r.URL.Path)
	case errors.Is(err, fleet.ErrDeliveryNotAssigned):
		writeProblem(w, http.StatusConflict, "Delivery not assigned", err.Error(), r.URL.Path)
	case errors.Is(err, model.ErrInvalidEntity),
		errors.Is(err, geo.ErrPolygonTooSmall),
		errors.Is(err, geo.ErrBadRadius),
		errors.Is(err, geo.ErrBadWindow):
		writeProblem(w, http.StatusBadRequest, "Invalid entity", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Mutation failed", err.Error(), r.URL.Path)
	}
}

// ScenarioHandler handles POST/GET /v1/scenario. A scenario POST loads every
// valid entity and reports the rejects; it never aborts wholesale.
func (s *Server) ScenarioHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in model.ScenarioIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		rejected := []model.RejectedEntity{}
		loaded := 0
		for _, zin := range in.Zones {
			z, err := buildZone(zin)
			if err == nil {
				err = s.Orch.AddZone(z, 0)
			}
			if err != nil {
				rejected = append(rejected, model.RejectedEntity{Kind: "zone", ID: zin.ID, Reason: model.ReasonInvalidConfig, Detail: err.Error()})
				continue
			}
			loaded++
		}
		for _, din := range in.Drones {
			d, err := buildDrone(din)
			if err == nil {
				err = s.Orch.AddDrone(d)
			}
			if err != nil {
				rejected = append(rejected, model.RejectedEntity{Kind: "drone", ID: din.ID, Reason: model.ReasonInvalidConfig, Detail: err.Error()})
				continue
			}
			loaded++
		}
		for _, din := range in.Deliveries {
			d, err := buildDelivery(din)
			if err == nil {
				err = s.Orch.AddDelivery(d)
			}
			if err != nil {
				rejected = append(rejected, model.RejectedEntity{Kind: "delivery", ID: din.ID, Reason: model.ReasonInvalidConfig, Detail: err.Error()})
				continue
			}
			loaded++
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"loaded":       loaded,
			"rejected":     rejected,
			"worldVersion": s.Orch.WorldVersion(),
		})
	case http.MethodGet:
		zones := s.Orch.Zones()
		outZones := make([]zoneOut, 0, len(zones))
		for _, z := range zones {
			outZones = append(outZones, toZoneOut(z))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"worldVersion": s.Orch.WorldVersion(),
			"state":        s.Orch.State(),
			"drones":       s.Orch.Drones(),
			"deliveries":   s.Orch.Deliveries(),
			"zones":        outZones,
			"routes":       s.Orch.CurrentRoutes(),
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DronesHandler handles POST/GET /v1/drones.
func (s *Server) DronesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in model.DroneIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		d, err := buildDrone(in)
		if err == nil {
			err = s.Orch.AddDrone(d)
		}
		if err != nil {
			s.writeMutationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Orch.Drones()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DroneByIDHandler handles DELETE /v1/drones/{id}.
func (s *Server) DroneByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/drones/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Orch.RemoveDrone(id); err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeliveriesHandler handles POST/GET /v1/deliveries.
func (s *Server) DeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in model.DeliveryIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		d, err := buildDelivery(in)
		if err == nil {
			err = s.Orch.AddDelivery(d)
		}
		if err != nil {
			s.writeMutationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	case http.MethodGet:
		items := s.Orch.Deliveries()
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := items[:0]
			for _, d := range items {
				if d.Status == status {
					filtered = append(filtered, d)
				}
			}
			items = filtered
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DeliveryByIDHandler handles DELETE /v1/deliveries/{id} (cancel),
// POST /v1/deliveries/{id}/in-route and POST /v1/deliveries/{id}/delivered.
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/in-route"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Orch.MarkInRoute(id); err != nil {
			s.writeMutationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.DeliveryInRoute})
		return
	}
	if id, ok := strings.CutSuffix(rest, "/delivered"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.Orch.MarkDelivered(id); err != nil {
			s.writeMutationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.DeliveryDelivered})
		return
	}
	if strings.Contains(rest, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Orch.CancelDelivery(rest); err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ZonesHandler handles POST/GET /v1/zones. Zone mutations carry an optional
// worldVersion stamp; a stale stamp yields 409.
func (s *Server) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in struct {
			model.ZoneIn
			WorldVersion uint64 `json:"worldVersion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		z, err := buildZone(in.ZoneIn)
		if err == nil {
			err = s.Orch.AddZone(z, in.WorldVersion)
		}
		if err != nil {
			s.writeMutationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"zone": toZoneOut(*z), "worldVersion": s.Orch.WorldVersion()})
	case http.MethodGet:
		zones := s.Orch.Zones()
		out := make([]zoneOut, 0, len(zones))
		for _, z := range zones {
			out = append(out, toZoneOut(z))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "worldVersion": s.Orch.WorldVersion()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ZoneByIDHandler handles DELETE /v1/zones/{id} and POST /v1/zones/{id}/active.
func (s *Server) ZoneByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/zones/")
	if rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/active"); ok {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Active       bool   `json:"active"`
			WorldVersion uint64 `json:"worldVersion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := s.Orch.SetZoneActive(id, req.Active, req.WorldVersion); err != nil {
			s.writeMutationError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active, "worldVersion": s.Orch.WorldVersion()})
		return
	}
	if strings.Contains(rest, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var stamp uint64
	if v := r.URL.Query().Get("worldVersion"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid worldVersion", err.Error(), r.URL.Path)
			return
		}
		stamp = n
	}
	if err := s.Orch.RemoveZone(rest, stamp); err != nil {
		s.writeMutationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MutationsHandler handles POST /v1/mutations: a batch of mutation events
// from external collaborators, each applied against its own world-version
// stamp. A failed event is reported in place; it does not abort the batch.
func (s *Server) MutationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var events []model.MutationEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	results := make([]map[string]any, 0, len(events))
	for i, ev := range events {
		entry := map[string]any{"index": i, "type": ev.Type, "ok": true}
		if err := s.applyMutation(ev); err != nil {
			entry["ok"] = false
			entry["error"] = err.Error()
		}
		results = append(results, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":      results,
		"worldVersion": s.Orch.WorldVersion(),
	})
}

func (s *Server) applyMutation(ev model.MutationEvent) error {
	switch ev.Type {
	case "zone.add":
		if ev.Zone == nil {
			return fmt.Errorf("zone.add requires a zone")
		}
		z, err := buildZone(*ev.Zone)
		if err != nil {
			return err
		}
		return s.Orch.AddZone(z, ev.WorldVersion)
	case "zone.remove":
		return s.Orch.RemoveZone(ev.TargetID, ev.WorldVersion)
	case "zone.toggle":
		if ev.Active == nil {
			return fmt.Errorf("zone.toggle requires active")
		}
		return s.Orch.SetZoneActive(ev.TargetID, *ev.Active, ev.WorldVersion)
	case "drone.add":
		if ev.Drone == nil {
			return fmt.Errorf("drone.add requires a drone")
		}
		d, err := buildDrone(*ev.Drone)
		if err != nil {
			return err
		}
		return s.Orch.AddDrone(d)
	case "drone.remove":
		return s.Orch.RemoveDrone(ev.TargetID)
	case "delivery.add":
		if ev.Delivery == nil {
			return fmt.Errorf("delivery.add requires a delivery")
		}
		d, err := buildDelivery(*ev.Delivery)
		if err != nil {
			return err
		}
		return s.Orch.AddDelivery(d)
	case "delivery.cancel":
		return s.Orch.CancelDelivery(ev.TargetID)
	case "delivery.in_route":
		return s.Orch.MarkInRoute(ev.TargetID)
	case "delivery.delivered":
		return s.Orch.MarkDelivered(ev.TargetID)
	default:
		return fmt.Errorf("unknown mutation type %q", ev.Type)
	}
}

// PlanHandler handles POST/GET /v1/plan. POST runs a full planning cycle and
// persists the committed plan; GET returns the current plan or a stored one
// by id.
func (s *Server) PlanHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req := &model.PlanRequest{}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(req); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
				return
			}
		}
		if err := validatePlanRequest(req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid plan request", err.Error(), r.URL.Path)
			return
		}
		plan, err := s.Orch.Plan(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Planning failed", err.Error(), r.URL.Path)
			return
		}
		if err := s.Store.SavePlan(r.Context(), plan); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Plan save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			plan, err := s.Store.GetPlan(r.Context(), id)
			if err != nil {
				writeProblem(w, http.StatusNotFound, "Plan not found", err.Error(), r.URL.Path)
				return
			}
			writeJSON(w, http.StatusOK, plan)
			return
		}
		if plan := s.Orch.CurrentPlan(); plan != nil {
			writeJSON(w, http.StatusOK, plan)
			return
		}
		// nothing committed this session; fall back to the persisted history
		if plan, err := s.Store.LatestPlan(r.Context()); err == nil {
			writeJSON(w, http.StatusOK, plan)
			return
		}
		writeProblem(w, http.StatusNotFound, "No committed plan", "", r.URL.Path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// PlanMetricsHandler handles GET /v1/plan/metrics.
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if id := r.URL.Query().Get("planId"); id != "" {
		m, ok := opt.GetMetrics(id)
		if !ok {
			writeProblem(w, http.StatusNotFound, "No metrics for plan", id, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"planId": id, "metrics": m})
		return
	}
	id, m, ok := opt.LatestMetrics()
	if !ok {
		writeProblem(w, http.StatusNotFound, "No plan metrics recorded", "", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"planId": id, "metrics": m})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions.
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			URL    string   `json:"url"`
			Events []string `json:"events"`
			Secret string   `json:"secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req.URL, req.Events, req.Secret)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}.
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		writeProblem(w, http.StatusNotFound, "Subscription not found", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info())
}
