package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"dronefleet/internal/fleet"
	"dronefleet/internal/geo"
	"dronefleet/internal/model"
	"dronefleet/internal/store"
	"dronefleet/internal/webhooks"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	world, err := geo.NewWorld(100, 100, 1)
	require.NoError(t, err)
	orch := fleet.New(world, fleet.Config{Seed: 1})
	st := store.NewMemory()
	srv := &Server{Store: st, Orch: orch, Pub: webhooks.NewPublisher(st), Broker: NewBroker()}
	orch.SetNotifier(fleet.NotifierFunc(srv.onEvent))
	return srv
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestScenarioPartialAccept(t *testing.T) {
	srv := newTestServer(t)
	scenario := model.ScenarioIn{
		Drones: []model.DroneIn{
			{ID: "d1", Start: geo.Position{X: 10, Y: 10}, Capacity: 5, Battery: 200, Speed: 2},
			{ID: "bad", Start: geo.Position{X: 10, Y: 10}, Capacity: -1, Battery: 200, Speed: 2},
		},
		Deliveries: []model.DeliveryIn{
			{ID: "p1", Position: geo.Position{X: 30, Y: 30}, Weight: 1},
		},
		Zones: []model.ZoneIn{
			{ID: "z1", Geometry: "circle", Center: &geo.Position{X: 70, Y: 70}, Radius: 5},
		},
	}

	rec := doJSON(t, srv.ScenarioHandler, http.MethodPost, "/v1/scenario", scenario)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var out struct {
		Loaded       int                    `json:"loaded"`
		Rejected     []model.RejectedEntity `json:"rejected"`
		WorldVersion uint64                 `json:"worldVersion"`
	}
	decodeBody(t, rec, &out)
	require.Equal(t, 3, out.Loaded)
	require.Len(t, out.Rejected, 1)
	require.Equal(t, "drone", out.Rejected[0].Kind)
	require.Equal(t, "bad", out.Rejected[0].ID)
	require.Equal(t, model.ReasonInvalidConfig, out.Rejected[0].Reason)

	rec = doJSON(t, srv.ScenarioHandler, http.MethodGet, "/v1/scenario", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		Drones     []model.Drone    `json:"drones"`
		Deliveries []model.Delivery `json:"deliveries"`
		Zones      []zoneOut        `json:"zones"`
	}
	decodeBody(t, rec, &state)
	require.Len(t, state.Drones, 1)
	require.Len(t, state.Deliveries, 1)
	require.Len(t, state.Zones, 1)
	require.Equal(t, "z1", state.Zones[0].ID)
}

func TestZoneStaleVersionConflict(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]any{
		"id":       "z1",
		"geometry": "polygon",
		"ring":     []geo.Position{{X: 10, Y: 10}, {X: 20, Y: 10}, {X: 20, Y: 20}, {X: 10, Y: 20}},
	}
	rec := doJSON(t, srv.ZonesHandler, http.MethodPost, "/v1/zones", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	// stamped against a version that no longer exists
	body["id"] = "z2"
	body["worldVersion"] = 999
	rec = doJSON(t, srv.ZonesHandler, http.MethodPost, "/v1/zones", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var prob Problem
	decodeBody(t, rec, &prob)
	require.Equal(t, "Stale world version", prob.Title)

	// toggle with the correct stamp, then delete with a stale one
	v := srv.Orch.WorldVersion()
	rec = doJSON(t, srv.ZoneByIDHandler, http.MethodPost, "/v1/zones/z1/active",
		map[string]any{"active": false, "worldVersion": v})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.ZoneByIDHandler, http.MethodDelete, fmt.Sprintf("/v1/zones/z1?worldVersion=%d", v), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv.ZoneByIDHandler, http.MethodDelete,
		fmt.Sprintf("/v1/zones/z1?worldVersion=%d", srv.Orch.WorldVersion()), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestZoneValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.ZonesHandler, http.MethodPost, "/v1/zones", map[string]any{
		"id": "z1", "geometry": "polygon",
		"ring": []geo.Position{{X: 0, Y: 0}, {X: 1, Y: 1}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.ZonesHandler, http.MethodPost, "/v1/zones", map[string]any{
		"id": "z1", "geometry": "circle",
		"center": geo.Position{X: 5, Y: 5}, "radius": -2,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlanEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.DronesHandler, http.MethodPost, "/v1/drones",
		model.DroneIn{ID: "d1", Start: geo.Position{X: 10, Y: 10}, Capacity: 5, Battery: 500, Speed: 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.DeliveriesHandler, http.MethodPost, "/v1/deliveries",
		model.DeliveryIn{ID: "p1", Position: geo.Position{X: 40, Y: 40}, Weight: 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.PlanHandler, http.MethodPost, "/v1/plan", model.PlanRequest{Seed: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	var plan model.Plan
	decodeBody(t, rec, &plan)
	require.NotEmpty(t, plan.ID)
	require.Contains(t, plan.Routes, "d1")
	require.Equal(t, []string{"p1"}, plan.Routes["d1"].Deliveries)

	// committed plan is the default GET response
	rec = doJSON(t, srv.PlanHandler, http.MethodGet, "/v1/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current model.Plan
	decodeBody(t, rec, &current)
	require.Equal(t, plan.ID, current.ID)

	// and the persisted copy is retrievable by id
	rec = doJSON(t, srv.PlanHandler, http.MethodGet, "/v1/plan?id="+plan.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.PlanHandler, http.MethodGet, "/v1/plan?id=missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv.PlanMetricsHandler, http.MethodGet, "/v1/plan/metrics?planId="+plan.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// assigned deliveries can be marked in route
	rec = doJSON(t, srv.DeliveryByIDHandler, http.MethodPost, "/v1/deliveries/p1/in-route", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inRoute map[string]any
	decodeBody(t, rec, &inRoute)
	require.Equal(t, model.DeliveryInRoute, inRoute["status"])
}

func TestPlanGetFallsBackToStore(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.PlanHandler, http.MethodGet, "/v1/plan", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// a plan persisted by an earlier process is served when nothing has
	// been committed in this one
	stored := &model.Plan{ID: "plan-old", WorldVersion: 3, Routes: map[string]model.Route{}}
	require.NoError(t, srv.Store.SavePlan(context.Background(), stored))

	rec = doJSON(t, srv.PlanHandler, http.MethodGet, "/v1/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Plan
	decodeBody(t, rec, &got)
	require.Equal(t, "plan-old", got.ID)
}

func TestDeliveryLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.DeliveriesHandler, http.MethodPost, "/v1/deliveries",
		model.DeliveryIn{ID: "p1", Position: geo.Position{X: 40, Y: 40}, Weight: 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	// duplicate id conflicts
	rec = doJSON(t, srv.DeliveriesHandler, http.MethodPost, "/v1/deliveries",
		model.DeliveryIn{ID: "p1", Position: geo.Position{X: 40, Y: 40}, Weight: 2})
	require.Equal(t, http.StatusConflict, rec.Code)

	// in-route needs an assigned drone first
	rec = doJSON(t, srv.DeliveryByIDHandler, http.MethodPost, "/v1/deliveries/p1/in-route", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv.DeliveryByIDHandler, http.MethodPost, "/v1/deliveries/p1/delivered", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.DeliveriesHandler, http.MethodGet, "/v1/deliveries?status=delivered", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []model.Delivery `json:"items"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, model.DeliveryDelivered, list.Items[0].Status)

	rec = doJSON(t, srv.DeliveryByIDHandler, http.MethodDelete, "/v1/deliveries/p1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv.DeliveryByIDHandler, http.MethodDelete, "/v1/deliveries/p1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDroneEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.DronesHandler, http.MethodPost, "/v1/drones",
		model.DroneIn{ID: "d1", Start: geo.Position{X: 10, Y: 10}, Capacity: 5, Battery: 100, Speed: 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv.DronesHandler, http.MethodPut, "/v1/drones", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, srv.DronesHandler, http.MethodGet, "/v1/drones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []model.Drone `json:"items"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Items, 1)

	rec = doJSON(t, srv.DroneByIDHandler, http.MethodDelete, "/v1/drones/d1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, srv.DroneByIDHandler, http.MethodDelete, "/v1/drones/d1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		map[string]any{"url": "", "events": []string{"plan.committed"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions",
		map[string]any{"url": "https://example.com/hook", "events": []string{"plan.committed"}, "secret": "s3cret"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub store.Subscription
	decodeBody(t, rec, &sub)
	require.NotEmpty(t, sub.ID)

	rec = doJSON(t, srv.SubscriptionsHandler, http.MethodGet, "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []store.Subscription `json:"items"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Items, 1)

	rec = doJSON(t, srv.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, srv.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMutationBatchPartialFailure(t *testing.T) {
	srv := newTestServer(t)
	active := false
	batch := []model.MutationEvent{
		{Type: "drone.add", Drone: &model.DroneIn{ID: "d1", Start: geo.Position{X: 10, Y: 10}, Capacity: 5, Battery: 100, Speed: 2}},
		{Type: "zone.add", Zone: &model.ZoneIn{ID: "z1", Geometry: "circle", Center: &geo.Position{X: 50, Y: 50}, Radius: 3}},
		{Type: "zone.toggle", TargetID: "z1", Active: &active, WorldVersion: 999}, // stale stamp
		{Type: "delivery.cancel", TargetID: "missing"},
		{Type: "bogus"},
	}

	rec := doJSON(t, srv.MutationsHandler, http.MethodPost, "/v1/mutations", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Results []struct {
			Index int    `json:"index"`
			Type  string `json:"type"`
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"results"`
		WorldVersion uint64 `json:"worldVersion"`
	}
	decodeBody(t, rec, &out)
	require.Len(t, out.Results, 5)
	require.True(t, out.Results[0].OK)
	require.True(t, out.Results[1].OK)
	require.False(t, out.Results[2].OK)
	require.False(t, out.Results[3].OK)
	require.False(t, out.Results[4].OK)
	require.Contains(t, out.Results[4].Error, "unknown mutation type")

	// the failed events left state untouched, the rest landed
	require.Len(t, srv.Orch.Drones(), 1)
	zones := srv.Orch.Zones()
	require.Len(t, zones, 1)
	require.True(t, zones[0].Active)
}

func TestZoneMutationEmitsEvents(t *testing.T) {
	srv := newTestServer(t)
	ch := srv.Broker.Subscribe("zone")
	defer srv.Broker.Unsubscribe("zone", ch)

	rec := doJSON(t, srv.ZonesHandler, http.MethodPost, "/v1/zones", map[string]any{
		"id": "z1", "geometry": "circle", "center": geo.Position{X: 50, Y: 50}, "radius": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	evt := <-ch
	require.Equal(t, "zone.changed", evt.Type)
	require.Equal(t, "z1", evt.Data["zoneId"])
	require.Equal(t, "add", evt.Data["op"])
}

func TestHealthReadyVersion(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.HealthHandler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.ReadyHandler, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.VersionHandler, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	decodeBody(t, rec, &info)
	require.Contains(t, info, "version")
}

func TestRateLimitRejectsBurst(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "0.001")
	t.Setenv("RATE_LIMIT_BURST", "2")

	hits := 0
	h := RateLimit(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNoContent)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/v1/zones", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/v1/zones", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, 2, hits)

	// reads pass through untouched
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/v1/zones", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEventsWebSocket(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.EventsWSHandler))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "connection_ack", msg.Type)

	payload, _ := json.Marshal(wsSubscribePayload{Topic: "plan"})
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "sub-1", Payload: payload}))

	// the ping round-trip guarantees the subscribe was processed before
	// anything is published
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "pong", msg.Type)

	srv.Broker.Publish(Event{Type: "plan.committed", Data: map[string]any{"id": "p1"}})

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "next", msg.Type)
	require.Equal(t, "sub-1", msg.ID)
	var evt Event
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	require.Equal(t, "plan.committed", evt.Type)
	require.Equal(t, "p1", evt.Data["id"])

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete", ID: "sub-1"}))
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "pong", msg.Type)
}
