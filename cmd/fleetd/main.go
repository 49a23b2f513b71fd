package main

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dronefleet/internal/api"
	"dronefleet/internal/config"
	"dronefleet/internal/fleet"
	"dronefleet/internal/geo"
	"dronefleet/internal/metrics"
	"dronefleet/internal/model"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	world, err := geo.NewWorld(cfg.World.Width, cfg.World.Height, cfg.World.Resolution)
	if err != nil {
		log.Fatalf("failed to build world: %v", err)
	}
	orch := fleet.New(world, fleet.Config{
		Seed:           cfg.Engine.Seed,
		PopulationSize: cfg.Engine.PopulationSize,
		Generations:    cfg.Engine.Generations,
		PlateauWindow:  cfg.Engine.PlateauWindow,
		NodeBudget:     cfg.Engine.NodeBudget,
		Workers:        cfg.Engine.Workers,
	})

	srv, err := api.NewServer(orch)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	if path := os.Getenv("SCENARIO_FILE"); path != "" {
		if err := loadScenario(orch, path); err != nil {
			log.Fatalf("failed to load scenario: %v", err)
		}
	}

	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Scenario and entities
	mux.HandleFunc("/v1/scenario", api.RateLimit(srv.ScenarioHandler))
	mux.HandleFunc("/v1/drones", api.RateLimit(srv.DronesHandler))
	mux.HandleFunc("/v1/drones/", api.RateLimit(srv.DroneByIDHandler))
	mux.HandleFunc("/v1/deliveries", api.RateLimit(srv.DeliveriesHandler))
	mux.HandleFunc("/v1/deliveries/", api.RateLimit(srv.DeliveryByIDHandler))
	mux.HandleFunc("/v1/zones", api.RateLimit(srv.ZonesHandler))
	mux.HandleFunc("/v1/zones/", api.RateLimit(srv.ZoneByIDHandler))
	mux.HandleFunc("/v1/mutations", api.RateLimit(srv.MutationsHandler))

	// Planning
	mux.HandleFunc("/v1/plan", srv.PlanHandler)
	mux.HandleFunc("/v1/plan/metrics", srv.PlanMetricsHandler)

	// Reporting
	mux.HandleFunc("/v1/subscriptions", srv.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srv.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/events/ws", srv.EventsWSHandler)

	// Health and introspection
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.HandleFunc("/version", srv.VersionHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)
	srv.NewWebhookWorker().Start()

	log.Printf("fleet engine listening on %s (world %gx%g @ %g)", addr, cfg.World.Width, cfg.World.Height, cfg.World.Resolution)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func loadScenario(orch *fleet.Orchestrator, path string) error {
	sc, err := config.LoadScenario(path)
	if err != nil {
		return err
	}
	loaded, rejected := 0, 0
	for _, zin := range sc.Zones {
		if err := addZone(orch, zin); err != nil {
			log.Printf("scenario: rejected zone %s: %v", zin.ID, err)
			rejected++
			continue
		}
		loaded++
	}
	for _, din := range sc.Drones {
		d, err := model.NewDrone(din.ID, din.Start, din.Capacity, din.Battery, din.Speed)
		if err == nil {
			err = orch.AddDrone(d)
		}
		if err != nil {
			log.Printf("scenario: rejected drone %s: %v", din.ID, err)
			rejected++
			continue
		}
		loaded++
	}
	for _, din := range sc.Deliveries {
		d, err := model.NewDelivery(din.ID, din.Position, din.Weight, din.Priority, din.Window)
		if err == nil {
			err = orch.AddDelivery(d)
		}
		if err != nil {
			log.Printf("scenario: rejected delivery %s: %v", din.ID, err)
			rejected++
			continue
		}
		loaded++
	}
	log.Printf("scenario %s: loaded %d entities, rejected %d", path, loaded, rejected)
	return nil
}

func addZone(orch *fleet.Orchestrator, in model.ZoneIn) error {
	var z *geo.Zone
	var err error
	switch in.Geometry {
	case geo.GeometryCircle:
		if in.Center == nil {
			return geo.ErrBadRadius
		}
		z, err = geo.NewCircleZone(in.ID, *in.Center, in.Radius)
	default:
		z, err = geo.NewPolygonZone(in.ID, in.Ring)
	}
	if err != nil {
		return err
	}
	if in.Window != nil {
		if err := z.SetWindow(in.Window.Start, in.Window.End); err != nil {
			return err
		}
	}
	if in.Active != nil {
		z.Active = *in.Active
	}
	return orch.AddZone(z, 0)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)
		status := strconv.Itoa(sw.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
		log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, sw.status, dur)
	})
}
