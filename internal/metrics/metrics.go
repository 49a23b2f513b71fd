package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PlanningCycles counts planning cycle outcomes.
	PlanningCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "planning_cycles_total", Help: "Planning cycles by outcome."},
		[]string{"outcome"},
	)
	// PlanningDuration records full-cycle planning time in seconds.
	PlanningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "planning_cycle_duration_seconds", Help: "Planning cycle duration in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}},
	)
	// InfeasibleDeliveries counts deliveries reported infeasible by committed plans.
	InfeasibleDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "infeasible_deliveries_total", Help: "Deliveries reported infeasible."},
	)
	// WebhookDeliveries counts webhook delivery outcomes by event type and status.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(PlanningCycles)
		Registry.MustRegister(PlanningDuration)
		Registry.MustRegister(InfeasibleDeliveries)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
