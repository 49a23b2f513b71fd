package api

import (
	"context"
	"os"
	"strings"
	"time"

	"dronefleet/internal/fleet"
	"dronefleet/internal/store"
	"dronefleet/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Orch   *fleet.Orchestrator
	Pub    *webhooks.Publisher
	Broker EventBroker
}

// NewServer wires the orchestrator to persistence and event fan-out. If
// DATABASE_URL is unset, uses the in-memory store; if REDIS_URL is set,
// events are published over Redis Pub/Sub.
func NewServer(orch *fleet.Orchestrator) (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sp.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		s = sp
	}
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	srv := &Server{Store: s, Orch: orch, Pub: webhooks.NewPublisher(s), Broker: broker}
	orch.SetNotifier(fleet.NotifierFunc(srv.onEvent))
	return srv, nil
}

// onEvent forwards orchestrator notifications to webhook subscribers and
// live stream clients.
func (s *Server) onEvent(eventType string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Pub.Emit(ctx, eventType, data)
	m, ok := data.(map[string]any)
	if !ok {
		m = map[string]any{"data": data}
	}
	s.Broker.Publish(Event{Type: eventType, Data: m})
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
