// Package store persists current-session planning state: committed plans,
// reporting subscriptions, and the webhook delivery queue.
package store

import (
	"context"
	"errors"
	"time"

	"dronefleet/internal/model"
)

var ErrNotFound = errors.New("not found")

// Subscription is a webhook registration for plan/zone events.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// WebhookDelivery is one queued outbound notification.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

// Store is the persistence interface used by the API server. Memory is the
// default; Postgres is selected by DATABASE_URL.
type Store interface {
	// Plans
	SavePlan(ctx context.Context, plan *model.Plan) error
	GetPlan(ctx context.Context, id string) (*model.Plan, error)
	LatestPlan(ctx context.Context) (*model.Plan, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, url string, events []string, secret string) (Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook queue
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error

	Ping(ctx context.Context) error
}
