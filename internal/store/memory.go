package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dronefleet/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu      sync.Mutex
	plans   map[string]*model.Plan
	planSeq []string
	subs    map[string]Subscription
	subSeq  []string
	queue   map[string]*memDelivery
	qSeq    []string
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		plans: map[string]*model.Plan{},
		subs:  map[string]Subscription{},
		queue: map[string]*memDelivery{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) SavePlan(ctx context.Context, plan *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.ID]; !ok {
		m.planSeq = append(m.planSeq, plan.ID)
	}
	cp := *plan
	m.plans[plan.ID] = &cp
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) LatestPlan(ctx context.Context) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.planSeq) == 0 {
		return nil, ErrNotFound
	}
	cp := *m.plans[m.planSeq[len(m.planSeq)-1]]
	return &cp, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, url string, events []string, secret string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Subscription{ID: uuid.New().String(), URL: url, Events: append([]string(nil), events...), Secret: secret}
	m.subs[s.ID] = s
	m.subSeq = append(m.subSeq, s.ID)
	return s, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subSeq))
	for _, id := range m.subSeq {
		out = append(out, m.subs[id])
	}
	return out, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, id := range m.subSeq {
		s := m.subs[id]
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	for i, sid := range m.subSeq {
		if sid == id {
			m.subSeq = append(m.subSeq[:i], m.subSeq[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.queue[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{
			ID: id, SubscriptionID: subscriptionID, EventType: eventType,
			URL: url, Secret: secret, Payload: payload, Status: "pending",
		},
		NextAttemptAt: time.Now(),
	}
	m.qSeq = append(m.qSeq, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []WebhookDelivery
	for _, id := range m.qSeq {
		d := m.queue[id]
		if d.Status == "pending" && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.queue[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.queue[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	return nil
}
