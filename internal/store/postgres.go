package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dronefleet/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    world_version BIGINT NOT NULL,
    body JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS subscriptions (
    id UUID PRIMARY KEY,
    url TEXT NOT NULL,
    events JSONB NOT NULL,
    secret TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id UUID PRIMARY KEY,
    subscription_id UUID,
    event_type TEXT NOT NULL,
    url TEXT NOT NULL,
    secret TEXT,
    payload JSONB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INT NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_error TEXT,
    response_code INT,
    delivered_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries (next_attempt_at) WHERE status IN ('pending','retry');
`

// Migrate creates the schema if it does not exist. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) SavePlan(ctx context.Context, plan *model.Plan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO plans (id, world_version, body) VALUES ($1,$2,$3)
        ON CONFLICT (id) DO UPDATE SET world_version=$2, body=$3`, plan.ID, plan.WorldVersion, body)
	return err
}

func (p *Postgres) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM plans WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var plan model.Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Postgres) LatestPlan(ctx context.Context) (*model.Plan, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM plans ORDER BY created_at DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var plan model.Plan
	if err := json.Unmarshal(body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, url string, events []string, secret string) (Subscription, error) {
	s := Subscription{ID: uuid.New().String(), URL: url, Events: events, Secret: secret}
	ev, err := json.Marshal(events)
	if err != nil {
		return Subscription{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		s.ID, s.URL, ev, nullIfEmpty(s.Secret))
	if err != nil {
		return Subscription{}, err
	}
	return s, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions
        WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb ORDER BY created_at`, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	out := []Subscription{}
	for rows.Next() {
		var s Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	if !success && nextAttemptAt != nil {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, response_code=$4, updated_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), response_code=$2, updated_at=now() WHERE id=$1`, id, responseCode)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, response_code=$3, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
