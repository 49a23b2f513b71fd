package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dronefleet/internal/model"
)

func TestMemoryPlans(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetPlan(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.LatestPlan(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SavePlan(ctx, &model.Plan{ID: "p1", WorldVersion: 3}))
	require.NoError(t, m.SavePlan(ctx, &model.Plan{ID: "p2", WorldVersion: 5}))

	got, err := m.GetPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.WorldVersion)

	latest, err := m.LatestPlan(ctx)
	require.NoError(t, err)
	require.Equal(t, "p2", latest.ID)
}

func TestMemorySubscriptionsAndQueue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s, err := m.CreateSubscription(ctx, "http://example.com/hook", []string{"plan.committed"}, "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	matched, err := m.GetSubscriptionsForEvent(ctx, "plan.committed")
	require.NoError(t, err)
	require.Len(t, matched, 1)

	none, err := m.GetSubscriptionsForEvent(ctx, "zone.changed")
	require.NoError(t, err)
	require.Empty(t, none)

	id, err := m.EnqueueWebhook(ctx, s.ID, "plan.committed", s.URL, s.Secret, []byte(`{"plan_id":"p1"}`))
	require.NoError(t, err)

	due, err := m.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, id, due[0].ID)

	// retry pushes the delivery into the future
	next := time.Now().Add(time.Hour)
	require.NoError(t, m.MarkWebhookDelivery(ctx, id, false, &next, "503", 503))
	due, err = m.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, m.MarkWebhookDelivery(ctx, id, true, nil, "", 200))
	require.NoError(t, m.DeleteSubscription(ctx, s.ID))
	require.ErrorIs(t, m.DeleteSubscription(ctx, s.ID), ErrNotFound)
}
