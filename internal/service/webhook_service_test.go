package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

func billingEvent(t *testing.T, eventID, eventType string, configure func(p *models.BillingEventPayload)) (*models.BillingEventPayload, json.RawMessage) {
	t.Helper()
	p := &models.BillingEventPayload{EventID: eventID, EventType: eventType}
	if configure != nil {
		configure(p)
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return p, raw
}

func unprocessed(t *testing.T, h *harness) int {
	t.Helper()
	n, err := h.store.WebhookEvents().CountUnprocessed(context.Background())
	require.NoError(t, err)
	return n
}

func TestWebhookIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)
	p, raw := billingEvent(t, "WH-1", models.EventSubscriptionActivated, func(p *models.BillingEventPayload) {
		p.Resource.ID = "SUB-o1"
	})

	ack, err := h.webhooks.Ingest(ctx, p, raw)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.False(t, ack.Duplicate)

	ack, err = h.webhooks.Ingest(ctx, p, raw)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.True(t, ack.Duplicate)

	assert.Equal(t, 1, h.store.WebhookEvents().Count())
	assert.Equal(t, []string{"o1"}, h.async.calls())
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "o1").Status)
	assert.Zero(t, unprocessed(t, h))
}

func TestWebhookResolvesOrderByCustomID(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)
	p, raw := billingEvent(t, "WH-2", models.EventPaymentCompleted, func(p *models.BillingEventPayload) {
		p.Resource.ID = "SALE-9"
		p.Resource.CustomID = "o1"
	})

	_, err := h.webhooks.Ingest(context.Background(), p, raw)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "o1").Status)
}

func TestWebhookResolvesOrderByBillingAgreement(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)
	p, raw := billingEvent(t, "WH-3", models.EventPaymentCompleted, func(p *models.BillingEventPayload) {
		p.Resource.ID = "SALE-9"
		p.Resource.BillingAgreementID = "SUB-o1"
	})

	_, err := h.webhooks.Ingest(context.Background(), p, raw)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "o1").Status)
}

func TestWebhookSecondPaymentHasNoSideEffect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)

	for _, id := range []string{"WH-4", "WH-5"} {
		p, raw := billingEvent(t, id, models.EventPaymentCompleted, func(p *models.BillingEventPayload) {
			p.Resource.CustomID = "o1"
		})
		_, err := h.webhooks.Ingest(ctx, p, raw)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.store.WebhookEvents().Count())
	assert.Len(t, h.async.calls(), 1)
}

func TestWebhookCancellation(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)
	p, raw := billingEvent(t, "WH-6", models.EventSubscriptionCancelled, func(p *models.BillingEventPayload) {
		p.Resource.ID = "SUB-o1"
	})

	_, err := h.webhooks.Ingest(context.Background(), p, raw)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, h.order(t, "o1").Status)
	assert.Zero(t, unprocessed(t, h))
}

func TestWebhookCancellationOfProvisionedOrderIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusProvisioned)
	p, raw := billingEvent(t, "WH-7", models.EventSubscriptionCancelled, func(p *models.BillingEventPayload) {
		p.Resource.ID = "SUB-o1"
	})

	_, err := h.webhooks.Ingest(context.Background(), p, raw)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProvisioned, h.order(t, "o1").Status)
	assert.Zero(t, unprocessed(t, h))
}

func TestWebhookUnknownOrderIsRecorded(t *testing.T) {
	h := newHarness(t)
	p, raw := billingEvent(t, "WH-8", models.EventSubscriptionActivated, func(p *models.BillingEventPayload) {
		p.Resource.ID = "SUB-nobody"
	})

	ack, err := h.webhooks.Ingest(context.Background(), p, raw)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Equal(t, 1, unprocessed(t, h), "dispatch failure stays visible")
	assert.Empty(t, h.async.calls())
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)
	p, raw := billingEvent(t, "WH-9", "BILLING.PLAN.UPDATED", func(p *models.BillingEventPayload) {
		p.Resource.CustomID = "o1"
	})

	_, err := h.webhooks.Ingest(context.Background(), p, raw)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, h.order(t, "o1").Status)
	assert.Zero(t, unprocessed(t, h))
}
