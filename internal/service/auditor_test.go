package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

func TestAuditorIgnoresFreshOrders(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPaid)
	h.clock.Advance(9 * time.Minute)

	report, err := h.auditor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Zero(t, h.panel.callCount())
}

func TestAuditorRetriesStuckPaidOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPaid)
	h.panel.createErrs = []error{&client.APIError{StatusCode: http.StatusBadRequest, Body: "invalid egg"}}
	h.clock.Advance(11 * time.Minute)

	report, err := h.auditor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Errors, 1)

	o := h.order(t, "o1")
	assert.Equal(t, models.OrderStatusFailed, o.Status)
	require.NotNil(t, o.LastProvisionError)
	assert.Contains(t, *o.LastProvisionError, "invalid egg")
	assert.Equal(t, 1, h.sender.sent())
}

func TestAuditorProvisionsStuckOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPaid)
	h.clock.Advance(11 * time.Minute)

	report, err := h.auditor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Zero(t, report.Failed)
	assert.Equal(t, models.OrderStatusProvisioned, h.order(t, "o1").Status)
	assert.Zero(t, h.sender.sent())
}

func TestAuditorWaitsOutBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusError)
	ok, err := h.store.Orders().ClaimProvisionAttempt(ctx, "o1", nil, t0)
	require.NoError(t, err)
	require.True(t, ok)
	last := t0
	ok, err = h.store.Orders().ClaimProvisionAttempt(ctx, "o1", &last, t0)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(11 * time.Minute)
	report, err := h.auditor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Retried)
	assert.Zero(t, h.panel.callCount())

	h.clock.Advance(10 * time.Minute)
	report, err = h.auditor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, models.OrderStatusProvisioned, h.order(t, "o1").Status)
}

func TestAuditorFailsOrderWhoseResourceVanished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusProvisioning)
	bound, err := h.store.Orders().BindExternalResource(ctx, "o1", "R1", "abc123", nil, t0)
	require.NoError(t, err)
	require.True(t, bound)
	_, err = h.ledger.Reserve(ctx, "o1", 4, 20, regionNodes(t, h, "eu"))
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)

	report, err := h.auditor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Vanished)
	assert.Equal(t, 1, report.Failed)

	o := h.order(t, "o1")
	assert.Equal(t, models.OrderStatusFailed, o.Status)
	require.NotNil(t, o.LastProvisionError)
	assert.Contains(t, *o.LastProvisionError, "R1")
	assert.Nil(t, h.reservation("o1"))
	assert.Contains(t, logActions(t, h, "o1"), models.ActionResourceVanished)
	assert.Equal(t, 1, h.sender.sent())

	h.clock.Advance(time.Minute)
	_, err = h.auditor.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, h.alerts.Notify(ctx, "resource_vanished:o1", "Game server vanished", "again"))
	assert.Equal(t, 1, h.sender.sent(), "no duplicate alert inside the cooldown")
}

func TestAuditorRepairsBoundOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusError)
	server := h.panel.addServer("o1")
	bound, err := h.store.Orders().BindExternalResource(ctx, "o1", "1", server.Identifier, nil, t0)
	require.NoError(t, err)
	require.True(t, bound)
	h.clock.Advance(11 * time.Minute)

	report, err := h.auditor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	o := h.order(t, "o1")
	assert.Equal(t, models.OrderStatusProvisioned, o.Status)
	assert.Equal(t, "1", *o.ExternalResourceID)
	assert.Zero(t, h.panel.createCount())
}

func TestAuditorSchedulerStartStop(t *testing.T) {
	h := newHarness(t)
	s := NewAuditorScheduler(h.auditor, time.Hour, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	s.Stop()
}
