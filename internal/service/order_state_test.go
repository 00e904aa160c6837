package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

func transitionTo(ctx context.Context, m *OrderStateMachine, id string, to models.OrderStatus) (bool, error) {
	switch to {
	case models.OrderStatusPaid:
		return m.ToPaid(ctx, id)
	case models.OrderStatusProvisioning:
		return m.ToProvisioning(ctx, id)
	case models.OrderStatusProvisioned:
		return m.ToProvisioned(ctx, id, "R1", "abc123")
	case models.OrderStatusError:
		return m.ToError(ctx, id, "boom")
	case models.OrderStatusFailed:
		return m.ToFailed(ctx, id, "boom")
	case models.OrderStatusCanceled:
		return m.ToCanceled(ctx, id)
	}
	return false, fmt.Errorf("no transition to %s", to)
}

func TestTransitionGraph(t *testing.T) {
	ctx := context.Background()

	for _, from := range models.AllOrderStatuses {
		from := from
		for _, to := range models.AllOrderStatuses {
			to := to
			if to == models.OrderStatusPending {
				continue
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				h := newHarness(t)
				h.seedOrder(t, "o1", from)

				ok, err := transitionTo(ctx, h.states, "o1", to)
				require.NoError(t, err)

				want := models.CanTransition(from, to)
				assert.Equal(t, want, ok)
				if want {
					assert.Equal(t, to, h.order(t, "o1").Status)
				} else {
					assert.Equal(t, from, h.order(t, "o1").Status)
				}
			})
		}
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.states.ToPaid(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestToPaidStampsPaidAt(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusPending)
	h.clock.Advance(time.Minute)

	ok, err := h.states.ToPaid(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, ok)

	o := h.order(t, "o1")
	require.NotNil(t, o.PaidAt)
	assert.Equal(t, t0.Add(time.Minute), *o.PaidAt)
}

func TestToProvisionedRefusesDifferentResource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusProvisioning)
	bound, err := h.store.Orders().BindExternalResource(ctx, "o1", "R1", "abc123", nil, t0)
	require.NoError(t, err)
	require.True(t, bound)

	ok, err := h.states.ToProvisioned(ctx, "o1", "R2", "def456")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.OrderStatusProvisioning, h.order(t, "o1").Status)

	ok, err = h.states.ToProvisioned(ctx, "o1", "R1", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.states.ToProvisioned(ctx, "o1", "R2", "def456")
	require.NoError(t, err)
	assert.False(t, ok, "a provisioned order keeps its resource")

	o := h.order(t, "o1")
	assert.Equal(t, models.OrderStatusProvisioned, o.Status)
	assert.Equal(t, "R1", *o.ExternalResourceID)
	assert.Nil(t, o.LastProvisionError)
}

func TestConcurrentProvisionedSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedOrder(t, "o1", models.OrderStatusProvisioning)

	const writers = 8
	results := make([]bool, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := h.states.ToProvisioned(ctx, "o1", fmt.Sprintf("R%d", i), fmt.Sprintf("id%d", i))
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	winner := -1
	for i, ok := range results {
		if ok {
			winners++
			winner = i
		}
	}
	require.Equal(t, 1, winners)
	o := h.order(t, "o1")
	assert.Equal(t, fmt.Sprintf("R%d", winner), *o.ExternalResourceID)
}

func TestProvisionBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 30 * time.Minute},
		{4, 30 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, provisionBackoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestShouldRetryProvision(t *testing.T) {
	last := t0
	ext := "R1"

	tests := []struct {
		name  string
		order models.Order
		now   time.Time
		want  bool
	}{
		{"never attempted", models.Order{Status: models.OrderStatusPaid}, t0, true},
		{"inside backoff", models.Order{Status: models.OrderStatusError, ProvisionAttemptCount: 1, LastProvisionAttemptAt: &last}, t0.Add(9 * time.Minute), false},
		{"backoff elapsed", models.Order{Status: models.OrderStatusError, ProvisionAttemptCount: 1, LastProvisionAttemptAt: &last}, t0.Add(10 * time.Minute), true},
		{"bound", models.Order{Status: models.OrderStatusProvisioning, ExternalResourceID: &ext}, t0, false},
		{"canceled", models.Order{Status: models.OrderStatusCanceled}, t0, false},
		{"pending", models.Order{Status: models.OrderStatusPending}, t0, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRetryProvision(&tt.order, tt.now))
		})
	}
}
