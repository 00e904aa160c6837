package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_Graph(t *testing.T) {
	allowed := map[OrderStatus]map[OrderStatus]bool{
		OrderStatusPending:      {OrderStatusPaid: true, OrderStatusCanceled: true, OrderStatusError: true, OrderStatusFailed: true},
		OrderStatusPaid:         {OrderStatusProvisioning: true, OrderStatusCanceled: true, OrderStatusError: true, OrderStatusFailed: true},
		OrderStatusProvisioning: {OrderStatusProvisioned: true, OrderStatusError: true, OrderStatusFailed: true},
		OrderStatusProvisioned:  {},
		OrderStatusError:        {OrderStatusProvisioning: true, OrderStatusFailed: true},
		OrderStatusFailed:       {OrderStatusProvisioning: true},
		OrderStatusCanceled:     {},
	}

	for _, from := range AllOrderStatuses {
		for _, to := range AllOrderStatuses {
			want := from == to || allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("refunded", "refunded"))
	assert.False(t, CanTransition(OrderStatusPending, "refunded"))
	assert.False(t, CanTransition("refunded", OrderStatusPaid))
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.True(t, OrderStatusProvisioned.IsTerminal())
	assert.True(t, OrderStatusCanceled.IsTerminal())
	assert.False(t, OrderStatusFailed.IsTerminal())
	assert.False(t, OrderStatusPending.IsTerminal())
}

func TestNode_Fits(t *testing.T) {
	n := &Node{ID: "n1", MaxRAMGB: 8, MaxDiskGB: 100, ReservedHeadroomGB: 1}

	assert.Equal(t, 7, n.UsableRAMGB())
	assert.True(t, n.Fits(0, 0, 4, 50))
	assert.True(t, n.Fits(3, 50, 4, 50))
	assert.False(t, n.Fits(4, 0, 4, 10), "8GB exceeds 7GB usable")
	assert.False(t, n.Fits(0, 60, 1, 50), "disk over max")
}
