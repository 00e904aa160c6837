package models

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

// Order status constants
const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusPaid         OrderStatus = "paid"
	OrderStatusProvisioning OrderStatus = "provisioning"
	OrderStatusProvisioned  OrderStatus = "provisioned"
	OrderStatusError        OrderStatus = "error"
	OrderStatusFailed       OrderStatus = "failed"
	OrderStatusCanceled     OrderStatus = "canceled"
)

// AllOrderStatuses lists every status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusProvisioning,
	OrderStatusProvisioned,
	OrderStatusError,
	OrderStatusFailed,
	OrderStatusCanceled,
}

// orderTransitions is the directed status graph. Self-edges are handled by
// CanTransition and are not listed here.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:      {OrderStatusPaid, OrderStatusCanceled, OrderStatusError, OrderStatusFailed},
	OrderStatusPaid:         {OrderStatusProvisioning, OrderStatusCanceled, OrderStatusError, OrderStatusFailed},
	OrderStatusProvisioning: {OrderStatusProvisioned, OrderStatusError, OrderStatusFailed},
	OrderStatusProvisioned:  {},
	OrderStatusError:        {OrderStatusProvisioning, OrderStatusFailed},
	OrderStatusFailed:       {OrderStatusProvisioning},
	OrderStatusCanceled:     {},
}

// CanTransition reports whether an order may move from one status to another.
// A self-transition is always allowed.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return isKnownStatus(from)
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no outgoing edge exists from the status.
func (s OrderStatus) IsTerminal() bool {
	edges, ok := orderTransitions[s]
	return ok && len(edges) == 0
}

// IsRetryable reports whether provisioning may be (re)started from the status.
func (s OrderStatus) IsRetryable() bool {
	switch s {
	case OrderStatusPaid, OrderStatusProvisioning, OrderStatusError, OrderStatusFailed:
		return true
	}
	return false
}

func isKnownStatus(s OrderStatus) bool {
	_, ok := orderTransitions[s]
	return ok
}

// Order represents one purchased game server deployment
type Order struct {
	ID         string
	UserID     string
	UserEmail  string
	PlanID     string
	Region     string
	ServerName string

	Status OrderStatus

	// Billing provider reference (subscription id)
	SubscriptionID *string

	// Control-plane binding, set once by the successful provisioning attempt
	ExternalResourceID         *string
	ExternalResourceIdentifier *string

	ProvisionAttemptCount  int
	LastProvisionAttemptAt *time.Time
	LastProvisionError     *string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
	ProvisionedAt *time.Time
}

// HasExternalResource reports whether a control-plane resource is bound.
func (o *Order) HasExternalResource() bool {
	return o.ExternalResourceID != nil && *o.ExternalResourceID != ""
}

// StatusChange describes one compare-and-swap status update.
// Nil fields are left untouched.
type StatusChange struct {
	From OrderStatus
	To   OrderStatus
	At   time.Time

	ExternalResourceID         *string
	ExternalResourceIdentifier *string
	LastProvisionError         *string
	ClearProvisionError        bool

	// AttemptAt, when set, restricts the change to an unbound order whose
	// latest provisioning attempt started at this instant.
	AttemptAt *time.Time
}
