package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

// OrderStore persists orders. Status and binding updates are conditional so
// concurrent writers never overwrite each other.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Order, error)
	CompareAndSetStatus(ctx context.Context, id string, change models.StatusChange) (bool, error)
	ClaimProvisionAttempt(ctx context.Context, id string, lastAttemptAt *time.Time, now time.Time) (bool, error)
	BindExternalResource(ctx context.Context, id, externalID, identifier string, attemptAt *time.Time, now time.Time) (bool, error)
	ListStuck(ctx context.Context, statuses []models.OrderStatus, olderThan time.Time, limit int) ([]*models.Order, error)
	CountByStatus(ctx context.Context) (map[models.OrderStatus]int, error)
	CountStuck(ctx context.Context, olderThan time.Time) (int, error)
}

type PlanStore interface {
	GetByID(ctx context.Context, id string) (*models.Plan, error)
}

type NodeStore interface {
	ListByRegion(ctx context.Context, region string) ([]*models.Node, error)
}

// CapacityStore holds reservation rows. TryReserve must check and insert
// atomically per node.
type CapacityStore interface {
	GetByOrder(ctx context.Context, orderID string) (*models.CapacityReservation, error)
	TryReserve(ctx context.Context, res *models.CapacityReservation) (bool, error)
	DeleteByOrder(ctx context.Context, orderID string) (int64, error)
	DeleteForAttempt(ctx context.Context, orderID string, attemptAt time.Time) (int64, error)
	Usage(ctx context.Context, nodeIDs []string) ([]models.NodeUsage, error)
}

type WebhookEventStore interface {
	InsertIfAbsent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, processingErr *string, at time.Time) error
	LatestReceivedAt(ctx context.Context) (*time.Time, error)
	CountUnprocessed(ctx context.Context) (int, error)
}

type LogStore interface {
	Create(ctx context.Context, entry *models.ProvisionLog) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]*models.ProvisionLog, error)
}

// Stores bundles every persistence dependency of the service layer.
type Stores struct {
	Orders   OrderStore
	Plans    PlanStore
	Nodes    NodeStore
	Capacity CapacityStore
	Webhooks WebhookEventStore
	Logs     LogStore
}

// Clock returns the current time.
type Clock func() time.Time
