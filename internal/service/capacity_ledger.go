package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
)

// CapacityLedger reserves node RAM and disk for orders. The store performs
// the per-node check-and-insert atomically; the ledger only picks the node.
type CapacityLedger struct {
	store  CapacityStore
	clock  Clock
	logger *zap.Logger
}

func NewCapacityLedger(store CapacityStore, clock Clock, logger *zap.Logger) *CapacityLedger {
	if clock == nil {
		clock = time.Now
	}
	return &CapacityLedger{
		store:  store,
		clock:  clock,
		logger: logger.Named("ledger"),
	}
}

// Reserve places the order on the first node, in preference order, that can
// hold ramGB and diskGB. An order that already holds a reservation keeps it.
func (l *CapacityLedger) Reserve(ctx context.Context, orderID string, ramGB, diskGB int, regionNodes []*models.Node) (*models.CapacityReservation, error) {
	existing, err := l.store.GetByOrder(ctx, orderID)
	if err == nil {
		metrics.RecordReservation("existing")
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load reservation: %w", err)
	}

	nodes := make([]*models.Node, len(regionNodes))
	copy(nodes, regionNodes)
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Preference != nodes[j].Preference {
			return nodes[i].Preference < nodes[j].Preference
		}
		return nodes[i].ID < nodes[j].ID
	})

	for _, node := range nodes {
		res := &models.CapacityReservation{
			OrderID:   orderID,
			NodeID:    node.ID,
			RAMGB:     ramGB,
			DiskGB:    diskGB,
			CreatedAt: l.clock(),
		}
		ok, err := l.store.TryReserve(ctx, res)
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			// a concurrent call for the same order won
			metrics.RecordReservation("existing")
			return l.store.GetByOrder(ctx, orderID)
		case errors.Is(err, repository.ErrNotFound):
			l.logger.Warn("node disappeared from catalog", zap.String("node_id", node.ID))
			continue
		case err != nil:
			return nil, fmt.Errorf("reserve on node %s: %w", node.ID, err)
		}
		if ok {
			l.logger.Info("capacity reserved",
				zap.String("order_id", orderID),
				zap.String("node_id", node.ID),
				zap.Int("ram_gb", ramGB),
				zap.Int("disk_gb", diskGB))
			metrics.RecordReservation("reserved")
			return res, nil
		}
	}

	metrics.RecordReservation("no_capacity")
	return nil, ErrNoCapacity
}

// Release returns all capacity held by the order. Releasing an order without
// reservations is a no-op.
func (l *CapacityLedger) Release(ctx context.Context, orderID string) error {
	n, err := l.store.DeleteByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	if n > 0 {
		l.logger.Info("capacity released", zap.String("order_id", orderID))
		metrics.RecordReservation("released")
	}
	return nil
}

// ReleaseAttempt returns the order's capacity on behalf of the attempt that
// started at attemptAt. It reports false and keeps the reservation when the
// order has been bound or a newer attempt has claimed it.
func (l *CapacityLedger) ReleaseAttempt(ctx context.Context, orderID string, attemptAt time.Time) (bool, error) {
	n, err := l.store.DeleteForAttempt(ctx, orderID, attemptAt)
	if err != nil {
		return false, fmt.Errorf("release capacity: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	l.logger.Info("capacity released", zap.String("order_id", orderID))
	metrics.RecordReservation("released")
	return true, nil
}

// Usage reports the reserved totals of nodes.
func (l *CapacityLedger) Usage(ctx context.Context, nodes []*models.Node) ([]models.NodeUsage, error) {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	usage, err := l.store.Usage(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("node usage: %w", err)
	}
	return usage, nil
}
