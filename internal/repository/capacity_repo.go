package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

type CapacityRepository struct {
	pool *pgxpool.Pool
}

func NewCapacityRepository(pool *pgxpool.Pool) *CapacityRepository {
	return &CapacityRepository{pool: pool}
}

func (r *CapacityRepository) GetByOrder(ctx context.Context, orderID string) (*models.CapacityReservation, error) {
	query := `
		SELECT order_id, node_id, ram_gb, disk_gb, created_at
		FROM capacity_reservations
		WHERE order_id = $1
	`
	res := &models.CapacityReservation{}
	err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&res.OrderID, &res.NodeID, &res.RAMGB, &res.DiskGB, &res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get capacity reservation: %w", err)
	}
	return res, nil
}

// TryReserve inserts res if it fits on its node. The node row is locked for
// the duration of the read-sum-insert sequence, so concurrent reservations
// against the same node are serialized. It reports false when the node is full,
// ErrDuplicate when the order already holds a reservation and ErrNotFound when
// the node does not exist.
func (r *CapacityRepository) TryReserve(ctx context.Context, res *models.CapacityReservation) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	node := &models.Node{ID: res.NodeID}
	err = tx.QueryRow(ctx, `
		SELECT max_ram_gb, max_disk_gb, reserved_headroom_gb
		FROM nodes
		WHERE id = $1
		FOR UPDATE
	`, res.NodeID).Scan(&node.MaxRAMGB, &node.MaxDiskGB, &node.ReservedHeadroomGB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("lock node: %w", err)
	}

	var reservedRAM, reservedDisk int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(ram_gb), 0), COALESCE(SUM(disk_gb), 0)
		FROM capacity_reservations
		WHERE node_id = $1
	`, res.NodeID).Scan(&reservedRAM, &reservedDisk)
	if err != nil {
		return false, fmt.Errorf("sum node reservations: %w", err)
	}

	if !node.Fits(reservedRAM, reservedDisk, res.RAMGB, res.DiskGB) {
		return false, nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO capacity_reservations (order_id, node_id, ram_gb, disk_gb, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING
	`, res.OrderID, res.NodeID, res.RAMGB, res.DiskGB, res.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert capacity reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrDuplicate
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit reserve: %w", err)
	}
	return true, nil
}

// DeleteByOrder removes every reservation row of the order.
func (r *CapacityRepository) DeleteByOrder(ctx context.Context, orderID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM capacity_reservations WHERE order_id = $1`, orderID)
	if err != nil {
		return 0, fmt.Errorf("delete capacity reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteForAttempt removes the order's reservation only while the order is
// unbound and its latest attempt started at attemptAt. The order row is locked
// so a concurrent attempt claim waits for the delete to commit.
func (r *CapacityRepository) DeleteForAttempt(ctx context.Context, orderID string, attemptAt time.Time) (int64, error) {
	query := `
		WITH owner AS (
			SELECT id FROM orders
			WHERE id = $1
			  AND last_provision_attempt_at = $2
			  AND external_resource_id IS NULL
			FOR UPDATE
		)
		DELETE FROM capacity_reservations
		WHERE order_id IN (SELECT id FROM owner)
	`
	tag, err := r.pool.Exec(ctx, query, orderID, attemptAt)
	if err != nil {
		return 0, fmt.Errorf("delete attempt capacity reservation: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Usage returns the reserved totals of the given nodes. Nodes without
// reservations are reported with zero usage.
func (r *CapacityRepository) Usage(ctx context.Context, nodeIDs []string) ([]models.NodeUsage, error) {
	query := `
		SELECT n.id, COALESCE(SUM(c.ram_gb), 0), COALESCE(SUM(c.disk_gb), 0)
		FROM nodes n
		LEFT JOIN capacity_reservations c ON c.node_id = n.id
		WHERE n.id = ANY($1)
		GROUP BY n.id
		ORDER BY n.id
	`
	rows, err := r.pool.Query(ctx, query, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("query node usage: %w", err)
	}
	defer rows.Close()

	var usage []models.NodeUsage
	for rows.Next() {
		var u models.NodeUsage
		if err := rows.Scan(&u.NodeID, &u.ReservedRAM, &u.ReservedDisk); err != nil {
			return nil, fmt.Errorf("scan node usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
