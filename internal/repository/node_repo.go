package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

type NodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

// ListByRegion retrieves the nodes of a region in preference order
func (r *NodeRepository) ListByRegion(ctx context.Context, region string) ([]*models.Node, error) {
	query := `
		SELECT id, region, preference, max_ram_gb, max_disk_gb, reserved_headroom_gb,
			   created_at, updated_at
		FROM nodes
		WHERE region = $1
		ORDER BY preference, id
	`

	rows, err := r.pool.Query(ctx, query, region)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node := &models.Node{}
		err := rows.Scan(
			&node.ID, &node.Region, &node.Preference,
			&node.MaxRAMGB, &node.MaxDiskGB, &node.ReservedHeadroomGB,
			&node.CreatedAt, &node.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

// Upsert creates or updates a node
func (r *NodeRepository) Upsert(ctx context.Context, node *models.Node) error {
	query := `
		INSERT INTO nodes (id, region, preference, max_ram_gb, max_disk_gb, reserved_headroom_gb)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			region = EXCLUDED.region,
			preference = EXCLUDED.preference,
			max_ram_gb = EXCLUDED.max_ram_gb,
			max_disk_gb = EXCLUDED.max_disk_gb,
			reserved_headroom_gb = EXCLUDED.reserved_headroom_gb,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		node.ID, node.Region, node.Preference,
		node.MaxRAMGB, node.MaxDiskGB, node.ReservedHeadroomGB,
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}

	return nil
}
