package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

func (r *PlanRepository) GetByID(ctx context.Context, id string) (*models.Plan, error) {
	query := `
		SELECT id, name, ram_gb, disk_gb, vcores, resource_template_id, game_key,
			   created_at, updated_at
		FROM plans
		WHERE id = $1
	`

	plan := &models.Plan{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&plan.ID, &plan.Name, &plan.RAMGB, &plan.DiskGB, &plan.VCores,
		&plan.ResourceTemplateID, &plan.GameKey,
		&plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan by id: %w", err)
	}

	return plan, nil
}

func (r *PlanRepository) Upsert(ctx context.Context, plan *models.Plan) error {
	query := `
		INSERT INTO plans (id, name, ram_gb, disk_gb, vcores, resource_template_id, game_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ram_gb = EXCLUDED.ram_gb,
			disk_gb = EXCLUDED.disk_gb,
			vcores = EXCLUDED.vcores,
			resource_template_id = EXCLUDED.resource_template_id,
			game_key = EXCLUDED.game_key,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		plan.ID, plan.Name, plan.RAMGB, plan.DiskGB, plan.VCores,
		plan.ResourceTemplateID, plan.GameKey,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}

	return nil
}
