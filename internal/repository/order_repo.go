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

const orderColumns = `
	id, user_id, user_email, plan_id, region, server_name,
	status, subscription_id,
	external_resource_id, external_resource_identifier,
	provision_attempt_count, last_provision_attempt_at, last_provision_error,
	created_at, updated_at, paid_at, provisioned_at`

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO orders (
			id, user_id, user_email, plan_id, region, server_name,
			status, subscription_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		o.ID, o.UserID, o.UserEmail, o.PlanID, o.Region, o.ServerName,
		string(o.Status), o.SubscriptionID, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *OrderRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE subscription_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, subscriptionID))
}

// CompareAndSetStatus moves the order from change.From to change.To in one
// conditional update. It reports false when the order is no longer in
// change.From, when a different external resource is already bound, or when
// change.AttemptAt no longer names the order's latest unbound attempt.
func (r *OrderRepository) CompareAndSetStatus(ctx context.Context, id string, change models.StatusChange) (bool, error) {
	query := `
		UPDATE orders SET
			status = $3,
			external_resource_id = COALESCE($4, external_resource_id),
			external_resource_identifier = COALESCE($5, external_resource_identifier),
			last_provision_error = CASE
				WHEN $7 THEN NULL
				ELSE COALESCE($6, last_provision_error)
			END,
			paid_at = CASE WHEN $3 = 'paid' THEN COALESCE(paid_at, $8) ELSE paid_at END,
			provisioned_at = CASE WHEN $3 = 'provisioned' THEN COALESCE(provisioned_at, $8) ELSE provisioned_at END,
			updated_at = $8
		WHERE id = $1
		  AND status = $2
		  AND ($4::text IS NULL OR external_resource_id IS NULL OR external_resource_id = $4)
		  AND ($5::text IS NULL OR external_resource_identifier IS NULL OR external_resource_identifier = $5)
		  AND ($9::timestamptz IS NULL OR (external_resource_id IS NULL AND last_provision_attempt_at = $9))
	`
	tag, err := r.pool.Exec(ctx, query,
		id, string(change.From), string(change.To),
		change.ExternalResourceID, change.ExternalResourceIdentifier,
		change.LastProvisionError, change.ClearProvisionError,
		change.At, change.AttemptAt,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimProvisionAttempt increments the attempt counter if nobody else has
// started an attempt since lastAttemptAt was read.
func (r *OrderRepository) ClaimProvisionAttempt(ctx context.Context, id string, lastAttemptAt *time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE orders SET
			provision_attempt_count = provision_attempt_count + 1,
			last_provision_attempt_at = $3,
			updated_at = $3
		WHERE id = $1
		  AND last_provision_attempt_at IS NOT DISTINCT FROM $2
		  AND external_resource_id IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, id, lastAttemptAt, now)
	if err != nil {
		return false, fmt.Errorf("claim provision attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BindExternalResource records the control-plane resource once. Binding the
// same id again succeeds; binding a different id reports false. A first bind
// only applies for the attempt that started at attemptAt.
func (r *OrderRepository) BindExternalResource(ctx context.Context, id, externalID, identifier string, attemptAt *time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE orders SET
			external_resource_id = $2,
			external_resource_identifier = $3,
			updated_at = $5
		WHERE id = $1
		  AND (
			(external_resource_id = $2 AND external_resource_identifier = $3)
			OR (external_resource_id IS NULL AND external_resource_identifier IS NULL
				AND last_provision_attempt_at IS NOT DISTINCT FROM $4)
		  )
	`
	tag, err := r.pool.Exec(ctx, query, id, externalID, identifier, attemptAt, now)
	if err != nil {
		return false, fmt.Errorf("bind external resource: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStuck returns orders in one of statuses whose last activity (latest
// attempt, or creation when never attempted) is before olderThan.
func (r *OrderRepository) ListStuck(ctx context.Context, statuses []models.OrderStatus, olderThan time.Time, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ANY($1)
		  AND COALESCE(last_provision_attempt_at, created_at) < $2
		ORDER BY created_at
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, names, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck orders: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *OrderRepository) CountByStatus(ctx context.Context) (map[models.OrderStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OrderStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan order count: %w", err)
		}
		counts[models.OrderStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountStuck counts paid or provisioning orders with no bound resource whose
// last activity is before olderThan.
func (r *OrderRepository) CountStuck(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM orders
		WHERE status IN ('paid', 'provisioning')
		  AND external_resource_id IS NULL
		  AND COALESCE(last_provision_attempt_at, created_at) < $1
	`
	var n int
	if err := r.pool.QueryRow(ctx, query, olderThan).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stuck orders: %w", err)
	}
	return n, nil
}

func (r *OrderRepository) scanOne(row pgx.Row) (*models.Order, error) {
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) scanMany(rows pgx.Rows) ([]*models.Order, error) {
	var results []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	var status string
	err := row.Scan(
		&o.ID, &o.UserID, &o.UserEmail, &o.PlanID, &o.Region, &o.ServerName,
		&status, &o.SubscriptionID,
		&o.ExternalResourceID, &o.ExternalResourceIdentifier,
		&o.ProvisionAttemptCount, &o.LastProvisionAttemptAt, &o.LastProvisionError,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.ProvisionedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	return o, nil
}
