package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

type WebhookEventRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepository(pool *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{pool: pool}
}

// InsertIfAbsent stores the event unless its id is already known. It reports
// whether a new row was written.
func (r *WebhookEventRepository) InsertIfAbsent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	tag, err := r.pool.Exec(ctx, query, ev.EventID, ev.EventType, payload, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, eventID string, processingErr *string, at time.Time) error {
	query := `
		UPDATE webhook_events SET processed_at = $2, processing_error = $3
		WHERE event_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, eventID, at, processingErr)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestReceivedAt returns nil when no event has been stored yet.
func (r *WebhookEventRepository) LatestReceivedAt(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	if err := r.pool.QueryRow(ctx, `SELECT MAX(received_at) FROM webhook_events`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("query latest webhook event: %w", err)
	}
	return latest, nil
}

func (r *WebhookEventRepository) CountUnprocessed(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM webhook_events WHERE processed_at IS NULL OR processing_error IS NOT NULL`
	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unprocessed webhook events: %w", err)
	}
	return n, nil
}
