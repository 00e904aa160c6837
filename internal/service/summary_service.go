package service

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

// SummaryService builds the read-only operator overview.
type SummaryService struct {
	orders         OrderStore
	events         WebhookEventStore
	stuckThreshold time.Duration
	clock          Clock
}

func NewSummaryService(stores Stores, stuckThreshold time.Duration, clock Clock) *SummaryService {
	if clock == nil {
		clock = time.Now
	}
	return &SummaryService{
		orders:         stores.Orders,
		events:         stores.Webhooks,
		stuckThreshold: stuckThreshold,
		clock:          clock,
	}
}

func (s *SummaryService) Summary(ctx context.Context) (*models.OpsSummary, error) {
	now := s.clock()

	counts, err := s.orders.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	byStatus := make(map[string]int, len(models.AllOrderStatuses))
	for _, st := range models.AllOrderStatuses {
		byStatus[string(st)] = counts[st]
	}

	stuck, err := s.orders.CountStuck(ctx, now.Add(-s.stuckThreshold))
	if err != nil {
		return nil, fmt.Errorf("count stuck orders: %w", err)
	}

	latest, err := s.events.LatestReceivedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest webhook: %w", err)
	}
	unprocessed, err := s.events.CountUnprocessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("count unprocessed webhooks: %w", err)
	}

	summary := &models.OpsSummary{
		OrdersByStatus:      byStatus,
		StuckOrders:         stuck,
		UnprocessedWebhooks: unprocessed,
		GeneratedAt:         now.UTC().Format(time.RFC3339),
	}
	if latest != nil {
		ts := latest.UTC().Format(time.RFC3339)
		summary.LastWebhookReceivedAt = &ts
	}
	return summary, nil
}
