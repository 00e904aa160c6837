package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

// WebhookService records billing events exactly once and applies their side
// effects on first receipt only.
type WebhookService struct {
	events WebhookEventStore
	orders *OrderService
	clock  Clock
	logger *zap.Logger
}

func NewWebhookService(events WebhookEventStore, orders *OrderService, clock Clock, logger *zap.Logger) *WebhookService {
	if clock == nil {
		clock = time.Now
	}
	return &WebhookService{
		events: events,
		orders: orders,
		clock:  clock,
		logger: logger.Named("webhook"),
	}
}

// Ingest stores the event and dispatches it. A replayed event id is
// acknowledged without side effects. Dispatch failures are recorded on the
// event row and do not fail the acknowledgement.
func (s *WebhookService) Ingest(ctx context.Context, payload *models.BillingEventPayload, raw json.RawMessage) (*models.WebhookAck, error) {
	ack := &models.WebhookAck{Received: true, EventID: payload.EventID}

	inserted, err := s.events.InsertIfAbsent(ctx, &models.WebhookEvent{
		EventID:    payload.EventID,
		EventType:  payload.EventType,
		Payload:    raw,
		ReceivedAt: s.clock(),
	})
	if err != nil {
		metrics.RecordWebhookEvent(payload.EventType, "error")
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	if !inserted {
		s.logger.Info("duplicate event ignored",
			zap.String("event_id", payload.EventID), zap.String("event_type", payload.EventType))
		metrics.RecordWebhookEvent(payload.EventType, "duplicate")
		ack.Duplicate = true
		return ack, nil
	}

	result := "processed"
	var processingErr *string
	if err := s.dispatch(ctx, payload); err != nil {
		s.logger.Warn("event dispatch failed",
			zap.String("event_id", payload.EventID),
			zap.String("event_type", payload.EventType),
			zap.Error(err))
		msg := err.Error()
		processingErr = &msg
		result = "failed"
	}
	if err := s.events.MarkProcessed(ctx, payload.EventID, processingErr, s.clock()); err != nil {
		s.logger.Warn("mark event processed", zap.String("event_id", payload.EventID), zap.Error(err))
	}
	metrics.RecordWebhookEvent(payload.EventType, result)
	return ack, nil
}

func (s *WebhookService) dispatch(ctx context.Context, payload *models.BillingEventPayload) error {
	switch payload.EventType {
	case models.EventSubscriptionActivated, models.EventPaymentCompleted:
		order, err := s.findOrder(ctx, payload)
		if err != nil {
			return err
		}
		paid, err := s.orders.MarkPaid(ctx, order.ID)
		if err != nil {
			return err
		}
		if !paid {
			s.logger.Info("payment event for order past paid",
				zap.String("order_id", order.ID), zap.String("status", string(order.Status)))
		}
		return nil

	case models.EventSubscriptionCancelled:
		order, err := s.findOrder(ctx, payload)
		if err != nil {
			return err
		}
		_, err = s.orders.Cancel(ctx, order.ID, "Subscription cancelled by billing provider")
		if errors.Is(err, ErrNotCancelable) {
			s.logger.Warn("subscription cancelled for an order that can no longer be canceled",
				zap.String("order_id", order.ID), zap.String("status", string(order.Status)))
			return nil
		}
		return err

	default:
		s.logger.Debug("ignoring event type", zap.String("event_type", payload.EventType))
		return nil
	}
}

// findOrder resolves the event to an order, by custom id first and then by
// subscription id.
func (s *WebhookService) findOrder(ctx context.Context, payload *models.BillingEventPayload) (*models.Order, error) {
	if id := payload.Resource.CustomID; id != "" {
		order, err := s.orders.Get(ctx, id)
		if err == nil || !errors.Is(err, ErrOrderNotFound) {
			return order, err
		}
	}

	subscriptionID := payload.Resource.BillingAgreementID
	if subscriptionID == "" {
		subscriptionID = payload.Resource.ID
	}
	if subscriptionID == "" {
		return nil, ErrOrderNotFound
	}
	return s.orders.FindBySubscription(ctx, subscriptionID)
}
