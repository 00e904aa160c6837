package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
)

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrOrderExists          = errors.New("an order for this subscription already exists")
	ErrSubscriptionMismatch = errors.New("subscription does not belong to this order")
)

// SubscriptionReader confirms subscriptions with the billing provider.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*client.SubscriptionInfo, error)
}

// AsyncProvisioner starts provisioning without waiting for it.
type AsyncProvisioner interface {
	ProvisionAsync(orderID string)
}

// OrderService handles checkout-facing order operations
type OrderService struct {
	orders      OrderStore
	plans       PlanStore
	logs        LogStore
	states      *OrderStateMachine
	ledger      *CapacityLedger
	billing     SubscriptionReader
	provisioner AsyncProvisioner
	clock       Clock
	logger      *zap.Logger
}

func NewOrderService(
	stores Stores,
	states *OrderStateMachine,
	ledger *CapacityLedger,
	billing SubscriptionReader,
	provisioner AsyncProvisioner,
	clock Clock,
	logger *zap.Logger,
) *OrderService {
	if clock == nil {
		clock = time.Now
	}
	return &OrderService{
		orders:      stores.Orders,
		plans:       stores.Plans,
		logs:        stores.Logs,
		states:      states,
		ledger:      ledger,
		billing:     billing,
		provisioner: provisioner,
		clock:       clock,
		logger:      logger.Named("orders"),
	}
}

// Create registers a pending order at checkout.
func (s *OrderService) Create(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, error) {
	if _, err := s.plans.GetByID(ctx, req.PlanID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("load plan: %w", err)
	}

	id := uuid.New().String()
	name := strings.TrimSpace(req.ServerName)
	if name == "" {
		name = "server-" + shortID(id)
	}
	order := &models.Order{
		ID:         id,
		UserID:     req.UserID,
		UserEmail:  req.UserEmail,
		PlanID:     req.PlanID,
		Region:     req.Region,
		ServerName: name,
		Status:     models.OrderStatusPending,
		CreatedAt:  s.clock(),
	}
	if req.SubscriptionID != "" {
		sub := req.SubscriptionID
		order.SubscriptionID = &sub
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrOrderExists
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("plan_id", order.PlanID),
		zap.String("region", order.Region))
	s.audit(ctx, order.ID, models.ActionOrderCreated, string(order.Status), "Order created", nil)
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// FindBySubscription returns the order paid through the subscription.
func (s *OrderService) FindBySubscription(ctx context.Context, subscriptionID string) (*models.Order, error) {
	order, err := s.orders.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by subscription: %w", err)
	}
	return order, nil
}

func (s *OrderService) Logs(ctx context.Context, orderID string, limit int) ([]*models.ProvisionLog, error) {
	return s.logs.ListByOrder(ctx, orderID, limit)
}

// MarkPaid moves a pending order to paid and starts provisioning. It reports
// false, with no side effects, when the order is no longer pending.
func (s *OrderService) MarkPaid(ctx context.Context, orderID string) (bool, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != models.OrderStatusPending {
		return false, nil
	}
	ok, err := s.states.ToPaid(ctx, orderID)
	if err != nil || !ok {
		return false, err
	}
	s.audit(ctx, orderID, models.ActionOrderPaid, string(models.OrderStatusPaid), "Payment confirmed", nil)
	s.provisioner.ProvisionAsync(orderID)
	return true, nil
}

// Finalize confirms the subscription with the billing provider and, if it is
// active, marks the order paid.
func (s *OrderService) Finalize(ctx context.Context, orderID, subscriptionID string) (*models.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.SubscriptionID != nil && *order.SubscriptionID != subscriptionID {
		return nil, ErrSubscriptionMismatch
	}

	sub, err := s.billing.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("confirm subscription: %w", err)
	}
	if sub.Status != client.SubscriptionActive {
		s.logger.Info("finalize refused, subscription not active",
			zap.String("order_id", orderID),
			zap.String("subscription_id", subscriptionID),
			zap.String("subscription_status", sub.Status))
		return nil, ErrNotPaid
	}

	if _, err := s.MarkPaid(ctx, orderID); err != nil {
		return nil, err
	}
	s.logger.Info("order finalized",
		zap.String("order_id", orderID), zap.String("payer_id", sub.PayerID))
	return s.Get(ctx, orderID)
}

// Cancel cancels a pending or paid order and returns its capacity.
func (s *OrderService) Cancel(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ok, err := s.states.ToCanceled(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok && order.Status != models.OrderStatusCanceled {
		return order, ErrNotCancelable
	}

	if err := s.ledger.Release(ctx, orderID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "Order canceled"
	}
	s.audit(ctx, orderID, models.ActionOrderCanceled, string(models.OrderStatusCanceled), reason, nil)
	return order, nil
}

func (s *OrderService) audit(ctx context.Context, orderID, action, status, message string, metadata map[string]interface{}) {
	entry := &models.ProvisionLog{
		OrderID:   orderID,
		Action:    action,
		Status:    status,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: s.clock(),
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		s.logger.Warn("write provision log", zap.String("order_id", orderID), zap.Error(err))
	}
}
