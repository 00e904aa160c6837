package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
)

// Transition outcomes recorded in metrics
const (
	outcomeApplied  = "applied"
	outcomeNoop     = "noop"
	outcomeRejected = "rejected"
	outcomeLost     = "lost"
)

// Provision retry backoff: base doubles per attempt up to the exponent cap,
// and never exceeds maxProvisionBackoff.
const (
	baseProvisionBackoff = 5 * time.Minute
	maxProvisionBackoff  = 30 * time.Minute
	maxBackoffExponent   = 4
)

// OrderStateMachine owns every order status transition. Each transition is a
// single compare-and-swap on the current status; losing the race is a no-op.
type OrderStateMachine struct {
	orders OrderStore
	clock  Clock
	logger *zap.Logger
}

func NewOrderStateMachine(orders OrderStore, clock Clock, logger *zap.Logger) *OrderStateMachine {
	if clock == nil {
		clock = time.Now
	}
	return &OrderStateMachine{
		orders: orders,
		clock:  clock,
		logger: logger.Named("orders"),
	}
}

// ToPaid marks a pending order paid.
func (m *OrderStateMachine) ToPaid(ctx context.Context, orderID string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{To: models.OrderStatusPaid})
}

// ToProvisioning marks the start of provisioning.
func (m *OrderStateMachine) ToProvisioning(ctx context.Context, orderID string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{To: models.OrderStatusProvisioning})
}

// ToProvisioned completes the order with its remote resource. It refuses to
// replace a different resource that is already bound.
func (m *OrderStateMachine) ToProvisioned(ctx context.Context, orderID, externalID, identifier string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{
		To:                         models.OrderStatusProvisioned,
		ExternalResourceID:         &externalID,
		ExternalResourceIdentifier: &identifier,
		ClearProvisionError:        true,
	})
}

// ToError parks an order for a later retry.
func (m *OrderStateMachine) ToError(ctx context.Context, orderID, reason string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{
		To:                 models.OrderStatusError,
		LastProvisionError: &reason,
	})
}

// ToFailed ends provisioning with reason recorded as the last error.
func (m *OrderStateMachine) ToFailed(ctx context.Context, orderID, reason string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{
		To:                 models.OrderStatusFailed,
		LastProvisionError: &reason,
	})
}

// AbandonAttempt moves the order to to (error or failed) on behalf of the
// attempt that started at attemptAt. It reports false without writing when
// the order has been bound or a newer attempt has claimed it.
func (m *OrderStateMachine) AbandonAttempt(ctx context.Context, orderID string, attemptAt time.Time, to models.OrderStatus, reason string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{
		To:                 to,
		LastProvisionError: &reason,
		AttemptAt:          &attemptAt,
	})
}

// ToCanceled cancels a pending or paid order.
func (m *OrderStateMachine) ToCanceled(ctx context.Context, orderID string) (bool, error) {
	return m.transition(ctx, orderID, models.StatusChange{To: models.OrderStatusCanceled})
}

func (m *OrderStateMachine) transition(ctx context.Context, orderID string, change models.StatusChange) (bool, error) {
	order, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrOrderNotFound
		}
		return false, fmt.Errorf("load order: %w", err)
	}

	change.From = order.Status
	to := string(change.To)

	if change.AttemptAt != nil && !ownsAttempt(order, *change.AttemptAt) {
		m.logger.Info("attempt superseded, leaving order untouched",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
			zap.String("to", to))
		metrics.RecordTransition(to, outcomeLost)
		return false, nil
	}

	if change.To == models.OrderStatusProvisioned && order.HasExternalResource() &&
		*order.ExternalResourceID != *change.ExternalResourceID {
		m.logger.Warn("refusing to overwrite external resource",
			zap.String("order_id", orderID),
			zap.String("bound", *order.ExternalResourceID),
			zap.String("offered", *change.ExternalResourceID))
		metrics.RecordTransition(to, outcomeRejected)
		return false, nil
	}

	if change.From == change.To {
		metrics.RecordTransition(to, outcomeNoop)
		return true, nil
	}

	if !models.CanTransition(change.From, change.To) {
		m.logger.Warn("illegal transition",
			zap.String("order_id", orderID),
			zap.String("from", string(change.From)),
			zap.String("to", to))
		metrics.RecordTransition(to, outcomeRejected)
		return false, nil
	}

	change.At = m.clock()
	applied, err := m.orders.CompareAndSetStatus(ctx, orderID, change)
	if err != nil {
		return false, fmt.Errorf("transition order %s to %s: %w", orderID, to, err)
	}
	if !applied {
		m.logger.Info("transition lost to concurrent writer",
			zap.String("order_id", orderID),
			zap.String("from", string(change.From)),
			zap.String("to", to))
		metrics.RecordTransition(to, outcomeLost)
		return false, nil
	}

	m.logger.Info("order transitioned",
		zap.String("order_id", orderID),
		zap.String("from", string(change.From)),
		zap.String("to", to))
	metrics.RecordTransition(to, outcomeApplied)
	return true, nil
}

// canProvision reports whether provisioning may run for the order at all.
func canProvision(o *models.Order) bool {
	if o.HasExternalResource() || o.Status == models.OrderStatusProvisioned {
		return false
	}
	return o.Status.IsRetryable()
}

// ownsAttempt reports whether the attempt that started at attemptAt is still
// the order's latest one and nothing has been bound yet.
func ownsAttempt(o *models.Order, attemptAt time.Time) bool {
	return !o.HasExternalResource() && o.LastProvisionAttemptAt != nil && o.LastProvisionAttemptAt.Equal(attemptAt)
}

// provisionBackoff is the minimum wait after the given number of attempts.
func provisionBackoff(attempts int) time.Duration {
	exp := attempts
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	if exp < 0 {
		exp = 0
	}
	d := baseProvisionBackoff * time.Duration(1<<uint(exp))
	if d > maxProvisionBackoff {
		d = maxProvisionBackoff
	}
	return d
}

// shouldRetryProvision reports whether an automatic retry is due at now.
func shouldRetryProvision(o *models.Order, now time.Time) bool {
	if o.HasExternalResource() || !o.Status.IsRetryable() {
		return false
	}
	if o.LastProvisionAttemptAt == nil {
		return true
	}
	return now.Sub(*o.LastProvisionAttemptAt) >= provisionBackoff(o.ProvisionAttemptCount)
}
