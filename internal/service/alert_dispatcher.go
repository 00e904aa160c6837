package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
)

const defaultAlertCooldown = 10 * time.Minute

// AlertSender delivers one operator notification.
type AlertSender interface {
	Send(ctx context.Context, title, body string) error
}

// CooldownStore remembers when an issue key last alerted.
type CooldownStore interface {
	// Reserve marks key as sent at now unless it was sent within window.
	// prev is the mark it replaced, zero when there was none.
	Reserve(key string, now time.Time, window time.Duration) (prev time.Time, ok bool)
	// Rollback restores prev after a failed delivery.
	Rollback(key string, prev time.Time)
}

// MemoryCooldownStore is a process-local CooldownStore.
type MemoryCooldownStore struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMemoryCooldownStore() *MemoryCooldownStore {
	return &MemoryCooldownStore{lastSent: make(map[string]time.Time)}
}

func (m *MemoryCooldownStore) Reserve(key string, now time.Time, window time.Duration) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, seen := m.lastSent[key]
	if seen && now.Sub(prev) < window {
		return prev, false
	}
	m.lastSent[key] = now
	return prev, true
}

func (m *MemoryCooldownStore) Rollback(key string, prev time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev.IsZero() {
		delete(m.lastSent, key)
		return
	}
	m.lastSent[key] = prev
}

// AlertDispatcher sends rate-limited operator alerts, at most one per issue
// key per cooldown window. Delivery is best effort.
type AlertDispatcher struct {
	sender   AlertSender
	store    CooldownStore
	cooldown time.Duration
	clock    Clock
	logger   *zap.Logger
}

func NewAlertDispatcher(sender AlertSender, store CooldownStore, cooldown time.Duration, clock Clock, logger *zap.Logger) *AlertDispatcher {
	if cooldown <= 0 {
		cooldown = defaultAlertCooldown
	}
	if clock == nil {
		clock = time.Now
	}
	if store == nil {
		store = NewMemoryCooldownStore()
	}
	return &AlertDispatcher{
		sender:   sender,
		store:    store,
		cooldown: cooldown,
		clock:    clock,
		logger:   logger.Named("alerts"),
	}
}

// Notify reports whether the alert was delivered. Suppressed and failed
// deliveries return false and never an error.
func (d *AlertDispatcher) Notify(ctx context.Context, issueKey, title, body string) bool {
	prev, ok := d.store.Reserve(issueKey, d.clock(), d.cooldown)
	if !ok {
		d.logger.Debug("alert suppressed by cooldown", zap.String("issue_key", issueKey))
		metrics.RecordAlert("suppressed")
		return false
	}

	if err := d.sender.Send(ctx, title, body); err != nil {
		d.store.Rollback(issueKey, prev)
		d.logger.Warn("alert delivery failed", zap.String("issue_key", issueKey), zap.Error(err))
		metrics.RecordAlert("failed")
		return false
	}

	d.logger.Info("alert sent", zap.String("issue_key", issueKey), zap.String("title", title))
	metrics.RecordAlert("sent")
	return true
}
