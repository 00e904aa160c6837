// Package memory keeps every table in process memory. It mirrors the
// conditional-update and per-node reservation semantics of the Postgres
// repositories and backs the dev store driver and the service tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
)

type Store struct {
	mu           sync.Mutex
	orders       map[string]*models.Order
	plans        map[string]*models.Plan
	nodes        map[string]*models.Node
	reservations map[string]*models.CapacityReservation
	events       map[string]*models.WebhookEvent
	logs         []*models.ProvisionLog
}

func New() *Store {
	return &Store{
		orders:       make(map[string]*models.Order),
		plans:        make(map[string]*models.Plan),
		nodes:        make(map[string]*models.Node),
		reservations: make(map[string]*models.CapacityReservation),
		events:       make(map[string]*models.WebhookEvent),
	}
}

func (s *Store) Orders() *OrderStore { return &OrderStore{s} }
func (s *Store) Plans() *PlanStore { return &PlanStore{s} }
func (s *Store) Nodes() *NodeStore { return &NodeStore{s} }
func (s *Store) Capacity() *CapacityStore { return &CapacityStore{s} }
func (s *Store) WebhookEvents() *WebhookEventStore { return &WebhookEventStore{s} }
func (s *Store) Logs() *LogStore { return &LogStore{s} }

// ==================== Orders ====================

type OrderStore struct{ s *Store }

func (r *OrderStore) Create(_ context.Context, o *models.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orders[o.ID]; ok {
		return repository.ErrDuplicate
	}
	if o.SubscriptionID != nil {
		for _, existing := range r.s.orders {
			if existing.SubscriptionID != nil && *existing.SubscriptionID == *o.SubscriptionID {
				return repository.ErrDuplicate
			}
		}
	}
	c := copyOrder(o)
	c.UpdatedAt = c.CreatedAt
	r.s.orders[o.ID] = c
	return nil
}

func (r *OrderStore) GetByID(_ context.Context, id string) (*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyOrder(o), nil
}

func (r *OrderStore) GetBySubscriptionID(_ context.Context, subscriptionID string) (*models.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, o := range r.s.orders {
		if o.SubscriptionID != nil && *o.SubscriptionID == subscriptionID {
			return copyOrder(o), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *OrderStore) CompareAndSetStatus(_ context.Context, id string, change models.StatusChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok || o.Status != change.From {
		return false, nil
	}
	if change.AttemptAt != nil && !ownsAttempt(o, change.AttemptAt) {
		return false, nil
	}
	if conflicts(o.ExternalResourceID, change.ExternalResourceID) ||
		conflicts(o.ExternalResourceIdentifier, change.ExternalResourceIdentifier) {
		return false, nil
	}

	o.Status = change.To
	if change.ExternalResourceID != nil && o.ExternalResourceID == nil {
		o.ExternalResourceID = strPtr(*change.ExternalResourceID)
	}
	if change.ExternalResourceIdentifier != nil && o.ExternalResourceIdentifier == nil {
		o.ExternalResourceIdentifier = strPtr(*change.ExternalResourceIdentifier)
	}
	switch {
	case change.ClearProvisionError:
		o.LastProvisionError = nil
	case change.LastProvisionError != nil:
		o.LastProvisionError = strPtr(*change.LastProvisionError)
	}
	at := change.At
	if change.To == models.OrderStatusPaid && o.PaidAt == nil {
		o.PaidAt = &at
	}
	if change.To == models.OrderStatusProvisioned && o.ProvisionedAt == nil {
		o.ProvisionedAt = &at
	}
	o.UpdatedAt = at
	return true, nil
}

func (r *OrderStore) ClaimProvisionAttempt(_ context.Context, id string, lastAttemptAt *time.Time, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok || o.HasExternalResource() || !sameTime(o.LastProvisionAttemptAt, lastAttemptAt) {
		return false, nil
	}
	o.ProvisionAttemptCount++
	o.LastProvisionAttemptAt = &now
	o.UpdatedAt = now
	return true, nil
}

func (r *OrderStore) BindExternalResource(_ context.Context, id, externalID, identifier string, attemptAt *time.Time, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok || conflicts(o.ExternalResourceID, &externalID) || conflicts(o.ExternalResourceIdentifier, &identifier) {
		return false, nil
	}
	if !o.HasExternalResource() && !sameTime(o.LastProvisionAttemptAt, attemptAt) {
		return false, nil
	}
	o.ExternalResourceID = strPtr(externalID)
	o.ExternalResourceIdentifier = strPtr(identifier)
	o.UpdatedAt = now
	return true, nil
}

func (r *OrderStore) ListStuck(_ context.Context, statuses []models.OrderStatus, olderThan time.Time, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var results []*models.Order
	for _, o := range r.s.orders {
		if containsStatus(statuses, o.Status) && lastActivity(o).Before(olderThan) {
			results = append(results, copyOrder(o))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (r *OrderStore) CountByStatus(_ context.Context) (map[models.OrderStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[models.OrderStatus]int)
	for _, o := range r.s.orders {
		counts[o.Status]++
	}
	return counts, nil
}

func (r *OrderStore) CountStuck(_ context.Context, olderThan time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, o := range r.s.orders {
		if (o.Status == models.OrderStatusPaid || o.Status == models.OrderStatusProvisioning) &&
			!o.HasExternalResource() && lastActivity(o).Before(olderThan) {
			n++
		}
	}
	return n, nil
}

// ==================== Catalog ====================

type PlanStore struct{ s *Store }

func (r *PlanStore) GetByID(_ context.Context, id string) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *PlanStore) Upsert(_ context.Context, plan *models.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *plan
	r.s.plans[plan.ID] = &c
	return nil
}

type NodeStore struct{ s *Store }

func (r *NodeStore) ListByRegion(_ context.Context, region string) ([]*models.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var nodes []*models.Node
	for _, n := range r.s.nodes {
		if n.Region == region {
			c := *n
			nodes = append(nodes, &c)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Preference != nodes[j].Preference {
			return nodes[i].Preference < nodes[j].Preference
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

func (r *NodeStore) Upsert(_ context.Context, node *models.Node) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *node
	r.s.nodes[node.ID] = &c
	return nil
}

// ==================== Capacity ====================

type CapacityStore struct{ s *Store }

func (r *CapacityStore) GetByOrder(_ context.Context, orderID string) (*models.CapacityReservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.reservations[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *res
	return &c, nil
}

func (r *CapacityStore) TryReserve(_ context.Context, res *models.CapacityReservation) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	node, ok := r.s.nodes[res.NodeID]
	if !ok {
		return false, repository.ErrNotFound
	}
	ram, disk := r.s.nodeUsage(res.NodeID)
	if !node.Fits(ram, disk, res.RAMGB, res.DiskGB) {
		return false, nil
	}
	if _, ok := r.s.reservations[res.OrderID]; ok {
		return false, repository.ErrDuplicate
	}
	c := *res
	r.s.reservations[res.OrderID] = &c
	return true, nil
}

func (r *CapacityStore) DeleteByOrder(_ context.Context, orderID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.reservations[orderID]; !ok {
		return 0, nil
	}
	delete(r.s.reservations, orderID)
	return 1, nil
}

// DeleteForAttempt removes the order's reservation only while the order is
// unbound and its latest attempt started at attemptAt.
func (r *CapacityStore) DeleteForAttempt(_ context.Context, orderID string, attemptAt time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[orderID]
	if !ok || !ownsAttempt(o, &attemptAt) {
		return 0, nil
	}
	if _, ok := r.s.reservations[orderID]; !ok {
		return 0, nil
	}
	delete(r.s.reservations, orderID)
	return 1, nil
}

func (r *CapacityStore) Usage(_ context.Context, nodeIDs []string) ([]models.NodeUsage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var usage []models.NodeUsage
	for _, id := range nodeIDs {
		if _, ok := r.s.nodes[id]; !ok {
			continue
		}
		ram, disk := r.s.nodeUsage(id)
		usage = append(usage, models.NodeUsage{NodeID: id, ReservedRAM: ram, ReservedDisk: disk})
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].NodeID < usage[j].NodeID })
	return usage, nil
}

// nodeUsage must be called with mu held.
func (s *Store) nodeUsage(nodeID string) (ram, disk int) {
	for _, res := range s.reservations {
		if res.NodeID == nodeID {
			ram += res.RAMGB
			disk += res.DiskGB
		}
	}
	return ram, disk
}

// ==================== Webhook events ====================

type WebhookEventStore struct{ s *Store }

func (r *WebhookEventStore) InsertIfAbsent(_ context.Context, ev *models.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.events[ev.EventID]; ok {
		return false, nil
	}
	c := *ev
	c.Payload = append(json.RawMessage(nil), ev.Payload...)
	r.s.events[ev.EventID] = &c
	return true, nil
}

func (r *WebhookEventStore) MarkProcessed(_ context.Context, eventID string, processingErr *string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ev, ok := r.s.events[eventID]
	if !ok {
		return repository.ErrNotFound
	}
	ev.ProcessedAt = &at
	ev.ProcessingError = processingErr
	return nil
}

func (r *WebhookEventStore) LatestReceivedAt(_ context.Context) (*time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *time.Time
	for _, ev := range r.s.events {
		if latest == nil || ev.ReceivedAt.After(*latest) {
			t := ev.ReceivedAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *WebhookEventStore) CountUnprocessed(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, ev := range r.s.events {
		if ev.ProcessedAt == nil || ev.ProcessingError != nil {
			n++
		}
	}
	return n, nil
}

// Count returns the number of stored events.
func (r *WebhookEventStore) Count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.events)
}

// ==================== Logs ====================

type LogStore struct{ s *Store }

func (r *LogStore) Create(_ context.Context, entry *models.ProvisionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *entry
	r.s.logs = append(r.s.logs, &c)
	return nil
}

func (r *LogStore) ListByOrder(_ context.Context, orderID string, limit int) ([]*models.ProvisionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var entries []*models.ProvisionLog
	for i := len(r.s.logs) - 1; i >= 0 && len(entries) < limit; i-- {
		if r.s.logs[i].OrderID == orderID {
			c := *r.s.logs[i]
			entries = append(entries, &c)
		}
	}
	return entries, nil
}

// ==================== helpers ====================

func copyOrder(o *models.Order) *models.Order {
	c := *o
	c.SubscriptionID = copyStr(o.SubscriptionID)
	c.ExternalResourceID = copyStr(o.ExternalResourceID)
	c.ExternalResourceIdentifier = copyStr(o.ExternalResourceIdentifier)
	c.LastProvisionError = copyStr(o.LastProvisionError)
	c.LastProvisionAttemptAt = copyTime(o.LastProvisionAttemptAt)
	c.PaidAt = copyTime(o.PaidAt)
	c.ProvisionedAt = copyTime(o.ProvisionedAt)
	return &c
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	return strPtr(*p)
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	t := *p
	return &t
}

func strPtr(s string) *string { return &s }

// conflicts reports whether a set-once field already holds a different value.
func conflicts(current, next *string) bool {
	return next != nil && current != nil && *current != *next
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func ownsAttempt(o *models.Order, attemptAt *time.Time) bool {
	return !o.HasExternalResource() && sameTime(o.LastProvisionAttemptAt, attemptAt)
}

func lastActivity(o *models.Order) time.Time {
	if o.LastProvisionAttemptAt != nil {
		return *o.LastProvisionAttemptAt
	}
	return o.CreatedAt
}

func containsStatus(statuses []models.OrderStatus, s models.OrderStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
