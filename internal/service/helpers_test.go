package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/config"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakePanel is an in-memory control plane. Queued create errors are returned
// by CreateServer in order before it starts succeeding.
type fakePanel struct {
	mu sync.Mutex

	template    *client.Template
	templateErr error
	accountErr  error
	allocations []client.Allocation
	createErrs  []error
	findErr     error

	servers map[string]*client.Server
	nextID  int

	calls        int
	createCalls  int
	createdAlloc []int
	lastCreate   *client.CreateServerRequest
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		template: &client.Template{
			ID:          5,
			Name:        "Paper",
			DockerImage: "ghcr.io/games/java:21",
			Startup:     "java -jar server.jar",
			Variables: []client.TemplateVariable{
				{Name: "Memory", EnvVariable: "SERVER_MEMORY", Rules: "required|numeric"},
				{Name: "Jar", EnvVariable: "SERVER_JARFILE", DefaultValue: "server.jar", Rules: "required|string"},
			},
		},
		allocations: []client.Allocation{{ID: 101, IP: "10.0.0.1", Port: 25565}, {ID: 102, IP: "10.0.0.1", Port: 25566}},
		servers:     make(map[string]*client.Server),
	}
}

func (p *fakePanel) GetTemplate(_ context.Context, _ string) (*client.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.templateErr != nil {
		return nil, p.templateErr
	}
	return p.template, nil
}

func (p *fakePanel) ResolveOrCreateAccount(_ context.Context, _, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.accountErr != nil {
		return 0, p.accountErr
	}
	return 42, nil
}

func (p *fakePanel) ListFreeAllocations(_ context.Context, _ string) ([]client.Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.allocations, nil
}

func (p *fakePanel) CreateServer(_ context.Context, req *client.CreateServerRequest) (*client.Server, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.createCalls++
	p.createdAlloc = append(p.createdAlloc, req.Allocation.Default)
	p.lastCreate = req
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		return nil, err
	}
	return p.addServerLocked(req.ExternalID), nil
}

func (p *fakePanel) GetServer(_ context.Context, serverID string) (*client.Server, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	s, ok := p.servers[serverID]
	if !ok {
		return nil, client.ErrNotFound
	}
	return s, nil
}

func (p *fakePanel) FindServerByExternalID(_ context.Context, externalID string) (*client.Server, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.findErr != nil {
		return nil, p.findErr
	}
	for _, s := range p.servers {
		if s.ExternalID == externalID {
			return s, nil
		}
	}
	return nil, client.ErrNotFound
}

func (p *fakePanel) addServer(externalID string) *client.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addServerLocked(externalID)
}

func (p *fakePanel) addServerLocked(externalID string) *client.Server {
	p.nextID++
	s := &client.Server{
		ID:         p.nextID,
		ExternalID: externalID,
		Identifier: fmt.Sprintf("srv%04d", p.nextID),
		Name:       "server-" + externalID,
	}
	p.servers[strconv.Itoa(s.ID)] = s
	return s
}

func (p *fakePanel) remove(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, serverID)
}

func (p *fakePanel) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePanel) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

type recordingAsync struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingAsync) ProvisionAsync(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, orderID)
}

func (r *recordingAsync) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type fakeBilling struct {
	status string
	err    error
}

func (b *fakeBilling) GetSubscription(_ context.Context, id string) (*client.SubscriptionInfo, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &client.SubscriptionInfo{ID: id, Status: b.status, PayerID: "PAYER1"}, nil
}

// harness wires every service over one memory store.
type harness struct {
	store     *memory.Store
	stores    Stores
	clock     *fakeClock
	panel     *fakePanel
	sender    *recordingSender
	async     *recordingAsync
	billing   *fakeBilling
	sleeps    []time.Duration
	states    *OrderStateMachine
	ledger    *CapacityLedger
	provision *ProvisionService
	alerts    *AlertDispatcher
	auditor   *ProvisioningAuditor
	orders    *OrderService
	webhooks  *WebhookService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		store:   memory.New(),
		clock:   &fakeClock{now: t0},
		panel:   newFakePanel(),
		sender:  &recordingSender{},
		async:   &recordingAsync{},
		billing: &fakeBilling{status: client.SubscriptionActive},
	}
	h.stores = Stores{
		Orders:   h.store.Orders(),
		Plans:    h.store.Plans(),
		Nodes:    h.store.Nodes(),
		Capacity: h.store.Capacity(),
		Webhooks: h.store.WebhookEvents(),
		Logs:     h.store.Logs(),
	}
	clock := h.clock.Now

	h.states = NewOrderStateMachine(h.stores.Orders, clock, logger)
	h.ledger = NewCapacityLedger(h.stores.Capacity, clock, logger)
	h.provision = NewProvisionService(
		config.ProvisionConfig{MaxTransientRetries: 2, RetryBaseDelay: time.Second, ServerNamePrefix: "gs"},
		h.stores, h.states, h.ledger, h.panel, NewVariableResolver(), clock, logger)
	h.provision.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.alerts = NewAlertDispatcher(h.sender, NewMemoryCooldownStore(), 10*time.Minute, clock, logger)
	h.auditor = NewProvisioningAuditor(
		config.AuditorConfig{Interval: 5 * time.Minute, StuckThreshold: 10 * time.Minute, Concurrency: 4},
		h.stores, h.states, h.ledger, h.provision, h.panel, h.alerts, clock, logger)
	h.orders = NewOrderService(h.stores, h.states, h.ledger, h.billing, h.async, clock, logger)
	h.webhooks = NewWebhookService(h.stores.Webhooks, h.orders, clock, logger)

	ctx := context.Background()
	require.NoError(t, h.store.Plans().Upsert(ctx, &models.Plan{
		ID: "mc-4", Name: "Minecraft 4GB", RAMGB: 4, DiskGB: 20, VCores: 2,
		ResourceTemplateID: "5", GameKey: "minecraft",
	}))
	h.addNode(t, &models.Node{ID: "n1", Region: "eu", MaxRAMGB: 8, MaxDiskGB: 200, ReservedHeadroomGB: 1})
	return h
}

func (h *harness) addNode(t *testing.T, n *models.Node) {
	t.Helper()
	require.NoError(t, h.store.Nodes().Upsert(context.Background(), n))
}

func (h *harness) seedOrder(t *testing.T, id string, status models.OrderStatus) *models.Order {
	t.Helper()
	sub := "SUB-" + id
	o := &models.Order{
		ID:             id,
		UserID:         "user-1",
		UserEmail:      "player@example.com",
		PlanID:         "mc-4",
		Region:         "eu",
		ServerName:     "srv-" + id,
		Status:         status,
		SubscriptionID: &sub,
		CreatedAt:      h.clock.Now(),
	}
	require.NoError(t, h.store.Orders().Create(context.Background(), o))
	return o
}

func (h *harness) order(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := h.store.Orders().GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) reservation(id string) *models.CapacityReservation {
	res, err := h.store.Capacity().GetByOrder(context.Background(), id)
	if err != nil {
		return nil
	}
	return res
}
