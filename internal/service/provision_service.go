package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/config"
	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
)

// ControlPlane is the remote game panel the coordinator provisions on.
type ControlPlane interface {
	GetTemplate(ctx context.Context, templateID string) (*client.Template, error)
	ResolveOrCreateAccount(ctx context.Context, userID, email string) (int, error)
	ListFreeAllocations(ctx context.Context, nodeID string) ([]client.Allocation, error)
	CreateServer(ctx context.Context, req *client.CreateServerRequest) (*client.Server, error)
	GetServer(ctx context.Context, serverID string) (*client.Server, error)
	FindServerByExternalID(ctx context.Context, externalID string) (*client.Server, error)
}

// ProvisionService drives paid orders to a created game server. Provision is
// idempotent and safe to call concurrently from webhooks, the auditor and
// operators.
type ProvisionService struct {
	cfg      config.ProvisionConfig
	orders   OrderStore
	plans    PlanStore
	nodes    NodeStore
	logs     LogStore
	states   *OrderStateMachine
	ledger   *CapacityLedger
	panel    ControlPlane
	resolver *VariableResolver
	clock    Clock
	sleep    func(ctx context.Context, d time.Duration) error
	inflight singleflight.Group
	detached sync.WaitGroup
	logger   *zap.Logger
}

// NewProvisionService creates a new provision service
func NewProvisionService(
	cfg config.ProvisionConfig,
	stores Stores,
	states *OrderStateMachine,
	ledger *CapacityLedger,
	panel ControlPlane,
	resolver *VariableResolver,
	clock Clock,
	logger *zap.Logger,
) *ProvisionService {
	if clock == nil {
		clock = time.Now
	}
	return &ProvisionService{
		cfg:      cfg,
		orders:   stores.Orders,
		plans:    stores.Plans,
		nodes:    stores.Nodes,
		logs:     stores.Logs,
		states:   states,
		ledger:   ledger,
		panel:    panel,
		resolver: resolver,
		clock:    clock,
		sleep:    sleepContext,
		logger:   logger.Named("provision"),
	}
}

// Provision runs one provisioning attempt for the order. Concurrent calls for
// the same order inside this process share a single attempt.
func (s *ProvisionService) Provision(ctx context.Context, orderID string) (*models.ProvisionResult, error) {
	v, err, shared := s.inflight.Do(orderID, func() (interface{}, error) {
		return s.provision(ctx, orderID)
	})
	if shared {
		s.logger.Debug("joined in-flight provisioning", zap.String("order_id", orderID))
	}
	result, _ := v.(*models.ProvisionResult)
	return result, err
}

// ProvisionAsync runs Provision in the background, detached from the caller.
// Drain waits for these runs.
func (s *ProvisionService) ProvisionAsync(orderID string) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		if _, err := s.Provision(context.Background(), orderID); err != nil {
			s.logger.Warn("background provisioning failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}()
}

// Drain blocks until every background run started by ProvisionAsync has
// returned, or ctx is done. Runs still going at that point are left to the
// auditor.
func (s *ProvisionService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("background provisioning still running at shutdown", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (s *ProvisionService) provision(ctx context.Context, orderID string) (*models.ProvisionResult, error) {
	// 1. load + guard
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order.HasExternalResource() || order.Status == models.OrderStatusProvisioned {
		return boundResult(order), nil
	}
	if !canProvision(order) {
		return &models.ProvisionResult{
			OrderID: orderID,
			Status:  string(order.Status),
			Error:   ErrNotProvisionable.Error(),
		}, ErrNotProvisionable
	}

	// 2. provisioning
	ok, err := s.states.ToProvisioning(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAttemptInProgress
	}

	// 3. claim the attempt; started is kept at the stored timestamp precision
	// because every later write of this attempt is conditional on it
	started := s.clock().UTC().Truncate(time.Microsecond)
	claimed, err := s.orders.ClaimProvisionAttempt(ctx, orderID, order.LastProvisionAttemptAt, started)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAttemptInProgress
	}
	attempt := order.ProvisionAttemptCount + 1
	log := s.logger.With(zap.String("order_id", orderID), zap.Int("attempt", attempt))
	log.Info("provisioning started", zap.String("plan_id", order.PlanID), zap.String("region", order.Region))
	s.audit(ctx, orderID, models.ActionProvisionStarted, "provisioning",
		fmt.Sprintf("Attempt %d started", attempt), map[string]interface{}{"attempt": attempt})

	server, adopted, perr := s.run(ctx, order, log)
	if perr != nil {
		result, err := s.fail(ctx, order, started, perr, log)
		metrics.RecordProvisionAttempt(perr.Kind.String(), s.clock().Sub(started).Seconds())
		return result, err
	}

	// 9. bind, then transition
	result, err := s.complete(ctx, order, started, server, adopted, log)
	outcome := "created"
	if adopted {
		outcome = "adopted"
	}
	switch {
	case errors.Is(err, ErrAttemptSuperseded):
		outcome = "superseded"
	case err != nil:
		outcome = "bind_error"
	}
	metrics.RecordProvisionAttempt(outcome, s.clock().Sub(started).Seconds())
	return result, err
}

// run executes steps 4 to 8 and returns the server to bind.
func (s *ProvisionService) run(ctx context.Context, order *models.Order, log *zap.Logger) (*client.Server, bool, *ProvisionError) {
	// 4. prerequisites
	plan, err := s.plans.GetByID(ctx, order.PlanID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, newProvisionError(KindConfig, "plan", fmt.Errorf("plan %s does not exist", order.PlanID))
		}
		return nil, false, newProvisionError(KindTransient, "plan", err)
	}
	if plan.ResourceTemplateID == "" {
		return nil, false, newProvisionError(KindConfig, "plan", fmt.Errorf("plan %s has no resource template", plan.ID))
	}
	tpl, err := s.panel.GetTemplate(ctx, plan.ResourceTemplateID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return nil, false, newProvisionError(KindConfig, "template",
				fmt.Errorf("resource template %s does not exist", plan.ResourceTemplateID))
		}
		return nil, false, classifyRemoteError("template", err)
	}
	regionNodes, err := s.nodes.ListByRegion(ctx, order.Region)
	if err != nil {
		return nil, false, newProvisionError(KindTransient, "region", err)
	}
	if len(regionNodes) == 0 {
		return nil, false, newProvisionError(KindConfig, "region", fmt.Errorf("region %s has no nodes", order.Region))
	}

	// 5. account
	accountID, err := s.panel.ResolveOrCreateAccount(ctx, order.UserID, order.UserEmail)
	if err != nil {
		return nil, false, classifyRemoteError("account", err)
	}

	// 6. configuration
	req := s.buildServerRequest(order, plan, tpl, accountID)
	if err := ctx.Err(); err != nil {
		return nil, false, classifyRemoteError("configure", err)
	}

	// 7. capacity
	reservation, err := s.ledger.Reserve(ctx, order.ID, plan.RAMGB, plan.DiskGB, regionNodes)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			return nil, false, newProvisionError(KindCapacity, "capacity", err)
		}
		return nil, false, newProvisionError(KindTransient, "capacity", err)
	}
	s.audit(ctx, order.ID, models.ActionCapacityReserved, "provisioning",
		"Capacity reserved on node "+reservation.NodeID,
		map[string]interface{}{"node_id": reservation.NodeID, "ram_gb": plan.RAMGB, "disk_gb": plan.DiskGB})

	// 8. create, with bounded full retries on transient errors
	var lastErr *ProvisionError
	for try := 0; try <= s.cfg.MaxTransientRetries; try++ {
		if try > 0 {
			delay := time.Duration(try) * s.cfg.RetryBaseDelay
			log.Warn("transient control plane error, retrying",
				zap.Int("retry", try), zap.Duration("delay", delay), zap.Error(lastErr))
			if err := s.sleep(ctx, delay); err != nil {
				return nil, false, classifyRemoteError("create", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, false, classifyRemoteError("create", err)
		}

		// a timed out create may have succeeded remotely
		existing, err := s.panel.FindServerByExternalID(ctx, order.ID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, client.ErrNotFound) {
			lastErr = classifyRemoteError("adopt", err)
			if lastErr.Kind == KindTransient {
				continue
			}
			return nil, false, lastErr
		}

		server, perr := s.createOnNode(ctx, reservation.NodeID, req, log)
		if perr == nil {
			return server, false, nil
		}
		lastErr = perr
		if perr.Kind != KindTransient {
			return nil, false, perr
		}
	}
	if lastErr == nil {
		lastErr = newProvisionError(KindFatal, "create", errors.New("no creation attempt was made"))
	}
	return nil, false, lastErr
}

// createOnNode walks the free allocations of the node. A conflict on one
// candidate moves on to the next.
func (s *ProvisionService) createOnNode(ctx context.Context, nodeID string, req *client.CreateServerRequest, log *zap.Logger) (*client.Server, *ProvisionError) {
	candidates, err := s.panel.ListFreeAllocations(ctx, nodeID)
	if err != nil {
		return nil, classifyRemoteError("allocations", err)
	}

	for _, alloc := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, classifyRemoteError("create", err)
		}
		attemptReq := *req
		attemptReq.Allocation.Default = alloc.ID

		server, err := s.panel.CreateServer(ctx, &attemptReq)
		if err == nil {
			return server, nil
		}
		perr := classifyRemoteError("create", err)
		if perr.Kind != KindConflict {
			return nil, perr
		}
		log.Info("allocation taken, trying next candidate",
			zap.Int("allocation_id", alloc.ID), zap.String("node_id", nodeID))
	}

	return nil, newProvisionError(KindConflict, "create",
		fmt.Errorf("all %d allocation candidates on node %s exhausted", len(candidates), nodeID))
}

func (s *ProvisionService) buildServerRequest(order *models.Order, plan *models.Plan, tpl *client.Template, accountID int) *client.CreateServerRequest {
	name := order.ServerName
	if name == "" {
		name = s.cfg.ServerNamePrefix + "-" + shortID(order.ID)
	}
	req := &client.CreateServerRequest{
		ExternalID:  order.ID,
		Name:        name,
		User:        accountID,
		Egg:         tpl.ID,
		DockerImage: tpl.DockerImage,
		Startup:     tpl.Startup,
		Environment: s.resolver.Resolve(tpl, plan, order),
		Limits: client.ServerLimits{
			Memory: plan.RAMGB * 1024,
			Disk:   plan.DiskGB * 1024,
			IO:     500,
			CPU:    plan.VCores * 100,
		},
		FeatureLimits: client.FeatureLimits{Databases: 1, Backups: 2, Allocations: 1},
	}
	return req
}

func (s *ProvisionService) complete(ctx context.Context, order *models.Order, started time.Time, server *client.Server, adopted bool, log *zap.Logger) (*models.ProvisionResult, error) {
	externalID := strconv.Itoa(server.ID)
	now := s.clock()

	bound, err := s.orders.BindExternalResource(ctx, order.ID, externalID, server.Identifier, &started, now)
	if err != nil {
		return nil, fmt.Errorf("bind external resource: %w", err)
	}
	if !bound {
		current, err := s.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("reload order: %w", err)
		}
		if current.HasExternalResource() {
			log.Error("order already bound to a different resource, leaving created server orphaned",
				zap.String("orphan_server_id", externalID))
			return boundResult(current), nil
		}
		// the server carries the order id, so the attempt that owns the order
		// now adopts it instead of creating another
		log.Warn("attempt superseded before bind, leaving server for adoption",
			zap.String("server_id", externalID),
			zap.String("status", string(current.Status)))
		return orderResult(current), ErrAttemptSuperseded
	}

	action, msg := models.ActionResourceCreated, "Server "+externalID+" created"
	if adopted {
		action, msg = models.ActionResourceAdopted, "Adopted existing server "+externalID
	}
	s.audit(ctx, order.ID, action, "provisioning", msg,
		map[string]interface{}{"external_resource_id": externalID, "identifier": server.Identifier})

	ok, err := s.states.ToProvisioned(ctx, order.ID, externalID, server.Identifier)
	if err != nil {
		// the binding is durable; the auditor finishes the transition
		return nil, err
	}
	if !ok {
		current, err := s.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("reload order: %w", err)
		}
		log.Warn("server bound but order not moved to provisioned",
			zap.String("external_resource_id", externalID),
			zap.String("status", string(current.Status)))
		return orderResult(current), nil
	}
	log.Info("provisioning finished", zap.String("external_resource_id", externalID), zap.Bool("adopted", adopted))
	s.audit(ctx, order.ID, models.ActionProvisionFinished, "provisioned", msg, nil)

	return &models.ProvisionResult{
		Success:                    true,
		OrderID:                    order.ID,
		Status:                     string(models.OrderStatusProvisioned),
		ExternalResourceID:         externalID,
		ExternalResourceIdentifier: server.Identifier,
	}, nil
}

// fail moves the order to error (retryable kinds) or failed and returns its
// capacity unless the attempt may simply be retried. Every write is made on
// behalf of the attempt that started at started; a superseded attempt leaves
// the order and its reservation to the newer one.
func (s *ProvisionService) fail(ctx context.Context, order *models.Order, started time.Time, perr *ProvisionError, log *zap.Logger) (*models.ProvisionResult, error) {
	ctx = context.WithoutCancel(ctx)
	msg := perr.Error()

	status := models.OrderStatusFailed
	if perr.Retryable() {
		status = models.OrderStatusError
	}

	owned, err := s.states.AbandonAttempt(ctx, order.ID, started, status, msg)
	if err != nil {
		return nil, multierr.Append(perr, err)
	}
	if !owned {
		log.Warn("attempt superseded, not recording its failure",
			zap.String("kind", perr.Kind.String()),
			zap.String("stage", perr.Stage),
			zap.Error(perr.Err))
		current, err := s.orders.GetByID(ctx, order.ID)
		if err != nil {
			return nil, multierr.Combine(perr, ErrAttemptSuperseded, err)
		}
		return orderResult(current), fmt.Errorf("%w: %w", ErrAttemptSuperseded, perr)
	}

	errs := []error{perr}
	if perr.Kind != KindCapacity {
		released, err := s.ledger.ReleaseAttempt(ctx, order.ID, started)
		if err != nil {
			errs = append(errs, err)
		} else if released {
			s.audit(ctx, order.ID, models.ActionCapacityReleased, string(status), "Capacity released", nil)
		}
	}

	log.Error("provisioning attempt failed",
		zap.String("kind", perr.Kind.String()),
		zap.String("stage", perr.Stage),
		zap.String("status", string(status)),
		zap.Error(perr.Err))
	s.audit(ctx, order.ID, models.ActionProvisionFailed, string(status), msg,
		map[string]interface{}{"kind": perr.Kind.String(), "stage": perr.Stage})

	return &models.ProvisionResult{
		OrderID:   order.ID,
		Status:    string(status),
		Error:     msg,
		Retryable: perr.Retryable(),
	}, multierr.Combine(errs...)
}

func (s *ProvisionService) audit(ctx context.Context, orderID, action, status, message string, metadata map[string]interface{}) {
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

func boundResult(o *models.Order) *models.ProvisionResult {
	r := &models.ProvisionResult{
		Success: true,
		OrderID: o.ID,
		Status:  string(o.Status),
	}
	if o.ExternalResourceID != nil {
		r.ExternalResourceID = *o.ExternalResourceID
	}
	if o.ExternalResourceIdentifier != nil {
		r.ExternalResourceIdentifier = *o.ExternalResourceIdentifier
	}
	return r
}

// orderResult reports the order as stored, successful only once provisioned.
func orderResult(o *models.Order) *models.ProvisionResult {
	r := boundResult(o)
	r.Success = o.Status == models.OrderStatusProvisioned
	if !r.Success && o.LastProvisionError != nil {
		r.Error = *o.LastProvisionError
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
