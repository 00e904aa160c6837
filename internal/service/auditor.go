package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/config"
	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

const auditBatchSize = 500

// auditedStatuses are the non-terminal statuses an order can stall in.
var auditedStatuses = []models.OrderStatus{
	models.OrderStatusPaid,
	models.OrderStatusProvisioning,
	models.OrderStatusError,
}

// Provisioner runs one provisioning attempt.
type Provisioner interface {
	Provision(ctx context.Context, orderID string) (*models.ProvisionResult, error)
}

// ResourceChecker looks up a remote server by id.
type ResourceChecker interface {
	GetServer(ctx context.Context, serverID string) (*client.Server, error)
}

// Notifier raises rate-limited operator alerts.
type Notifier interface {
	Notify(ctx context.Context, issueKey, title, body string) bool
}

// ProvisioningAuditor finds orders stuck between paid and provisioned and
// either retries them or settles them.
type ProvisioningAuditor struct {
	cfg         config.AuditorConfig
	orders      OrderStore
	logs        LogStore
	states      *OrderStateMachine
	ledger      *CapacityLedger
	provisioner Provisioner
	resources   ResourceChecker
	alerts      Notifier
	clock       Clock
	logger      *zap.Logger
}

func NewProvisioningAuditor(
	cfg config.AuditorConfig,
	stores Stores,
	states *OrderStateMachine,
	ledger *CapacityLedger,
	provisioner Provisioner,
	resources ResourceChecker,
	alerts Notifier,
	clock Clock,
	logger *zap.Logger,
) *ProvisioningAuditor {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &ProvisioningAuditor{
		cfg:         cfg,
		orders:      stores.Orders,
		logs:        stores.Logs,
		states:      states,
		ledger:      ledger,
		provisioner: provisioner,
		resources:   resources,
		alerts:      alerts,
		clock:       clock,
		logger:      logger.Named("auditor"),
	}
}

// Sweep checks every stuck order once.
func (a *ProvisioningAuditor) Sweep(ctx context.Context) (*models.AuditReport, error) {
	started := a.clock()
	report := &models.AuditReport{StartedAt: started.UTC().Format(time.RFC3339)}

	stuck, err := a.orders.ListStuck(ctx, auditedStatuses, started.Add(-a.cfg.StuckThreshold), auditBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stuck orders: %w", err)
	}
	report.Scanned = len(stuck)

	var mu sync.Mutex
	var sweepErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, order := range stuck {
		order := order
		g.Go(func() error {
			outcome, err := a.auditOrder(gctx, order, started)
			mu.Lock()
			defer mu.Unlock()
			outcome.apply(report)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", order.ID, err))
				sweepErr = multierr.Append(sweepErr, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.CompletedAt = a.clock().UTC().Format(time.RFC3339)
	metrics.RecordAuditSweep(report.Retried, report.Repaired, report.Failed, report.Vanished)
	a.logger.Info("sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("retried", report.Retried),
		zap.Int("skipped", report.Skipped),
		zap.Int("repaired", report.Repaired),
		zap.Int("failed", report.Failed),
		zap.Int("vanished", report.Vanished),
		zap.Int("errors", len(report.Errors)))
	if sweepErr != nil {
		a.logger.Warn("sweep had errors", zap.Error(sweepErr))
	}
	return report, nil
}

type auditOutcome struct {
	retried, skipped, repaired, failed, vanished bool
}

func (o auditOutcome) apply(r *models.AuditReport) {
	if o.retried {
		r.Retried++
	}
	if o.skipped {
		r.Skipped++
	}
	if o.repaired {
		r.Repaired++
	}
	if o.failed {
		r.Failed++
	}
	if o.vanished {
		r.Vanished++
	}
}

func (a *ProvisioningAuditor) auditOrder(ctx context.Context, order *models.Order, now time.Time) (auditOutcome, error) {
	if order.HasExternalResource() {
		return a.verifyResource(ctx, order)
	}

	if !shouldRetryProvision(order, now) {
		return auditOutcome{skipped: true}, nil
	}

	a.logger.Info("retrying stuck order",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.Int("attempts", order.ProvisionAttemptCount))

	result, err := a.provisioner.Provision(ctx, order.ID)
	if errors.Is(err, ErrAttemptInProgress) || errors.Is(err, ErrNotProvisionable) {
		return auditOutcome{skipped: true}, nil
	}

	outcome := auditOutcome{retried: true}
	if result != nil && result.Status == string(models.OrderStatusFailed) {
		outcome.failed = true
		a.alerts.Notify(ctx, "provision_failed:"+order.ID,
			"Order provisioning failed",
			fmt.Sprintf("Order %s (plan %s, region %s) failed: %s", order.ID, order.PlanID, order.Region, result.Error))
	}
	return outcome, err
}

// verifyResource settles an order that already has a bound server.
func (a *ProvisioningAuditor) verifyResource(ctx context.Context, order *models.Order) (auditOutcome, error) {
	externalID := *order.ExternalResourceID
	_, err := a.resources.GetServer(ctx, externalID)
	switch {
	case err == nil:
		identifier := ""
		if order.ExternalResourceIdentifier != nil {
			identifier = *order.ExternalResourceIdentifier
		}
		if _, err := a.states.ToProvisioning(ctx, order.ID); err != nil {
			return auditOutcome{}, err
		}
		ok, err := a.states.ToProvisioned(ctx, order.ID, externalID, identifier)
		if err != nil {
			return auditOutcome{}, err
		}
		if ok {
			a.logger.Info("repaired order with live resource",
				zap.String("order_id", order.ID), zap.String("external_resource_id", externalID))
		}
		return auditOutcome{repaired: ok, skipped: !ok}, nil

	case errors.Is(err, client.ErrNotFound):
		return a.markVanished(ctx, order, externalID)

	default:
		return auditOutcome{}, fmt.Errorf("verify resource %s: %w", externalID, err)
	}
}

func (a *ProvisioningAuditor) markVanished(ctx context.Context, order *models.Order, externalID string) (auditOutcome, error) {
	reason := fmt.Sprintf("remote resource %s no longer exists on the control plane", externalID)
	a.logger.Error("bound resource vanished",
		zap.String("order_id", order.ID), zap.String("external_resource_id", externalID))

	var errs error
	if _, err := a.states.ToFailed(ctx, order.ID, reason); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := a.ledger.Release(ctx, order.ID); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := a.logs.Create(ctx, &models.ProvisionLog{
		OrderID:   order.ID,
		Action:    models.ActionResourceVanished,
		Status:    string(models.OrderStatusFailed),
		Message:   reason,
		Metadata:  map[string]interface{}{"external_resource_id": externalID},
		CreatedAt: a.clock(),
	}); err != nil {
		errs = multierr.Append(errs, err)
	}

	a.alerts.Notify(ctx, "resource_vanished:"+order.ID,
		"Game server vanished",
		fmt.Sprintf("Order %s lost its server %s; the order is now failed and needs operator review.", order.ID, externalID))

	return auditOutcome{vanished: true, failed: true}, errs
}

// AuditorScheduler runs sweeps on a fixed interval. A sweep that is still
// running when the next tick fires causes that tick to be skipped.
type AuditorScheduler struct {
	cron     *cron.Cron
	auditor  *ProvisioningAuditor
	interval time.Duration
	logger   *zap.Logger
}

func NewAuditorScheduler(auditor *ProvisioningAuditor, interval time.Duration, logger *zap.Logger) *AuditorScheduler {
	logger = logger.Named("auditor")
	cl := cronLogger{logger.Sugar()}
	return &AuditorScheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		auditor:  auditor,
		interval: interval,
		logger:   logger,
	}
}

func (s *AuditorScheduler) Start() error {
	_, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		if _, err := s.auditor.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule auditor: %w", err)
	}
	s.cron.Start()
	s.logger.Info("auditor scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *AuditorScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("auditor scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
