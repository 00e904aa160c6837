package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/catalog"
	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/config"
	"github.com/wenwu/saas-platform/gameserver-service/internal/db"
	"github.com/wenwu/saas-platform/gameserver-service/internal/logging"
	"github.com/wenwu/saas-platform/gameserver-service/internal/metrics"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository/memory"
	"github.com/wenwu/saas-platform/gameserver-service/internal/service"
)

// app is the fully wired service graph shared by all commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *db.Database

	stores    service.Stores
	provision *service.ProvisionService
	auditor   *service.ProvisioningAuditor
	orders    *service.OrderService
	webhooks  *service.WebhookService
	summary   *service.SummaryService
}

func loadConfig(opts *RootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	metrics.Register()

	a := &app{cfg: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	panel := client.NewPanelClient(cfg.Panel.URL, cfg.Panel.APIKey, cfg.Panel.CallTimeout, logger)
	billing := client.NewBillingClient(cfg.Billing.URL, cfg.Billing.ClientID, cfg.Billing.ClientSecret)
	alertSender := client.NewAlertClient(cfg.Alert.WebhookURL)

	states := service.NewOrderStateMachine(a.stores.Orders, nil, logger)
	ledger := service.NewCapacityLedger(a.stores.Capacity, nil, logger)
	alerts := service.NewAlertDispatcher(alertSender, service.NewMemoryCooldownStore(), cfg.Alert.Cooldown, nil, logger)

	a.provision = service.NewProvisionService(cfg.Provision, a.stores, states, ledger, panel, service.NewVariableResolver(), nil, logger)
	a.auditor = service.NewProvisioningAuditor(cfg.Auditor, a.stores, states, ledger, a.provision, panel, alerts, nil, logger)
	a.orders = service.NewOrderService(a.stores, states, ledger, billing, a.provision, nil, logger)
	a.webhooks = service.NewWebhookService(a.stores.Webhooks, a.orders, nil, logger)
	a.summary = service.NewSummaryService(a.stores, cfg.Auditor.StuckThreshold, nil)

	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	var (
		plans catalog.PlanUpserter
		nodes catalog.NodeUpserter
	)

	switch a.cfg.Store.Driver {
	case config.StoreDriverMemory:
		store := memory.New()
		a.stores = service.Stores{
			Orders:   store.Orders(),
			Plans:    store.Plans(),
			Nodes:    store.Nodes(),
			Capacity: store.Capacity(),
			Webhooks: store.WebhookEvents(),
			Logs:     store.Logs(),
		}
		plans, nodes = store.Plans(), store.Nodes()
		a.logger.Warn("using in-memory store, state is lost on restart")

	case config.StoreDriverPostgres:
		database, err := db.New(ctx, &a.cfg.Database, a.logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.db = database

		planRepo := repository.NewPlanRepository(database.Pool)
		nodeRepo := repository.NewNodeRepository(database.Pool)
		a.stores = service.Stores{
			Orders:   repository.NewOrderRepository(database.Pool),
			Plans:    planRepo,
			Nodes:    nodeRepo,
			Capacity: repository.NewCapacityRepository(database.Pool),
			Webhooks: repository.NewWebhookEventRepository(database.Pool),
			Logs:     repository.NewLogRepository(database.Pool),
		}
		plans, nodes = planRepo, nodeRepo

	default:
		return fmt.Errorf("unsupported store driver %q", a.cfg.Store.Driver)
	}

	if a.cfg.Store.Catalog == "" {
		return nil
	}
	return seedCatalog(ctx, a.cfg.Store.Catalog, plans, nodes, a.logger)
}

func seedCatalog(ctx context.Context, path string, plans catalog.PlanUpserter, nodes catalog.NodeUpserter, logger *zap.Logger) error {
	c, err := catalog.Load(path)
	if err != nil {
		return err
	}
	if err := c.Seed(ctx, plans, nodes, time.Now()); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("catalog seeded",
		zap.String("path", path),
		zap.Int("plans", len(c.Plans)),
		zap.Int("nodes", len(c.Nodes)))
	return nil
}

func (a *app) Close() {
	if a.provision != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Provision.DrainTimeout)
		_ = a.provision.Drain(ctx)
		cancel()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
