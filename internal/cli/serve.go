package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/db"
	"github.com/wenwu/saas-platform/gameserver-service/internal/http"
	"github.com/wenwu/saas-platform/gameserver-service/internal/repository"
	"github.com/wenwu/saas-platform/gameserver-service/internal/service"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the provisioning auditor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rootOpts)
		},
	}
}

func serve(ctx context.Context, opts *RootOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("starting gameserver service",
		zap.String("store", cfg.Store.Driver),
		zap.String("port", cfg.Server.Port))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := service.NewAuditorScheduler(a.auditor, cfg.Auditor.Interval, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler := http.NewHandler(a.orders, a.provision, a.webhooks, a.summary, a.auditor, logger)
	server := http.NewServer(cfg, handler, logger)
	if err := server.Run(ctx, ":"+cfg.Server.Port); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and optionally seed plans and nodes",
		Long: `Create the PostgreSQL schema and tables. Safe to run repeatedly.

Example:
  gameserver-service migrate
  gameserver-service migrate --catalog ./catalog.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), rootOpts, catalogPath)
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML catalog of plans and nodes to upsert after migrating")
	return cmd
}

func migrate(ctx context.Context, opts *RootOptions, catalogPath string) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema migrated", zap.String("schema", database.Schema))

	if catalogPath == "" {
		catalogPath = cfg.Store.Catalog
	}
	if catalogPath == "" {
		return nil
	}
	return seedCatalog(ctx, catalogPath,
		repository.NewPlanRepository(database.Pool),
		repository.NewNodeRepository(database.Pool),
		logger)
}
