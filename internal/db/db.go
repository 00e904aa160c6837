package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/config"
)

type Database struct {
	Pool   *pgxpool.Pool
	Schema string
}

func New(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns

	d, err := open(ctx, poolConfig, cfg.Schema)
	if err != nil {
		return nil, err
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
		zap.String("schema", cfg.Schema))
	return d, nil
}

// Open connects to dsn using schema as the search path.
func Open(ctx context.Context, dsn, schema string) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return open(ctx, poolConfig, schema)
}

func open(ctx context.Context, poolConfig *pgxpool.Config, schema string) (*Database, error) {
	// search_path is a runtime param so every pooled connection gets it
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schema + ", public"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Database{
		Pool:   pool,
		Schema: schema,
	}, nil
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// Migrate creates the schema and all tables. Safe to run repeatedly.
func (d *Database) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{d.Schema}.Sanitize()
	if _, err := d.Pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := d.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply ddl: %w", err)
	}
	return nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS plans (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	ram_gb               INTEGER NOT NULL CHECK (ram_gb > 0),
	disk_gb              INTEGER NOT NULL CHECK (disk_gb > 0),
	vcores               INTEGER NOT NULL DEFAULT 1,
	resource_template_id TEXT NOT NULL DEFAULT '',
	game_key             TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS nodes (
	id                   TEXT PRIMARY KEY,
	region               TEXT NOT NULL,
	preference           INTEGER NOT NULL DEFAULT 0,
	max_ram_gb           INTEGER NOT NULL,
	max_disk_gb          INTEGER NOT NULL,
	reserved_headroom_gb INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_nodes_region ON nodes(region, preference, id);

CREATE TABLE IF NOT EXISTS orders (
	id                           TEXT PRIMARY KEY,
	user_id                      TEXT NOT NULL,
	user_email                   TEXT NOT NULL DEFAULT '',
	plan_id                      TEXT NOT NULL REFERENCES plans(id),
	region                       TEXT NOT NULL,
	server_name                  TEXT NOT NULL,
	status                       TEXT NOT NULL DEFAULT 'pending',
	subscription_id              TEXT,
	external_resource_id         TEXT,
	external_resource_identifier TEXT,
	provision_attempt_count      INTEGER NOT NULL DEFAULT 0,
	last_provision_attempt_at    TIMESTAMPTZ,
	last_provision_error         TEXT,
	created_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at                   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	paid_at                      TIMESTAMPTZ,
	provisioned_at               TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_subscription ON orders(subscription_id)
	WHERE subscription_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS capacity_reservations (
	order_id   TEXT PRIMARY KEY REFERENCES orders(id),
	node_id    TEXT NOT NULL REFERENCES nodes(id),
	ram_gb     INTEGER NOT NULL,
	disk_gb    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_capacity_reservations_node ON capacity_reservations(node_id);

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id         TEXT PRIMARY KEY,
	event_type       TEXT NOT NULL,
	payload          JSONB NOT NULL DEFAULT '{}',
	received_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at     TIMESTAMPTZ,
	processing_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_received ON webhook_events(received_at DESC);

CREATE TABLE IF NOT EXISTS provision_logs (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	action     TEXT NOT NULL,
	status     TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_provision_logs_order ON provision_logs(order_id, created_at DESC);
`
