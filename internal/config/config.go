package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Store          StoreConfig
	JWT            JWTConfig
	Panel          PanelConfig
	Billing        BillingConfig
	Alert          AlertConfig
	Provision      ProvisionConfig
	Auditor        AuditorConfig
	Log            LogConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

type StoreConfig struct {
	Driver  string
	Catalog string
}

type JWTConfig struct {
	SecretKey string
}

// PanelConfig points at the game server control plane
type PanelConfig struct {
	URL         string
	APIKey      string
	CallTimeout time.Duration
}

type BillingConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
}

type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

type ProvisionConfig struct {
	MaxTransientRetries int
	RetryBaseDelay      time.Duration
	ServerNamePrefix    string

	// DrainTimeout bounds how long shutdown waits for background attempts
	DrainTimeout time.Duration
}

type AuditorConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	Concurrency    int
}

type LogConfig struct {
	Level  string
	Format string
}

// keys maps config paths to the flat environment variables the service reads
var keys = map[string]string{
	"server.port":                   "SERVER_PORT",
	"server.mode":                   "GIN_MODE",
	"database.host":                 "DB_HOST",
	"database.port":                 "DB_PORT",
	"database.user":                 "DB_USER",
	"database.password":             "DB_PASSWORD",
	"database.dbname":               "DB_NAME",
	"database.schema":               "DB_SCHEMA",
	"database.sslmode":              "DB_SSLMODE",
	"database.maxconns":             "DB_MAX_CONNS",
	"database.minconns":             "DB_MIN_CONNS",
	"store.driver":                  "STORE_DRIVER",
	"store.catalog":                 "STORE_CATALOG",
	"jwt.secretkey":                 "JWT_SECRET_KEY",
	"panel.url":                     "PANEL_URL",
	"panel.apikey":                  "PANEL_API_KEY",
	"panel.calltimeout":             "PANEL_CALL_TIMEOUT",
	"billing.url":                   "BILLING_URL",
	"billing.clientid":              "BILLING_CLIENT_ID",
	"billing.clientsecret":          "BILLING_CLIENT_SECRET",
	"alert.webhookurl":              "ALERT_WEBHOOK_URL",
	"alert.cooldown":                "ALERT_COOLDOWN",
	"provision.maxtransientretries": "PROVISION_MAX_TRANSIENT_RETRIES",
	"provision.retrybasedelay":      "PROVISION_RETRY_BASE_DELAY",
	"provision.servernameprefix":    "PROVISION_SERVER_NAME_PREFIX",
	"provision.draintimeout":        "PROVISION_DRAIN_TIMEOUT",
	"auditor.interval":              "AUDITOR_INTERVAL",
	"auditor.stuckthreshold":        "AUDITOR_STUCK_THRESHOLD",
	"auditor.concurrency":           "AUDITOR_CONCURRENCY",
	"log.level":                     "LOG_LEVEL",
	"log.format":                    "LOG_FORMAT",
	"internalsecret":                "INTERNAL_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8005")
	v.SetDefault("server.mode", "release") // 默认为 release 模式

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "saas_user")
	v.SetDefault("database.password", "saas_pass")
	v.SetDefault("database.dbname", "saas_db")
	v.SetDefault("database.schema", "gameserver")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxconns", 25)
	v.SetDefault("database.minconns", 5)

	v.SetDefault("store.driver", StoreDriverPostgres)
	v.SetDefault("store.catalog", "")

	v.SetDefault("jwt.secretkey", "")

	v.SetDefault("panel.url", "http://localhost:8010")
	v.SetDefault("panel.apikey", "")
	v.SetDefault("panel.calltimeout", 30*time.Second)

	v.SetDefault("billing.url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("billing.clientid", "")
	v.SetDefault("billing.clientsecret", "")

	v.SetDefault("alert.webhookurl", "")
	v.SetDefault("alert.cooldown", 10*time.Minute)

	v.SetDefault("provision.maxtransientretries", 4)
	v.SetDefault("provision.retrybasedelay", 1500*time.Millisecond)
	v.SetDefault("provision.servernameprefix", "gs")
	v.SetDefault("provision.draintimeout", 30*time.Second)

	v.SetDefault("auditor.interval", 5*time.Minute)
	v.SetDefault("auditor.stuckthreshold", 10*time.Minute)
	v.SetDefault("auditor.concurrency", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("internalsecret", "")
}

// Load reads defaults, an optional YAML file and the environment, in that order
// of increasing precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	var errs []error

	// 检查 JWT 密钥
	if insecureDefaults[c.JWT.SecretKey] {
		errs = append(errs, fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)"))
	} else if len(c.JWT.SecretKey) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long"))
	}

	// 检查内部服务密钥
	if insecureDefaults[c.InternalSecret] {
		errs = append(errs, fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)"))
	} else if len(c.InternalSecret) < 32 {
		errs = append(errs, fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long"))
	}

	switch c.Store.Driver {
	case StoreDriverPostgres:
	case StoreDriverMemory:
		if c.Store.Catalog == "" {
			errs = append(errs, fmt.Errorf("STORE_CATALOG is required with the memory store driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not supported", c.Store.Driver))
	}

	if c.Auditor.Interval <= 0 || c.Auditor.StuckThreshold <= 0 {
		errs = append(errs, fmt.Errorf("auditor interval and stuck threshold must be positive"))
	}
	if c.Auditor.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("AUDITOR_CONCURRENCY must be positive"))
	}
	if c.Provision.MaxTransientRetries < 0 || c.Provision.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("provision retry settings must not be negative"))
	}
	if c.Alert.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_COOLDOWN must be positive"))
	}

	return multierr.Combine(errs...)
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}
