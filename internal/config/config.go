package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Shopify   ShopifyConfig   `yaml:"shopify" mapstructure:"shopify"`
	FX        FXConfig        `yaml:"fx" mapstructure:"fx"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the truth store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ShopifyConfig configures the upstream orders API client.
type ShopifyConfig struct {
	APIVersion            string           `yaml:"api_version" mapstructure:"api_version"`
	BaseURL               string           `yaml:"base_url" mapstructure:"base_url"`
	PageSize              int              `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs           int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond         float64          `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst             int              `yaml:"rate_burst" mapstructure:"rate_burst"`
	MaxAttempts           int              `yaml:"max_attempts" mapstructure:"max_attempts"`
	DefaultRetryAfterSecs int              `yaml:"default_retry_after_secs" mapstructure:"default_retry_after_secs"`
	MaxWaitSecs           int              `yaml:"max_wait_secs" mapstructure:"max_wait_secs"`
	Shops                 []ShopCredential `yaml:"shops" mapstructure:"shops"`
}

// ShopCredential maps an account (shop domain) to its Admin API access token.
type ShopCredential struct {
	Domain      string `yaml:"domain" mapstructure:"domain"`
	AccessToken string `yaml:"access_token" mapstructure:"access_token"`
}

// FXConfig configures the exchange rate sources and the reporting currency.
type FXConfig struct {
	ReportingCurrency string `yaml:"reporting_currency" mapstructure:"reporting_currency"`
	PrimaryURL        string `yaml:"primary_url" mapstructure:"primary_url"`
	FallbackURL       string `yaml:"fallback_url" mapstructure:"fallback_url"`
	TTLHours          int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	RedisAddr         string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword     string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB           int    `yaml:"redis_db" mapstructure:"redis_db"`
	RetryAttempts     int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ReconcileConfig configures the reconciliation engine.
type ReconcileConfig struct {
	MinIntervalSecs     int      `yaml:"min_interval_secs" mapstructure:"min_interval_secs"`
	BackupTTLHours      int      `yaml:"backup_ttl_hours" mapstructure:"backup_ttl_hours"`
	FactLimit           int      `yaml:"fact_limit" mapstructure:"fact_limit"`
	FactWorkers         int      `yaml:"fact_workers" mapstructure:"fact_workers"`
	FactScopes          []string `yaml:"fact_scopes" mapstructure:"fact_scopes"`
	MaxAuditDetailBytes int      `yaml:"max_audit_detail_bytes" mapstructure:"max_audit_detail_bytes"`
	StaleAfterMins      int      `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MetricsConfig configures Prometheus collectors.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// MonitorConfig configures the background keep-warm loop and staleness
// alerts run by the server.
type MonitorConfig struct {
	Enabled           bool     `yaml:"enabled" mapstructure:"enabled"`
	IntervalSecs      int      `yaml:"interval_secs" mapstructure:"interval_secs"`
	KeepWarm          bool     `yaml:"keep_warm" mapstructure:"keep_warm"`
	Scopes            []string `yaml:"scopes" mapstructure:"scopes"`
	WebhookURL        string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	AlertCooldownMins int      `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MinInterval is the throttle window for non-forced runs.
func (c ReconcileConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSecs) * time.Second
}

// BackupTTL is how long a table backup is considered fresh.
func (c ReconcileConfig) BackupTTL() time.Duration {
	return time.Duration(c.BackupTTLHours) * time.Hour
}

// StaleAfter is the age after which health reports the truth store as stale.
func (c ReconcileConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMins) * time.Minute
}

// TTL is the rate table refresh interval.
func (c FXConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORDERTRUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.namespace", "ordertruth")
	v.SetDefault("shopify.api_version", "2024-10")
	v.SetDefault("shopify.page_size", 250)
	v.SetDefault("shopify.timeout_secs", 30)
	v.SetDefault("shopify.rate_per_second", 2.0)
	v.SetDefault("shopify.rate_burst", 4)
	v.SetDefault("shopify.max_attempts", 4)
	v.SetDefault("shopify.default_retry_after_secs", 2)
	v.SetDefault("shopify.max_wait_secs", 10)
	v.SetDefault("fx.reporting_currency", "USD")
	v.SetDefault("fx.primary_url", "https://open.er-api.com/v6/latest/USD")
	v.SetDefault("fx.fallback_url", "https://api.frankfurter.app/latest?from=USD")
	v.SetDefault("fx.ttl_hours", 6)
	v.SetDefault("fx.retry_attempts", 2)
	v.SetDefault("fx.retry_backoff_ms", 500)
	v.SetDefault("fx.breaker_threshold", 3)
	v.SetDefault("fx.breaker_reset_secs", 300)
	v.SetDefault("reconcile.min_interval_secs", 90)
	v.SetDefault("reconcile.backup_ttl_hours", 24)
	v.SetDefault("reconcile.fact_limit", 300)
	v.SetDefault("reconcile.fact_workers", 1)
	v.SetDefault("reconcile.fact_scopes", []string{"today", "verify"})
	v.SetDefault("reconcile.max_audit_detail_bytes", 8192)
	v.SetDefault("reconcile.stale_after_mins", 30)
	v.SetDefault("monitor.interval_secs", 300)
	v.SetDefault("monitor.keep_warm", true)
	v.SetDefault("monitor.scopes", []string{"today"})
	v.SetDefault("monitor.alert_cooldown_mins", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode
// ("reconcile", "serve", "migrate").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "migrate":
		errs = append(errs, c.validateStore()...)
	case "reconcile":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateReconcile()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateReconcile()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitor.Enabled && c.Monitor.IntervalSecs < 10 {
			errs = append(errs, "monitor.interval_secs must be >= 10")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	return errs
}

func (c *Config) validateReconcile() []string {
	var errs []string
	if c.Reconcile.MinIntervalSecs < 0 {
		errs = append(errs, "reconcile.min_interval_secs must be >= 0")
	}
	if c.Reconcile.FactLimit < 0 {
		errs = append(errs, "reconcile.fact_limit must be >= 0")
	}
	if c.Reconcile.FactWorkers < 1 || c.Reconcile.FactWorkers > 16 {
		errs = append(errs, "reconcile.fact_workers must be between 1 and 16")
	}
	if c.Shopify.PageSize < 1 || c.Shopify.PageSize > 250 {
		errs = append(errs, "shopify.page_size must be between 1 and 250")
	}
	if c.FX.ReportingCurrency == "" {
		errs = append(errs, "fx.reporting_currency is required")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
