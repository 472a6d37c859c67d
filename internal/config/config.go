package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	BrowserUse BrowserUseConfig `yaml:"browser_use" mapstructure:"browser_use"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Phone      PhoneConfig      `yaml:"phone" mapstructure:"phone"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	GitHub     GitHubConfig     `yaml:"github" mapstructure:"github"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BrowserUseConfig holds Browser-Use API settings.
type BrowserUseConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	SaveBrowserData bool   `yaml:"save_browser_data" mapstructure:"save_browser_data"`
}

// ScrapeConfig configures task polling.
type ScrapeConfig struct {
	PollInitial time.Duration `yaml:"poll_initial" mapstructure:"poll_initial"`
	PollCap     time.Duration `yaml:"poll_cap" mapstructure:"poll_cap"`
	PollTimeout time.Duration `yaml:"poll_timeout" mapstructure:"poll_timeout"`
}

// PhoneConfig configures phone normalization. An empty country code
// disables national trunk prefix rewriting.
type PhoneConfig struct {
	DefaultCountryCode string `yaml:"default_country_code" mapstructure:"default_country_code"`
}

// RetryConfig configures retries of task submission.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ReconcileConfig configures the background task reconciler.
type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Schedule string        `yaml:"schedule" mapstructure:"schedule"`
	Grace    time.Duration `yaml:"grace" mapstructure:"grace"`
	Limit    int           `yaml:"limit" mapstructure:"limit"`
}

// GitHubConfig configures the webhook relay and outbound dispatcher.
type GitHubConfig struct {
	Token               string  `yaml:"token" mapstructure:"token"`
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	Repository          string  `yaml:"repository" mapstructure:"repository"`
	DispatchSchedule    string  `yaml:"dispatch_schedule" mapstructure:"dispatch_schedule"`
	DispatchBatch       int     `yaml:"dispatch_batch" mapstructure:"dispatch_batch"`
	DispatchConcurrency int     `yaml:"dispatch_concurrency" mapstructure:"dispatch_concurrency"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RateLimit           float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MonitoringConfig configures scrape task health alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	Schedule             string  `yaml:"schedule" mapstructure:"schedule"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	UnresolvedThreshold  int     `yaml:"unresolved_threshold" mapstructure:"unresolved_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// DispatchEnabled reports whether outbound GitHub calls can be sent.
func (c *Config) DispatchEnabled() bool {
	return c.GitHub.Token != "" && c.Store.Driver == "postgres"
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("browser_use.key", "")
	v.SetDefault("browser_use.base_url", "https://api.browser-use.com/api/v1")
	v.SetDefault("browser_use.save_browser_data", true)
	v.SetDefault("scrape.poll_initial", "2s")
	v.SetDefault("scrape.poll_cap", "15s")
	v.SetDefault("scrape.poll_timeout", "10m")
	v.SetDefault("phone.default_country_code", "420")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "10s")
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout", "30s")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 5m")
	v.SetDefault("reconcile.grace", "15m")
	v.SetDefault("reconcile.limit", 50)
	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.repository", "")
	v.SetDefault("github.dispatch_schedule", "@every 1m")
	v.SetDefault("github.dispatch_batch", 50)
	v.SetDefault("github.dispatch_concurrency", 4)
	v.SetDefault("github.max_attempts", 5)
	v.SetDefault("github.rate_limit", 1.0)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.schedule", "@every 5m")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.unresolved_threshold", 10)
	v.SetDefault("monitoring.webhook_url", "")

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

// Validate checks the settings a command mode needs: "serve", "scrape",
// "reconcile", "relay" or "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "migrate":
	case "serve", "scrape", "reconcile":
		if c.BrowserUse.Key == "" {
			errs = append(errs, "browser_use.key is required")
		}
		if c.Scrape.PollInitial <= 0 || c.Scrape.PollCap < c.Scrape.PollInitial {
			errs = append(errs, "scrape.poll_cap must be >= scrape.poll_initial > 0")
		}
		if c.Scrape.PollTimeout <= 0 {
			errs = append(errs, "scrape.poll_timeout must be > 0")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if mode == "serve" && c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
			errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
		}
	case "relay":
		if !c.DispatchEnabled() {
			errs = append(errs, "github.token is required and store.driver must be postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
