package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/gookit/validate"
	"github.com/spf13/viper"

	"rate-alarms/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. RATEALARMS_CACHE_DRIVER.
const EnvPrefix = "RATEALARMS"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Alarms    AlarmsConfig    `mapstructure:"alarms"`
	Push      PushConfig      `mapstructure:"push"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// CacheConfig selects the key-value store shared by rates and alarms.
type CacheConfig struct {
	Driver       string        `mapstructure:"driver" validate:"required|in:memory,redis"`
	Path         string        `mapstructure:"path"`
	RedisURL     string        `mapstructure:"redis_url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ScanBatch    int           `mapstructure:"scan_batch" validate:"min:1"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" validate:"required|min:1"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// BreakerConfig tunes the upstream circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"required|min:1"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"required|min:1"`
}

// SourceConfig is one upstream rate endpoint.
type SourceConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// FetcherConfig covers upstream rate retrieval.
type FetcherConfig struct {
	// Sources are tried in order; the first is the primary.
	Sources          []SourceConfig     `mapstructure:"sources"`
	RequestTimeout   time.Duration      `mapstructure:"request_timeout" validate:"required|min:1"`
	UserAgent        string             `mapstructure:"user_agent"`
	Attempts         int                `mapstructure:"attempts" validate:"required|min:1|max:10"`
	BackoffMin       time.Duration      `mapstructure:"backoff_min" validate:"required|min:1"`
	BackoffMax       time.Duration      `mapstructure:"backoff_max" validate:"required|min:1"`
	SnapshotTTL      time.Duration      `mapstructure:"snapshot_ttl" validate:"required|min:1"`
	JewelerMarginPct map[string]float64 `mapstructure:"jeweler_margin_pct"`
}

// AlarmsConfig bounds the alarm store and evaluator.
type AlarmsConfig struct {
	MaxPerUser int           `mapstructure:"max_per_user" validate:"required|min:1"`
	TTL        time.Duration `mapstructure:"ttl" validate:"required|min:1"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" validate:"required|min:1"`
	Workers    int           `mapstructure:"workers" validate:"required|min:1|max:64"`
}

// PushConfig configures the device push gateway.
type PushConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoint  string        `mapstructure:"endpoint"`
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// AlertingConfig routes operational notifications.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 运维通知参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates the optional PostgreSQL trigger audit.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int           `mapstructure:"max_conns"`
	MinConns         int           `mapstructure:"min_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	TriggerRetention time.Duration `mapstructure:"trigger_retention"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rate-alarms")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.path", "ratealarms.db")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.dial_timeout", "5s")
	v.SetDefault("cache.read_timeout", "3s")
	v.SetDefault("cache.write_timeout", "3s")
	v.SetDefault("cache.scan_batch", 256)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72616c61))

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.timeout", "120s")

	v.SetDefault("fetcher.request_timeout", "10s")
	v.SetDefault("fetcher.user_agent", "rate-alarms/1.0")
	v.SetDefault("fetcher.attempts", 3)
	v.SetDefault("fetcher.backoff_min", "1s")
	v.SetDefault("fetcher.backoff_max", "4s")
	v.SetDefault("fetcher.snapshot_ttl", "300s")
	v.SetDefault("fetcher.jeweler_margin_pct", map[string]float64{
		"currencies": 0.5,
		"golds":      2.0,
		"silvers":    3.0,
	})

	v.SetDefault("alarms.max_per_user", 20)
	v.SetDefault("alarms.ttl", "2160h")
	v.SetDefault("alarms.token_ttl", "2160h")
	v.SetDefault("alarms.workers", 4)

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.endpoint", "https://fcm.googleapis.com/fcm/send")
	v.SetDefault("push.timeout", "10s")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.trigger_retention", "720h")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate runs the struct rules and the cross-field checks.
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("invalid config: %s", v.Errors.One())
	}

	if c.Cache.Driver == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required for the redis driver")
	}
	if c.Fetcher.BackoffMax < c.Fetcher.BackoffMin {
		return fmt.Errorf("fetcher.backoff_max must not be below fetcher.backoff_min")
	}
	for i, src := range c.Fetcher.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("fetcher.sources[%d].url is required", i)
		}
	}
	for cat, pct := range c.Fetcher.JewelerMarginPct {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("fetcher.jeweler_margin_pct.%s must be within [0, 100]", cat)
		}
	}
	if c.Push.Enabled {
		if c.Push.Endpoint == "" {
			return fmt.Errorf("push.endpoint must be set when push is enabled")
		}
		if c.Push.ServerKey == "" {
			return fmt.Errorf("push.server_key must be set when push is enabled")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}
