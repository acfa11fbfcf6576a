// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`   // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"LOG_FORMAT"` // json|console
	Sampling bool   `yaml:"sampling"`                // enable sampling in prod
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"HTTP_ADDR"`
	APIKey         string        `yaml:"api_key" env:"HTTP_API_KEY"`               // command API bearer key
	WebhookSecret  string        `yaml:"webhook_secret" env:"PAYMENT_WEBHOOK_SECRET"` // X-Webhook-Secret of payment events
	AdminAPIKey    string        `yaml:"admin_api_key" env:"ADMIN_API_KEY"`         // exchanged for admin tokens
	JWTSecret      string        `yaml:"jwt_secret" env:"ADMIN_JWT_SECRET"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PurchaseLimit  int           `yaml:"purchase_limit"` // purchases per user per PurchaseWindow, 0 disables
	PurchaseWindow time.Duration `yaml:"purchase_window"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL         string        `yaml:"url" env:"REDIS_URL"`
	Password    string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB          int           `yaml:"db"`
	LockEnabled bool          `yaml:"lock_enabled" env:"REDIS_LOCK_ENABLED"` // per-user lock shared by all instances
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

type AMQPConfig struct {
	URL      string `yaml:"url" env:"AMQP_URL"` // empty disables the consumer
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

type BotConfig struct {
	Token       string        `yaml:"token" env:"BOT_TOKEN"`
	AdminIDs    []int64       `yaml:"admin_ids" env:"BOT_ADMIN_IDS" envSeparator:","`
	PollTimeout int           `yaml:"poll_timeout"` // seconds
	Timeout     time.Duration `yaml:"timeout"`
}

type PanelConfig struct {
	BaseURL          string        `yaml:"base_url" env:"PANEL_BASE_URL"`
	AdminPath        string        `yaml:"admin_path" env:"PANEL_ADMIN_PATH"`
	UserPath         string        `yaml:"user_path" env:"PANEL_USER_PATH"`
	APIKey           string        `yaml:"api_key" env:"PANEL_API_KEY"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       uint64        `yaml:"max_retries"` // idempotent requests only
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	ShortLinks       bool          `yaml:"short_links"`
	SubscriptionName string        `yaml:"subscription_name"`
}

type PlanConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Days      int    `yaml:"days"`
	TrafficGB int    `yaml:"traffic_gb"`
	Devices   int    `yaml:"devices"`
	PriceXTR  int64  `yaml:"price_xtr"`
}

type LifecycleConfig struct {
	ReminderWindow  time.Duration `yaml:"reminder_window"`
	GraceTolerance  time.Duration `yaml:"grace_tolerance"`
	RetryBudget     int           `yaml:"retry_budget"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	InvoiceTTL      time.Duration `yaml:"invoice_ttl"`
	ConflictRetries int           `yaml:"conflict_retries"`
	DisplayPrefix   string        `yaml:"display_prefix"`
	QRSize          int           `yaml:"qr_size"`
}

type SchedulerConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileAge      time.Duration `yaml:"reconcile_age"` // pending events older than this are re-driven
	Concurrency       int           `yaml:"concurrency"`
	PageSize          int           `yaml:"page_size"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Bot       BotConfig       `yaml:"bot"`
	Panel     PanelConfig     `yaml:"panel"`
	Plans     []PlanConfig    `yaml:"plans"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, then applies .env and environment
// overrides. A missing file is fine when the environment carries the settings.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	cfg.Runtime.Dev = dev
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	cfg.HTTP.TokenTTL = orDuration(cfg.HTTP.TokenTTL, time.Hour)
	cfg.HTTP.RequestTimeout = orDuration(cfg.HTTP.RequestTimeout, 30*time.Second)
	cfg.HTTP.PurchaseWindow = orDuration(cfg.HTTP.PurchaseWindow, time.Minute)
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.LockTTL = orDuration(cfg.Redis.LockTTL, time.Minute)
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "payments.confirmed"
	}
	if cfg.AMQP.Prefetch <= 0 {
		cfg.AMQP.Prefetch = 16
	}
	if cfg.Bot.PollTimeout <= 0 {
		cfg.Bot.PollTimeout = 60
	}
	cfg.Bot.Timeout = orDuration(cfg.Bot.Timeout, 10*time.Second)
	cfg.Panel.Timeout = orDuration(cfg.Panel.Timeout, 10*time.Second)
	if cfg.Panel.MaxRetries == 0 {
		cfg.Panel.MaxRetries = 2
	}
	if cfg.Panel.BreakerFailures == 0 {
		cfg.Panel.BreakerFailures = 5
	}
	cfg.Panel.BreakerCooldown = orDuration(cfg.Panel.BreakerCooldown, 30*time.Second)
	if cfg.Panel.SubscriptionName == "" {
		cfg.Panel.SubscriptionName = "VPN"
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = []PlanConfig{
			{ID: "lite", Name: "Lite", Days: 30, TrafficGB: 50, Devices: 2, PriceXTR: 100},
			{ID: "plus", Name: "Plus", Days: 30, TrafficGB: 200, Devices: 5, PriceXTR: 150},
		}
	}

	lc := &cfg.Lifecycle
	lc.ReminderWindow = orDuration(lc.ReminderWindow, 72*time.Hour)
	lc.GraceTolerance = orDuration(lc.GraceTolerance, 24*time.Hour)
	if lc.RetryBudget <= 0 {
		lc.RetryBudget = 3
	}
	lc.RetryBackoff = orDuration(lc.RetryBackoff, time.Minute)
	lc.RetryBackoffMax = orDuration(lc.RetryBackoffMax, time.Hour)
	lc.InvoiceTTL = orDuration(lc.InvoiceTTL, 24*time.Hour)
	if lc.ConflictRetries <= 0 {
		lc.ConflictRetries = 3
	}
	if lc.DisplayPrefix == "" {
		lc.DisplayPrefix = "tg-"
	}
	if lc.QRSize <= 0 {
		lc.QRSize = 512
	}

	sc := &cfg.Scheduler
	sc.SweepInterval = orDuration(sc.SweepInterval, 10*time.Minute)
	sc.RetryInterval = orDuration(sc.RetryInterval, 30*time.Second)
	sc.ReconcileInterval = orDuration(sc.ReconcileInterval, time.Minute)
	sc.ReconcileAge = orDuration(sc.ReconcileAge, 2*time.Minute)
	if sc.Concurrency <= 0 {
		sc.Concurrency = 8
	}
	if sc.PageSize <= 0 {
		sc.PageSize = 200
	}
	sc.CommandTimeout = orDuration(sc.CommandTimeout, 30*time.Second)
}

// Minimal validation
func (cfg *Config) validate() error {
	if cfg.Panel.BaseURL == "" {
		return errors.New("panel.base_url is required")
	}
	if cfg.Panel.APIKey == "" {
		return errors.New("panel.api_key is required")
	}
	if !cfg.Runtime.Dev {
		if cfg.Database.URL == "" {
			return errors.New("database.url is required")
		}
		if cfg.Bot.Token == "" {
			return errors.New("bot.token is required")
		}
		if cfg.HTTP.APIKey == "" || cfg.HTTP.WebhookSecret == "" {
			return errors.New("http.api_key and http.webhook_secret are required")
		}
	}
	if cfg.Redis.LockEnabled && cfg.Redis.URL == "" {
		return errors.New("redis.url is required when redis.lock_enabled is set")
	}
	if cfg.Panel.Timeout >= cfg.Scheduler.CommandTimeout {
		return errors.New("panel.timeout must be shorter than scheduler.command_timeout")
	}
	if cfg.Redis.LockEnabled && cfg.Redis.LockTTL <= cfg.Scheduler.CommandTimeout {
		return errors.New("redis.lock_ttl must exceed scheduler.command_timeout")
	}
	seen := make(map[string]bool, len(cfg.Plans))
	for _, p := range cfg.Plans {
		if p.ID == "" || seen[p.ID] {
			return fmt.Errorf("plan ids must be unique and non-empty (got %q)", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
