// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool

	// IssueAdminToken prints an admin bearer token and exits.
	IssueAdminToken bool
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RateLimitPerMinute caps public checkout calls per client address; 0 disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL            string        `yaml:"url"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type GatewayConfig struct {
	BaseURL                string        `yaml:"base_url"`
	KeyID                  string        `yaml:"key_id"`
	KeySecret              string        `yaml:"key_secret"`
	WebhookSecret          string        `yaml:"webhook_secret"`
	Timeout                time.Duration `yaml:"timeout"`
	Currency               string        `yaml:"currency"`
	SubscriptionTotalCount int           `yaml:"subscription_total_count"`
}

type SchedulerConfig struct {
	SubscriptionRefreshCron string        `yaml:"subscription_refresh_cron"`
	OutboxPollInterval      time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize         int           `yaml:"outbox_batch_size"`
}

type AdminConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admin     AdminConfig     `yaml:"admin"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig parses -config and -dev, then loads the YAML file.
func LoadConfig() (*Config, error) {
	var configPath string
	var dev, issueToken bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.BoolVar(&issueToken, "admin-token", false, "print an admin bearer token and exit")
	flag.Parse()

	cfg, err := Load(configPath, dev)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.IssueAdminToken = issueToken
	return cfg, nil
}

// Load reads path, applies .env and environment overrides, fills defaults and validates.
func Load(path string, dev bool) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"GATEWAY_KEY_ID":         &cfg.Gateway.KeyID,
		"GATEWAY_KEY_SECRET":     &cfg.Gateway.KeySecret,
		"GATEWAY_WEBHOOK_SECRET": &cfg.Gateway.WebhookSecret,
		"DATABASE_URL":           &cfg.Database.URL,
		"REDIS_URL":              &cfg.Redis.URL,
		"RABBITMQ_URL":           &cfg.RabbitMQ.URL,
		"ADMIN_JWT_SECRET":       &cfg.Admin.JWTSecret,
	}
	for key, dst := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.HTTP.RateLimitPerMinute < 0 {
		cfg.HTTP.RateLimitPerMinute = 0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.LockTTL = normalizeTTL(cfg.Redis.LockTTL, 30*time.Second)
	cfg.Redis.IdempotencyTTL = normalizeTTL(cfg.Redis.IdempotencyTTL, 24*time.Hour)
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "settlement.events"
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = "https://api.razorpay.com/v1"
	}
	cfg.Gateway.Timeout = normalizeTTL(cfg.Gateway.Timeout, 15*time.Second)
	if cfg.Gateway.Currency == "" {
		cfg.Gateway.Currency = "INR"
	}
	if cfg.Gateway.SubscriptionTotalCount <= 0 {
		cfg.Gateway.SubscriptionTotalCount = 12
	}
	if cfg.Scheduler.SubscriptionRefreshCron == "" {
		cfg.Scheduler.SubscriptionRefreshCron = "*/15 * * * *"
	}
	cfg.Scheduler.OutboxPollInterval = normalizeTTL(cfg.Scheduler.OutboxPollInterval, 2*time.Second)
	if cfg.Scheduler.OutboxBatchSize <= 0 {
		cfg.Scheduler.OutboxBatchSize = 50
	}
	cfg.Admin.TokenTTL = normalizeTTL(cfg.Admin.TokenTTL, 12*time.Hour)
}

func normalizeTTL(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
