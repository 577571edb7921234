// Package config provides configuration loading using koanf.
// Precedence is env → AWS SDK (Secrets Manager / SSM) → compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/numberbroker/internal/domain"
)

// Ledger backends selectable through broker.ledger.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerDynamoDB = "dynamodb"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	Log LogConfig `koanf:"log"`

	Broker    BrokerConfig    `koanf:"broker"`
	Vendor    VendorConfig    `koanf:"vendor"`
	BharatPe  BharatPeConfig  `koanf:"bharatpe"`
	Token     TokenConfig     `koanf:"token"`
	Pool      PoolConfig      `koanf:"pool"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`

	// Infrastructure configurations
	Postgres PostgresConfig `koanf:"postgres"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// BrokerConfig holds the broker service configuration.
type BrokerConfig struct {
	HTTPPort   int    `koanf:"http_port"`
	Ledger     string `koanf:"ledger"`    // memory, postgres or dynamodb
	MenuPath   string `koanf:"menu_path"` // Empty uses the embedded menu
	ProfitRate int    `koanf:"profit_rate"`
}

// VendorConfig holds vendor API keys and optional endpoint overrides.
type VendorConfig struct {
	FastKey    domain.SecretString `koanf:"fast_key"`
	TigerKey   domain.SecretString `koanf:"tiger_key"`
	BowerKey   domain.SecretString `koanf:"bower_key"`
	FivesimKey domain.SecretString `koanf:"fivesim_key"`

	FastURL    string `koanf:"fast_url"`
	TigerURL   string `koanf:"tiger_url"`
	BowerURL   string `koanf:"bower_url"`
	FivesimURL string `koanf:"fivesim_url"`

	Timeout time.Duration `koanf:"timeout"`
}

// BharatPeConfig holds the merchant credentials used to verify recharges.
type BharatPeConfig struct {
	MerchantID string              `koanf:"merchant_id"`
	Token      domain.SecretString `koanf:"token"`
	BaseURL    string              `koanf:"base_url"` // Empty uses the public endpoint
}

// TokenConfig holds order token signing configuration.
type TokenConfig struct {
	SigningKey domain.SecretString `koanf:"signing_key"`
	Issuer     string              `koanf:"issuer"`
	TTL        time.Duration       `koanf:"ttl"` // Zero disables expiry
}

// PoolConfig bounds the update worker pool.
type PoolConfig struct {
	Size        int           `koanf:"size"`
	TaskTimeout time.Duration `koanf:"task_timeout"`
}

// MonitorConfig holds vendor balance monitoring configuration.
type MonitorConfig struct {
	Interval      time.Duration `koanf:"interval"` // Zero disables the monitor
	LowBalance    int           `koanf:"low_balance"`
	AlertTopicARN string        `koanf:"alert_topic_arn"` // Empty logs alerts instead of publishing
}

// RateLimitConfig holds the per-user action windows. A zero limit disables
// that action's limit.
type RateLimitConfig struct {
	Buy            int           `koanf:"buy"`
	Poll           int           `koanf:"poll"`
	ActionWindow   time.Duration `koanf:"action_window"`
	Recharge       int           `koanf:"recharge"`
	RechargeWindow time.Duration `koanf:"recharge_window"`
}

// PostgresConfig holds Postgres ledger configuration.
type PostgresConfig struct {
	DSN      string        `koanf:"dsn"`
	MaxConns int32         `koanf:"max_conns"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint    string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout     time.Duration `koanf:"timeout"`
	TablePrefix string        `koanf:"table_prefix"`
}

// KafkaConfig holds Kafka configuration.
type KafkaConfig struct {
	Brokers    []string `koanf:"brokers"` // Empty logs events instead of producing
	ClientID   string   `koanf:"client_id"`
	Topic      string   `koanf:"topic"`
	ReplyTopic string   `koanf:"reply_topic"` // Webhook replies for the chat front end
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Required
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`  // LocalStack endpoint for development
	SecretID        string `koanf:"secret_id"` // Empty skips Secrets Manager
	ProfitRateParam string `koanf:"profit_rate_param"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string  `koanf:"endpoint"`     // Empty disables OTLP export
	ServiceName string  `koanf:"service_name"` // Empty uses the process name
	Insecure    bool    `koanf:"insecure"`     // Dial the collector without TLS
	SampleRatio float64 `koanf:"sample_ratio"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},

		Broker: BrokerConfig{
			HTTPPort:   8080,
			Ledger:     LedgerMemory,
			ProfitRate: domain.DefaultProfitRate,
		},
		Vendor: VendorConfig{
			Timeout: domain.DefaultVendorTimeout,
		},
		Token: TokenConfig{
			Issuer: "numberbroker",
		},
		Pool: PoolConfig{
			Size:        domain.DefaultPoolSize,
			TaskTimeout: 2 * domain.DefaultVendorTimeout,
		},
		Monitor: MonitorConfig{
			Interval:   domain.DefaultBalanceCheckInterval,
			LowBalance: domain.DefaultLowBalanceThreshold,
		},
		RateLimit: RateLimitConfig{
			Buy:            domain.BuyRateLimit,
			Poll:           domain.PollRateLimit,
			ActionWindow:   domain.ActionRateWindow,
			Recharge:       domain.RechargeRateLimit,
			RechargeWindow: domain.RechargeRateWindow,
		},

		Postgres: PostgresConfig{
			MaxConns: 10,
			Timeout:  domain.PostgresTimeout,
		},
		DynamoDB: DynamoDBConfig{
			Timeout:     domain.DynamoDBTimeout,
			TablePrefix: "numberbroker-",
		},
		Kafka: KafkaConfig{
			ClientID:   "numberbroker",
			Topic:      "broker-events",
			ReplyTopic: "broker-replies",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region:          "us-east-1",
			ProfitRateParam: "/numberbroker/pricing/profit-rate",
		},
		OTEL: OTELConfig{
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. AWS SDK (Secrets Manager / SSM), applied by the caller via ApplySecrets
// 3. Compiled defaults (lowest)
//
// Required keys missing → startup failure.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	// Only the first underscore separates the group from the key, so
	// BROKER_HTTP_PORT maps to broker.http_port.
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Secrets are the values an external secret store may supply. Empty fields
// leave the env or default value in place.
type Secrets struct {
	VendorKeys    map[string]domain.SecretString // keyed by fast, tiger, bower, fivesim
	BharatPeToken domain.SecretString
	SigningKey    domain.SecretString
	ProfitRate    int // Zero leaves the configured rate
}

// ApplySecrets overlays s onto c. Values already set from the environment win.
func (c *Config) ApplySecrets(s Secrets) {
	fill := func(dst *domain.SecretString, src domain.SecretString) {
		if dst.IsEmpty() && !src.IsEmpty() {
			*dst = src
		}
	}
	fill(&c.Vendor.FastKey, s.VendorKeys["fast"])
	fill(&c.Vendor.TigerKey, s.VendorKeys["tiger"])
	fill(&c.Vendor.BowerKey, s.VendorKeys["bower"])
	fill(&c.Vendor.FivesimKey, s.VendorKeys["fivesim"])
	fill(&c.BharatPe.Token, s.BharatPeToken)
	fill(&c.Token.SigningKey, s.SigningKey)

	if s.ProfitRate > 0 && c.Broker.ProfitRate == domain.DefaultProfitRate {
		c.Broker.ProfitRate = s.ProfitRate
	}
}

// validateRequired checks that required configuration is present.
func validateRequired(cfg *Config) error {
	switch cfg.Broker.Ledger {
	case LedgerMemory, LedgerPostgres, LedgerDynamoDB:
	default:
		return fmt.Errorf("%w: broker.ledger %q", domain.ErrInvalidInput, cfg.Broker.Ledger)
	}
	if cfg.Broker.Ledger == LedgerPostgres && cfg.Postgres.DSN == "" {
		return fmt.Errorf("%w: postgres.dsn", domain.ErrConfigRequired)
	}

	// In local environment, most fields have sensible defaults
	if cfg.Environment == "local" {
		return nil
	}

	if cfg.Environment == "prod" {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers", domain.ErrConfigRequired)
		}
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
		}
		if cfg.Broker.Ledger == LedgerMemory {
			return fmt.Errorf("%w: broker.ledger must be durable in prod", domain.ErrConfigRequired)
		}
		// The signing key may arrive later from Secrets Manager.
		if cfg.Token.SigningKey.IsEmpty() && cfg.AWS.SecretID == "" {
			return fmt.Errorf("%w: token.signing_key", domain.ErrConfigRequired)
		}
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
