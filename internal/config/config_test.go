package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/config"
	"github.com/aelexs/numberbroker/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Broker
	assert.Equal(t, 8080, cfg.Broker.HTTPPort)
	assert.Equal(t, config.LedgerMemory, cfg.Broker.Ledger)
	assert.Equal(t, domain.DefaultProfitRate, cfg.Broker.ProfitRate)
	assert.Equal(t, domain.DefaultVendorTimeout, cfg.Vendor.Timeout)
	assert.Equal(t, "numberbroker", cfg.Token.Issuer)
	assert.Zero(t, cfg.Token.TTL)
	assert.Equal(t, domain.DefaultPoolSize, cfg.Pool.Size)
	assert.Equal(t, domain.DefaultBalanceCheckInterval, cfg.Monitor.Interval)
	assert.Equal(t, domain.BuyRateLimit, cfg.RateLimit.Buy)
	assert.Equal(t, domain.RechargeRateWindow, cfg.RateLimit.RechargeWindow)

	// Infrastructure defaults
	assert.Equal(t, domain.DynamoDBTimeout, cfg.DynamoDB.Timeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, domain.RedisTimeout, cfg.Redis.Timeout)
	assert.Equal(t, "numberbroker", cfg.Kafka.ClientID)
	assert.Equal(t, "broker-events", cfg.Kafka.Topic)
	assert.Equal(t, "broker-replies", cfg.Kafka.ReplyTopic)
	assert.Equal(t, "us-east-1", cfg.AWS.Region)
	assert.Equal(t, "/numberbroker/pricing/profit-rate", cfg.AWS.ProfitRateParam)
	assert.True(t, cfg.OTEL.Insecure)
	assert.InDelta(t, 1.0, cfg.OTEL.SampleRatio, 0)
}

func TestEnvMapping(t *testing.T) {
	t.Setenv("BROKER_HTTP_PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VENDOR_FIVESIM_KEY", "five-key")
	t.Setenv("POOL_TASK_TIMEOUT", "45s")
	t.Setenv("TOKEN_TTL", "24h")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("OTEL_SAMPLE_RATIO", "0.25")
	t.Setenv("OTEL_INSECURE", "false")
	t.Setenv("RATELIMIT_RECHARGE_WINDOW", "30m")

	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Broker.HTTPPort)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "five-key", cfg.Vendor.FivesimKey.Expose())
	assert.Equal(t, 45*time.Second, cfg.Pool.TaskTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Token.TTL)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.InDelta(t, 0.25, cfg.OTEL.SampleRatio, 1e-9)
	assert.False(t, cfg.OTEL.Insecure)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.RechargeWindow)
}

func TestUnknownLedgerRejected(t *testing.T) {
	t.Setenv("BROKER_LEDGER", "sqlite")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPostgresLedgerRequiresDSN(t *testing.T) {
	t.Setenv("BROKER_LEDGER", "postgres")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "postgres.dsn")
}

func TestApplySecrets(t *testing.T) {
	t.Setenv("VENDOR_FAST_KEY", "from-env")

	cfg, err := config.Load(context.Background())
	require.NoError(t, err)

	cfg.ApplySecrets(config.Secrets{
		VendorKeys: map[string]domain.SecretString{
			"fast":  "from-secret",
			"tiger": "tiger-secret",
		},
		SigningKey: "signing-secret",
		ProfitRate: 25,
	})

	assert.Equal(t, "from-env", cfg.Vendor.FastKey.Expose(), "env wins over the secret store")
	assert.Equal(t, "tiger-secret", cfg.Vendor.TigerKey.Expose())
	assert.True(t, cfg.Vendor.BowerKey.IsEmpty())
	assert.Equal(t, "signing-secret", cfg.Token.SigningKey.Expose())
	assert.Equal(t, 25, cfg.Broker.ProfitRate)
}

func TestIsLocal(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"local returns true", "local", true},
		{"prod returns false", "prod", false},
		{"dev returns false", "dev", false},
		{"empty returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}

			assert.Equal(t, tt.want, cfg.IsLocal())
		})
	}
}

func TestIsProd(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want bool
	}{
		{"prod returns true", "prod", true},
		{"local returns false", "local", false},
		{"dev returns false", "dev", false},
		{"empty returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}

			assert.Equal(t, tt.want, cfg.IsProd())
		})
	}
}

func TestValidateRequired_LocalAllowsMissingFields(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")

	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Environment)
}

func setProdBaseline(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "prod")
	t.Setenv("BROKER_LEDGER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://broker@db/broker")
	t.Setenv("TOKEN_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "broker1:9092")
}

func TestValidateRequired_ProdRequiresKafkaBrokers(t *testing.T) {
	setProdBaseline(t)
	t.Setenv("KAFKA_BROKERS", "")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "kafka.brokers")
}

func TestValidateRequired_ProdRequiresRedisAddr(t *testing.T) {
	setProdBaseline(t)
	t.Setenv("REDIS_ADDR", "")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestValidateRequired_ProdRejectsMemoryLedger(t *testing.T) {
	setProdBaseline(t)
	t.Setenv("BROKER_LEDGER", "memory")

	_, err := config.Load(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigRequired)
	assert.Contains(t, err.Error(), "broker.ledger")
}

func TestValidateRequired_ProdSigningKeyMayComeFromSecrets(t *testing.T) {
	setProdBaseline(t)
	t.Setenv("TOKEN_SIGNING_KEY", "")

	_, err := config.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token.signing_key")

	t.Setenv("AWS_SECRET_ID", "numberbroker/prod")
	_, err = config.Load(context.Background())
	require.NoError(t, err)
}

func TestLoadWithEnvOverride(t *testing.T) {
	setProdBaseline(t)

	cfg, err := config.Load(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, config.LedgerPostgres, cfg.Broker.Ledger)
}
