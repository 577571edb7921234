package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/broker/adapter"
	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/broker/port"
	"github.com/aelexs/numberbroker/internal/catalog"
	"github.com/aelexs/numberbroker/internal/config"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/dynamo"
	"github.com/aelexs/numberbroker/internal/kafka"
	"github.com/aelexs/numberbroker/internal/ledger"
	"github.com/aelexs/numberbroker/internal/ordertoken"
	"github.com/aelexs/numberbroker/internal/postgres"
	"github.com/aelexs/numberbroker/internal/provider"
	"github.com/aelexs/numberbroker/internal/redis"
	"github.com/aelexs/numberbroker/internal/server"
	"github.com/aelexs/numberbroker/internal/worker"
)

// devSigningKey signs order tokens in local development when no key is
// configured. Other environments must supply one.
var devSigningKey = domain.SecretString("local-dev-order-token-key-32-bytes!!")

// setup is the broker composition root. It loads secrets, creates
// infrastructure clients and adapters, builds the broker, and returns the
// HTTP handler.
func setup(ctx context.Context, deps server.SetupDeps) (server.Service, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}

	// 1. AWS config and the secrets overlay.
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return server.Service{}, fmt.Errorf("broker setup: %w", err)
	}
	if err := applySecrets(ctx, cfg, awsCfg, logger); err != nil {
		return server.Service{}, fmt.Errorf("broker setup: %w", err)
	}

	// 2. Catalog, pricing, and vendors.
	menu, err := loadCatalog(cfg)
	if err != nil {
		return server.Service{}, fmt.Errorf("broker setup: %w", err)
	}
	pricing, err := provider.NewPricing(cfg.Broker.ProfitRate)
	if err != nil {
		return server.Service{}, fmt.Errorf("broker setup: pricing: %w", err)
	}
	registry, err := provider.NewRegistry(provider.RegistryConfig{
		Vendors:  createVendors(cfg, logger),
		Resolver: menu,
		Pricing:  pricing,
		Logger:   logger,
	})
	if err != nil {
		return server.Service{}, fmt.Errorf("broker setup: registry: %w", err)
	}

	// 3. Ledger backend.
	backend, err := createLedger(ctx, cfg, awsCfg, clock, logger)
	if err != nil {
		return server.Service{}, fmt.Errorf("broker setup: %w", err)
	}

	// 4. Redis for rate limits and update de-duplication.
	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})
	if err := redisClient.Ping(ctx); err != nil {
		backend.close()
		return server.Service{}, fmt.Errorf("broker setup: %w", err)
	}
	rateLimiter := adapter.NewRateLimiter(adapter.RateLimiterConfig{
		Cmd: redisClient.RDB,
		Limits: map[string]adapter.ActionLimit{
			app.RateActionBuy:      {Max: cfg.RateLimit.Buy, Window: cfg.RateLimit.ActionWindow},
			app.RateActionPoll:     {Max: cfg.RateLimit.Poll, Window: cfg.RateLimit.ActionWindow, FailOpen: true},
			app.RateActionRecharge: {Max: cfg.RateLimit.Recharge, Window: cfg.RateLimit.RechargeWindow},
		},
		Logger: logger,
	})
	deduper := adapter.NewUpdateDeduper(redisClient.RDB, domain.ActionDedupTTL)

	// 5. Event publisher and webhook reply sink.
	events, closeEvents := createEventPublisher(cfg, logger)
	replies, closeReplies := createReplySink(cfg, logger)

	// 6. Order tokens and recharge verification.
	signingKey := cfg.Token.SigningKey
	if signingKey.IsEmpty() && cfg.IsLocal() {
		logger.WarnContext(ctx, "using development order token signing key")
		signingKey = devSigningKey
	}
	codec, err := ordertoken.NewCodec(ordertoken.CodecConfig{
		Key:    signingKey,
		Issuer: cfg.Token.Issuer,
		TTL:    cfg.Token.TTL,
		Clock:  clock,
	})
	if err != nil {
		closeEvents()
		closeReplies()
		backend.close()
		_ = redisClient.Close()
		return server.Service{}, fmt.Errorf("broker setup: order tokens: %w", err)
	}
	verifier := adapter.NewBharatPeVerifier(adapter.BharatPeConfig{
		BaseURL:    cfg.BharatPe.BaseURL,
		MerchantID: cfg.BharatPe.MerchantID,
		Token:      cfg.BharatPe.Token,
		HTTPClient: provider.NewHTTPClient(cfg.Vendor.Timeout),
		Clock:      clock,
		Logger:     logger,
	})

	// 7. Broker core.
	broker := app.NewBroker(app.BrokerConfig{
		Registry:    registry,
		Ledger:      backend.store,
		Codec:       codec,
		Searcher:    menu,
		Verifier:    verifier,
		RateLimiter: rateLimiter,
		Events:      events,
		Clock:       clock,
		Logger:      logger,
	})
	pool := worker.New(worker.Config{
		Size:        cfg.Pool.Size,
		TaskTimeout: cfg.Pool.TaskTimeout,
		Logger:      logger,
	})

	// 8. Vendor balance monitor.
	monitorCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	var monitorWG sync.WaitGroup
	if cfg.Monitor.Interval > 0 {
		monitor := app.NewBalanceMonitor(app.BalanceMonitorConfig{
			Source:    registry,
			Alerter:   createAlerter(cfg, awsCfg, logger),
			Interval:  cfg.Monitor.Interval,
			Threshold: decimal.NewFromInt(int64(cfg.Monitor.LowBalance)),
			Logger:    logger,
		})
		monitorWG.Add(1)
		go func() {
			defer monitorWG.Done()
			monitor.Run(monitorCtx)
		}()
	}

	// 9. HTTP handler.
	handler := port.NewHandler(port.HandlerConfig{
		Broker:  broker,
		Pool:    pool,
		Deduper: deduper,
		Replies: replies,
		Logger:  logger,
	})

	logger.InfoContext(ctx, "broker initialized",
		slog.String("ledger", cfg.Broker.Ledger),
		slog.Any("vendors", registry.Names()),
		slog.Int("profit_rate", cfg.Broker.ProfitRate),
	)

	cleanup := func(_ context.Context) error {
		stopMonitor()
		monitorWG.Wait()
		pool.Wait()
		broker.Wait()
		closeEvents()
		closeReplies()
		backend.close()
		return redisClient.Close()
	}

	ready := func(ctx context.Context) error {
		if err := redisClient.Ping(ctx); err != nil {
			return err
		}
		return backend.ping(ctx)
	}

	return server.Service{Handler: handler.Routes(), Ready: ready, Cleanup: cleanup}, nil
}

// loadAWSConfig builds the shared SDK config. A configured endpoint points
// every client at LocalStack with static test credentials.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.AWS.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
	}
	return awsCfg, nil
}

// applySecrets overlays Secrets Manager and SSM values onto cfg. Local runs
// without a secret ID skip AWS entirely.
func applySecrets(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) error {
	if cfg.IsLocal() && cfg.AWS.SecretID == "" {
		return nil
	}

	source := adapter.NewAWSSecretSource(
		secretsmanager.NewFromConfig(awsCfg),
		ssm.NewFromConfig(awsCfg),
	)
	secrets, err := source.Load(ctx, cfg.AWS.SecretID, cfg.AWS.ProfitRateParam)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	cfg.ApplySecrets(secrets)

	logger.InfoContext(ctx, "secrets loaded", slog.String("profit_rate_param", cfg.AWS.ProfitRateParam))
	return nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Broker.MenuPath == "" {
		return catalog.Default(), nil
	}
	menu, err := catalog.LoadFile(cfg.Broker.MenuPath)
	if err != nil {
		return nil, fmt.Errorf("load menu: %w", err)
	}
	return menu, nil
}

// createVendors returns the vendors in registration order. Vendors without
// an API key are skipped outside local development.
func createVendors(cfg *config.Config, logger *slog.Logger) []provider.Vendor {
	vc := cfg.Vendor
	client := provider.NewHTTPClient(vc.Timeout)
	vendorCfg := func(key domain.SecretString, baseURL string) provider.Config {
		return provider.Config{
			BaseURL:    baseURL,
			APIKey:     key,
			Timeout:    vc.Timeout,
			HTTPClient: client,
			Logger:     logger,
		}
	}

	candidates := []struct {
		name string
		key  domain.SecretString
		make func() provider.Vendor
	}{
		{provider.VendorBower, vc.BowerKey, func() provider.Vendor { return provider.NewBower(vendorCfg(vc.BowerKey, vc.BowerURL)) }},
		{provider.VendorTiger, vc.TigerKey, func() provider.Vendor { return provider.NewTiger(vendorCfg(vc.TigerKey, vc.TigerURL)) }},
		{provider.VendorFast, vc.FastKey, func() provider.Vendor { return provider.NewFast(vendorCfg(vc.FastKey, vc.FastURL)) }},
		{provider.VendorFiveSim, vc.FivesimKey, func() provider.Vendor { return provider.NewFiveSim(vendorCfg(vc.FivesimKey, vc.FivesimURL)) }},
	}

	vendors := make([]provider.Vendor, 0, len(candidates))
	for _, c := range candidates {
		if c.key.IsEmpty() && !cfg.IsLocal() {
			logger.Warn("vendor disabled: no API key", slog.String("vendor", c.name))
			continue
		}
		vendors = append(vendors, c.make())
	}
	return vendors
}

// ledgerBackend is the configured ledger with its readiness check and
// connection release.
type ledgerBackend struct {
	store ledger.Store
	ping  func(ctx context.Context) error
	close func()
}

func noopPing(context.Context) error { return nil }

// createLedger opens the configured ledger backend.
func createLedger(ctx context.Context, cfg *config.Config, awsCfg aws.Config, clock domain.Clock, logger *slog.Logger) (ledgerBackend, error) {
	switch cfg.Broker.Ledger {
	case config.LedgerPostgres:
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			Timeout:  cfg.Postgres.Timeout,
		})
		if err != nil {
			return ledgerBackend{}, fmt.Errorf("postgres ledger: %w", err)
		}
		store := adapter.NewPostgresLedger(pool, clock)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return ledgerBackend{}, err
		}
		logger.InfoContext(ctx, "using postgres ledger")
		return ledgerBackend{store: store, ping: pool.Ping, close: pool.Close}, nil

	case config.LedgerDynamoDB:
		endpoint := cfg.DynamoDB.Endpoint
		if endpoint == "" {
			endpoint = cfg.AWS.Endpoint
		}
		client, err := dynamo.NewClient(ctx, dynamo.Config{
			Endpoint: endpoint,
			Region:   awsCfg.Region,
			Timeout:  cfg.DynamoDB.Timeout,
		})
		if err != nil {
			return ledgerBackend{}, fmt.Errorf("dynamodb ledger: %w", err)
		}
		store := adapter.NewDynamoLedger(adapter.DynamoLedgerConfig{
			DB:          client.DB,
			TablePrefix: cfg.DynamoDB.TablePrefix,
			Clock:       clock,
		})
		// Production tables are provisioned outside the service.
		if cfg.IsLocal() {
			for _, spec := range store.Tables() {
				if err := dynamo.EnsureTable(ctx, client.DB, spec); err != nil {
					return ledgerBackend{}, fmt.Errorf("dynamodb ledger: %w", err)
				}
			}
		}
		logger.InfoContext(ctx, "using dynamodb ledger", slog.String("table_prefix", cfg.DynamoDB.TablePrefix))
		tables := store.Tables()
		ping := func(ctx context.Context) error { return dynamo.Ping(ctx, client.DB, tables...) }
		return ledgerBackend{store: store, ping: ping, close: func() {}}, nil

	default:
		logger.WarnContext(ctx, "using in-memory ledger; balances are lost on restart")
		return ledgerBackend{store: ledger.NewMemoryStore(clock), ping: noopPing, close: func() {}}, nil
	}
}

// createEventPublisher produces to Kafka when brokers are configured and
// logs events otherwise.
func createEventPublisher(cfg *config.Config, logger *slog.Logger) (app.EventPublisher, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("using log-only event publisher")
		return adapter.NewLogEventPublisher(logger), func() {}
	}

	producer := kafka.NewProducer(kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	})
	closeProducer := func() {
		if err := producer.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("close kafka producer", slog.String("error", err.Error()))
		}
	}
	return adapter.NewKafkaEventPublisher(producer), closeProducer
}

// createReplySink produces webhook replies to Kafka. Without brokers there
// is nowhere to send a purchase token, so the webhook refuses purchases.
func createReplySink(cfg *config.Config, logger *slog.Logger) (app.ReplySink, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("no webhook reply sink; webhook purchases are refused")
		return nil, func() {}
	}

	producer := kafka.NewProducer(kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.ReplyTopic,
		ClientID: cfg.Kafka.ClientID,
	})
	closeProducer := func() {
		if err := producer.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("close kafka reply producer", slog.String("error", err.Error()))
		}
	}
	return adapter.NewKafkaReplySink(producer), closeProducer
}

// createAlerter publishes balance alerts to SNS when a topic is configured
// and logs them otherwise.
func createAlerter(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) app.Alerter {
	if cfg.Monitor.AlertTopicARN == "" {
		logger.Info("using log-only balance alerter")
		return adapter.NewLogAlerter(logger)
	}
	return adapter.NewSNSAlerter(sns.NewFromConfig(awsCfg), cfg.Monitor.AlertTopicARN)
}
