package domain

import "time"

// Pricing and lifecycle policy. These are compiled defaults; the ones that
// appear in config can be overridden per environment.
const (
	// DefaultProfitRate is the percentage markup applied to vendor cost.
	DefaultProfitRate = 30

	// MaxSalePrice is the ceiling above which a quote is treated as a
	// failed price lookup rather than a real offer.
	MaxSalePrice = 999

	// PollCancelEvery controls how often a waiting poll also offers a
	// cancel action: on attempts where attempt%PollCancelEvery equals
	// PollCancelEvery-1.
	PollCancelEvery = 5

	// RechargeLookback bounds how far back a UTR is searched at the bank.
	RechargeLookback = 72 * time.Hour

	// RechargeDetail and CancelSuffix are the ledger detail strings used
	// for top-ups and refunds.
	RechargeDetail = "Main Recharge"
	CancelSuffix   = " CANCELED"

	// MaxUserIDLength bounds transport-supplied user identifiers.
	MaxUserIDLength = 64
)

// Rate limiting for user actions.
const (
	BuyRateLimit         = 10 // Max purchases per user per window
	PollRateLimit        = 60 // Max polls per user per window
	ActionRateWindow     = time.Minute
	ActionDedupTTL       = 10 * time.Minute // How long a processed update ID is remembered
	RechargeRateLimit    = 5
	RechargeRateWindow   = 15 * time.Minute
	DefaultPoolSize      = 32
	DefaultVendorTimeout = 30 * time.Second
)

// Vendor balance monitoring.
const (
	DefaultBalanceCheckInterval = 15 * time.Minute
	DefaultLowBalanceThreshold  = 100
)

// Timeout contracts for infrastructure calls.
const (
	DynamoDBTimeout     = 5 * time.Second
	PostgresTimeout     = 5 * time.Second
	KafkaProduceTimeout = 10 * time.Second
	RedisTimeout        = 2 * time.Second
)

// Graceful shutdown.
const (
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 2 * time.Second
	ShutdownHTTPTimeout     = 10 * time.Second
	ShutdownOTELTimeout     = 5 * time.Second
	ReadinessCheckTimeout   = 2 * time.Second
)

// Outcome names recorded against consumed order nonces.
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeCancelled = "cancelled"
)
