// Package adapter contains implementations of interfaces defined in app and
// ledger: the Postgres and DynamoDB ledgers, Redis rate limits and update
// de-duplication, Kafka events, SNS alerts, BharatPe recharge lookup, and
// AWS-backed secrets.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("broker/adapter")
