// Package postgres owns the pgx dependency: pool construction, transaction
// helpers with serialization retry, and error classification for adapters.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("postgres")

// Postgres SQLSTATE codes the adapters react to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// MaxTxRetries bounds how many times RunInTx re-runs a transaction that
// failed with a serialization failure or deadlock.
const MaxTxRetries = 3

// Config holds Postgres connection parameters.
type Config struct {
	DSN      string
	MaxConns int32
	Timeout  time.Duration // Connect and ping timeout
}

// NewPool parses cfg.DSN, opens a pool, and pings it.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.Timeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.Timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxFunc is the body of a transaction. Returning an error rolls back.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// RunInTx runs fn in a read-committed transaction and commits it. A
// serialization failure or deadlock re-runs fn from the start with
// exponential backoff, up to MaxTxRetries times. Any other error is returned
// unchanged so callers can match domain sentinels with errors.Is.
func RunInTx(ctx context.Context, db Beginner, op string, fn TxFunc) error {
	ctx, span := tracer.Start(ctx, "postgres.tx")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
	)

	attempts := 0
	run := func() error {
		attempts++
		err := runOnce(ctx, db, fn)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(run, backoff.WithContext(backoff.WithMaxRetries(newTxBackOff(), MaxTxRetries), ctx))
	span.SetAttributes(attribute.Int("db.tx.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func runOnce(ctx context.Context, db Beginner, fn TxFunc) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// newTxBackOff is a short exponential schedule; contention on one account
// row clears in milliseconds.
func newTxBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// IsRetryable reports whether err is a serialization failure or deadlock,
// the two conditions where re-running the whole transaction is safe.
func IsRetryable(err error) bool {
	switch sqlState(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return true
	default:
		return false
	}
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
