package adapter

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/ledger"
	"github.com/aelexs/numberbroker/internal/postgres"
)

//go:embed postgres_schema.sql
var postgresSchema string

// pgDB is the subset of *pgxpool.Pool the ledger uses.
type pgDB interface {
	postgres.Beginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ ledger.Store = (*PostgresLedger)(nil)

// PostgresLedger stores balances, transactions, recharge references and
// consumed order nonces in Postgres. Every mutation runs in one transaction
// holding the account row lock, so concurrent debits for a user serialize.
type PostgresLedger struct {
	db    pgDB
	clock domain.Clock
}

// NewPostgresLedger creates a PostgresLedger. Call EnsureSchema before first use
// on a fresh database.
func NewPostgresLedger(db pgDB, clock domain.Clock) *PostgresLedger {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &PostgresLedger{db: db, clock: clock}
}

// EnsureSchema creates the ledger tables when they do not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres ledger: ensure schema: %w", err)
	}
	return nil
}

const upsertAccountSQL = `
INSERT INTO user_info (user_id, balance, joined_at) VALUES ($1, 0, $2)
ON CONFLICT (user_id) DO UPDATE SET balance = user_info.balance
RETURNING balance::text`

// Balance returns the user's balance, creating the account at zero.
func (l *PostgresLedger) Balance(ctx context.Context, user domain.UserID) (decimal.Decimal, error) {
	if user.IsZero() {
		return decimal.Zero, domain.ErrEmptyUserID
	}

	ctx, span := tracer.Start(ctx, "postgres.ledger.balance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
	)

	var raw string
	if err := l.db.QueryRow(ctx, upsertAccountSQL, user.String(), l.now()).Scan(&raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return decimal.Zero, fmt.Errorf("postgres ledger: balance: %w", err)
	}
	return parseNumeric(raw)
}

// Apply records entry in one transaction: lock the account, check funds,
// consume the nonce, append the transaction and move the balance.
func (l *PostgresLedger) Apply(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	err := postgres.RunInTx(ctx, l.db, "ledger.apply", func(ctx context.Context, tx pgx.Tx) error {
		balance, err := l.lockAccount(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		if entry.RequireFunds && balance.Add(entry.Amount).IsNegative() {
			return domain.ErrInsufficientFunds
		}
		if entry.Nonce != "" {
			consumed, err := l.insertNonce(ctx, tx, entry.Nonce, entry.UserID, entry.Outcome)
			if err != nil {
				return err
			}
			if !consumed {
				return domain.ErrTokenConsumed
			}
		}
		return l.appendTxn(ctx, tx, entry.UserID, entry.Detail, entry.Amount)
	})
	if err != nil {
		return fmt.Errorf("postgres ledger: apply: %w", err)
	}
	return nil
}

// RecordRecharge credits amount once per utr. The utr insert and the credit
// commit together; a replayed utr returns false.
func (l *PostgresLedger) RecordRecharge(ctx context.Context, user domain.UserID, utr string, amount decimal.Decimal) (bool, error) {
	if err := ledger.ValidateRecharge(user, utr, amount); err != nil {
		return false, err
	}

	var credited bool
	err := postgres.RunInTx(ctx, l.db, "ledger.recharge", func(ctx context.Context, tx pgx.Tx) error {
		credited = false
		tag, err := tx.Exec(ctx,
			`INSERT INTO recharge_list (utr, user_id, amount, created_at) VALUES ($1, $2, $3::numeric, $4)
			 ON CONFLICT (utr) DO NOTHING`,
			utr, user.String(), amount.String(), l.now())
		if err != nil {
			return fmt.Errorf("insert recharge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := l.lockAccount(ctx, tx, user); err != nil {
			return err
		}
		if err := l.appendTxn(ctx, tx, user, domain.RechargeDetail, amount); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres ledger: recharge: %w", err)
	}
	return credited, nil
}

// ConsumeToken marks nonce as consumed without moving the balance. A nonce
// that was already consumed is read back for its first outcome; the insert
// conflict waits for the other writer to commit, so the row is visible.
func (l *PostgresLedger) ConsumeToken(ctx context.Context, nonce string, user domain.UserID, outcome string) (bool, string, error) {
	if nonce == "" || user.IsZero() {
		return false, "", domain.ErrInvalidInput
	}

	ctx, span := tracer.Start(ctx, "postgres.ledger.consume_token")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
	)

	consumed, err := l.insertNonce(ctx, l.db, nonce, user, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", fmt.Errorf("postgres ledger: consume token: %w", err)
	}
	if consumed {
		return true, outcome, nil
	}

	var recorded string
	if err := l.db.QueryRow(ctx,
		`SELECT outcome FROM consumed_tokens WHERE nonce = $1`, nonce).Scan(&recorded); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", fmt.Errorf("postgres ledger: read consumed token: %w", err)
	}
	return false, recorded, nil
}

// History returns the user's transactions in the order they were applied.
func (l *PostgresLedger) History(ctx context.Context, user domain.UserID) ([]ledger.Transaction, error) {
	if user.IsZero() {
		return nil, domain.ErrEmptyUserID
	}

	ctx, span := tracer.Start(ctx, "postgres.ledger.history")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
	)

	rows, err := l.db.Query(ctx,
		`SELECT id::text, detail, amount::text, created_at FROM transactions
		 WHERE user_id = $1 ORDER BY id`,
		user.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("postgres ledger: history: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			t      ledger.Transaction
			amount string
		)
		if err := rows.Scan(&t.ID, &t.Detail, &amount, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres ledger: scan transaction: %w", err)
		}
		if t.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		t.UserID = user
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres ledger: history rows: %w", err)
	}
	return out, nil
}

// MostPurchased ranks the user's purchased services by frequency.
func (l *PostgresLedger) MostPurchased(ctx context.Context, user domain.UserID) ([]string, error) {
	txns, err := l.History(ctx, user)
	if err != nil {
		return nil, err
	}
	return ledger.RankPurchases(txns), nil
}

// lockAccount creates the account if needed and returns its balance with
// the row locked until tx ends.
func (l *PostgresLedger) lockAccount(ctx context.Context, tx pgx.Tx, user domain.UserID) (decimal.Decimal, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_info (user_id, balance, joined_at) VALUES ($1, 0, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		user.String(), l.now()); err != nil {
		return decimal.Zero, fmt.Errorf("create account: %w", err)
	}

	var raw string
	if err := tx.QueryRow(ctx,
		`SELECT balance::text FROM user_info WHERE user_id = $1 FOR UPDATE`,
		user.String()).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("lock account: %w", err)
	}
	return parseNumeric(raw)
}

// execer is satisfied by both pgx.Tx and the pool.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (l *PostgresLedger) insertNonce(ctx context.Context, db execer, nonce string, user domain.UserID, outcome string) (bool, error) {
	tag, err := db.Exec(ctx,
		`INSERT INTO consumed_tokens (nonce, user_id, outcome, consumed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (nonce) DO NOTHING`,
		nonce, user.String(), outcome, l.now())
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PostgresLedger) appendTxn(ctx context.Context, tx pgx.Tx, user domain.UserID, detail string, amount decimal.Decimal) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (user_id, detail, amount, created_at) VALUES ($1, $2, $3::numeric, $4)`,
		user.String(), detail, amount.String(), l.now()); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE user_info SET balance = balance + $2::numeric WHERE user_id = $1`,
		user.String(), amount.String()); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func (l *PostgresLedger) now() time.Time {
	return l.clock.Now().UTC()
}

func parseNumeric(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres ledger: parse numeric %q: %w", raw, err)
	}
	return v, nil
}
